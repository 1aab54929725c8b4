package autoflush

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2/ktesting"
	testingclock "k8s.io/utils/clock/testing"
	"k8s.io/utils/ptr"

	"github.com/aonescu/gardensync/internal/eventlog"
	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/gardenstore"
	"github.com/aonescu/gardensync/internal/status"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// logServer is an in-memory event log that can be told to reject appends.
type logServer struct {
	mu        sync.Mutex
	version   int64
	objects   []garden.Object
	appends   int
	conflicts int // appends still to reject; -1 rejects forever
}

func (l *logServer) FetchGarden(ctx context.Context, gardenID string) (*eventlog.Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &eventlog.Snapshot{
		Garden:  garden.Garden{ID: gardenID, Objects: append([]garden.Object(nil), l.objects...)},
		Version: l.version,
	}, nil
}

func (l *logServer) AppendEvents(ctx context.Context, gardenID string, events []garden.Event) (*eventlog.AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appends++
	if l.conflicts != 0 {
		if l.conflicts > 0 {
			l.conflicts--
		}
		// another writer got there first
		l.version++
		return nil, &eventlog.RejectError{Code: eventlog.UntrackedEvents, RetryHint: "resync"}
	}
	objects, err := garden.Apply(l.objects, events)
	if err != nil {
		return nil, err
	}
	l.objects = objects
	l.version = events[len(events)-1].Version
	return &eventlog.AppendResult{NextVersion: l.version + 1}, nil
}

func (l *logServer) appendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appends
}

func testConfig() Config {
	return Config{
		Debounce:      5 * time.Second,
		Force:         30 * time.Second,
		MaxRecoveries: 3,
		RecoveryBackoff: wait.Backoff{
			Duration: time.Second,
			Factor:   1,
		},
	}
}

func setup(t *testing.T, server *logServer) (*gardenstore.Store, *Scheduler, *testingclock.FakeClock) {
	logger, ctx := ktesting.NewTestContext(t)
	clk := testingclock.NewFakeClock(time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC))

	store := gardenstore.New("g-1", server, gardenstore.WithLogger(logger))
	store.LoadGarden(ctx)
	require.Equal(t, status.Idle, store.Status())

	s := New(store, WithClock(clk), WithConfig(testConfig()), WithLogger(logger))
	s.Start(ctx)
	t.Cleanup(s.Stop)
	return store, s, clk
}

func TestScheduler_Debounce(t *testing.T) {
	server := &logServer{version: 2, objects: []garden.Object{{ID: "a"}}}
	store, s, clk := setup(t, server)
	start := clk.Now()

	store.UpsertObject(garden.Patch{ID: "a", X: ptr.To(1.0)})

	d := s.Deadlines()
	assert.Equal(t, start.Add(5*time.Second), d.AutoFlushAt)
	assert.Equal(t, start.Add(30*time.Second), d.ForceFlushAt)

	clk.Step(4 * time.Second)
	store.UpsertObject(garden.Patch{ID: "a", X: ptr.To(2.0)})

	d = s.Deadlines()
	assert.Equal(t, start.Add(9*time.Second), d.AutoFlushAt, "an edit restarts the debounce")
	assert.Equal(t, start.Add(30*time.Second), d.ForceFlushAt, "an edit does not move the force deadline")

	clk.Step(4 * time.Second)
	assert.Equal(t, 0, server.appendCount())

	clk.Step(time.Second)
	require.Eventually(t, func() bool {
		return store.Status() == status.Idle
	}, waitFor, tick)

	assert.Equal(t, 1, server.appendCount())
	assert.Equal(t, int64(3), store.State().Garden.Version)
	assert.Equal(t, Deadlines{}, s.Deadlines())
}

func TestScheduler_ForceFlush(t *testing.T) {
	server := &logServer{version: 0}
	store, s, clk := setup(t, server)
	start := clk.Now()

	for i := 0; i < 8; i++ {
		store.UpsertObject(garden.Patch{ID: "a", X: ptr.To(float64(i))})
		clk.Step(4 * time.Second)
	}
	// t = 32s with the last edit at 28s
	require.Eventually(t, func() bool {
		return server.appendCount() == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return store.Status() == status.Idle
	}, waitFor, tick)
	assert.True(t, s.Deadlines().AutoFlushAt.IsZero())
	assert.Equal(t, 7.0, store.State().Garden.Objects[0].X)
	assert.True(t, clk.Now().After(start.Add(30*time.Second)))
}

func TestScheduler_ClearsTimersWhenQueueEmpties(t *testing.T) {
	server := &logServer{version: 1}
	store, s, clk := setup(t, server)

	store.UpsertObject(garden.Patch{ID: "local", Name: ptr.To("Pot")})
	require.False(t, s.Deadlines().AutoFlushAt.IsZero())

	store.DeleteObject("local")

	assert.Equal(t, Deadlines{}, s.Deadlines())
	assert.False(t, clk.HasWaiters())

	clk.Step(time.Minute)
	assert.Never(t, func() bool {
		return server.appendCount() > 0
	}, 50*time.Millisecond, tick)
}

func TestScheduler_RecoversFromConflict(t *testing.T) {
	server := &logServer{version: 4, conflicts: 1}
	store, s, clk := setup(t, server)

	store.UpsertObject(garden.Patch{ID: "a", Name: ptr.To("Bed")})
	clk.Step(5 * time.Second)

	require.Eventually(t, func() bool {
		return store.Status() == status.FlushableError && !s.Deadlines().RecoveryAt.IsZero()
	}, waitFor, tick)
	assert.Equal(t, 1, server.appendCount())

	clk.Step(time.Second)
	require.Eventually(t, func() bool {
		return store.Status() == status.Idle
	}, waitFor, tick)

	st := store.State()
	assert.Equal(t, 2, server.appendCount())
	assert.Equal(t, int64(6), st.Garden.Version)
	assert.Empty(t, st.PendingEvents)
	require.Eventually(t, func() bool {
		return s.Recoveries() == 0
	}, waitFor, tick, "leaving flushableError resets the recovery budget")
}

func TestScheduler_RecoveryIsBounded(t *testing.T) {
	server := &logServer{version: 0, conflicts: -1}
	store, s, clk := setup(t, server)

	store.UpsertObject(garden.Patch{ID: "a", Name: ptr.To("Bed")})
	clk.Step(5 * time.Second)

	for attempt := 1; attempt <= 3; attempt++ {
		require.Eventually(t, func() bool {
			return !s.Deadlines().RecoveryAt.IsZero()
		}, waitFor, tick, "attempt %d not scheduled", attempt)

		clk.Step(time.Second)
		require.Eventually(t, func() bool {
			return s.Recoveries() == attempt
		}, waitFor, tick)
	}

	require.Eventually(t, func() bool {
		return server.appendCount() == 4 && store.Status() == status.FlushableError
	}, waitFor, tick)
	assert.Never(t, func() bool {
		return !s.Deadlines().RecoveryAt.IsZero()
	}, 100*time.Millisecond, tick)
	assert.True(t, s.Exhausted())

	clk.Step(time.Hour)
	assert.Never(t, func() bool {
		return server.appendCount() > 4
	}, 50*time.Millisecond, tick)
	assert.Len(t, store.State().PendingEvents, 1)
}

func TestScheduler_Stop(t *testing.T) {
	server := &logServer{version: 1}
	store, s, clk := setup(t, server)

	store.UpsertObject(garden.Patch{ID: "a"})
	require.True(t, clk.HasWaiters())

	s.Stop()
	assert.False(t, clk.HasWaiters())
	assert.Equal(t, Deadlines{}, s.Deadlines())

	store.UpsertObject(garden.Patch{ID: "b"})
	assert.Equal(t, Deadlines{}, s.Deadlines())

	clk.Step(time.Minute)
	assert.Never(t, func() bool {
		return server.appendCount() > 0
	}, 50*time.Millisecond, tick)
	assert.Equal(t, status.Flushable, store.Status())
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 5*time.Second, c.Debounce)
	assert.Equal(t, 30*time.Second, c.Force)
	assert.Equal(t, 10, c.MaxRecoveries)
}

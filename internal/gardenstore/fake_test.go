package gardenstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"k8s.io/klog/v2/ktesting"

	"github.com/aonescu/gardensync/internal/eventlog"
	"github.com/aonescu/gardensync/internal/garden"
)

// fakeClient is an in-memory event log. The optional hooks replace the
// default behaviour of a single call.
type fakeClient struct {
	mu       sync.Mutex
	snapshot eventlog.Snapshot
	fetchErr error
	batches  [][]garden.Event
	fetches  int

	fetchHook  func(ctx context.Context) (*eventlog.Snapshot, error)
	appendHook func(ctx context.Context, events []garden.Event) (*eventlog.AppendResult, error)
}

func newFakeClient(version int64, objects ...garden.Object) *fakeClient {
	return &fakeClient{
		snapshot: eventlog.Snapshot{
			Garden:  garden.Garden{ID: "g-1", Name: "My Garden", Unit: garden.Feet, Objects: objects},
			Version: version,
		},
	}
}

func (c *fakeClient) FetchGarden(ctx context.Context, gardenID string) (*eventlog.Snapshot, error) {
	c.mu.Lock()
	c.fetches++
	hook := c.fetchHook
	c.mu.Unlock()
	if hook != nil {
		return hook(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	snapshot := c.snapshot
	snapshot.Garden = *c.snapshot.Garden.Clone()
	return &snapshot, nil
}

func (c *fakeClient) AppendEvents(ctx context.Context, gardenID string, events []garden.Event) (*eventlog.AppendResult, error) {
	c.mu.Lock()
	c.batches = append(c.batches, append([]garden.Event(nil), events...))
	hook := c.appendHook
	c.mu.Unlock()
	if hook != nil {
		return hook(ctx, events)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, event := range events {
		if event.Version != c.snapshot.Version+1+int64(i) {
			return nil, &eventlog.RejectError{Code: eventlog.UntrackedEvents, UntrackedEvents: []int64{event.Version}}
		}
	}
	objects, err := garden.Apply(c.snapshot.Garden.Objects, events)
	if err != nil {
		return nil, &eventlog.RejectError{Code: eventlog.InvalidEvents}
	}
	c.snapshot.Garden.Objects = objects
	c.snapshot.Version += int64(len(events))
	return &eventlog.AppendResult{NextVersion: c.snapshot.Version + 1}, nil
}

func (c *fakeClient) appended() [][]garden.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]garden.Event(nil), c.batches...)
}

// commitRemote simulates another writer appending n events.
func (c *fakeClient) commitRemote(n int64, objects ...garden.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.Version += n
	c.snapshot.Garden.Objects = append(c.snapshot.Garden.Objects, objects...)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("ev-%d", n)
	}
}

func newTestStore(t *testing.T, client eventlog.Client) (*Store, context.Context) {
	logger, ctx := ktesting.NewTestContext(t)
	return New("g-1", client, WithLogger(logger), WithIDGenerator(sequentialIDs())), ctx
}

func bed(id string) garden.Object {
	return garden.Object{ID: id, Name: "Bed " + id, Width: 4, Height: 8, Kind: "raisedBed", Plantable: true}
}

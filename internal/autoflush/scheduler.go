package autoflush

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/aonescu/gardensync/internal/gardenstore"
	"github.com/aonescu/gardensync/internal/status"
)

// Syncer is the part of a garden store the scheduler drives.
type Syncer interface {
	State() gardenstore.State
	Subscribe(fn func(gardenstore.State)) (unsubscribe func())
	FlushEvents(ctx context.Context)
	Resync(ctx context.Context)
}

type Config struct {
	// Debounce is restarted by every change of the pending queue.
	Debounce time.Duration
	// Force bounds how long a non-empty queue may wait while edits keep
	// restarting the debounce.
	Force time.Duration
	// MaxRecoveries caps conflict recovery attempts (re-sync + flush)
	// until the store leaves flushableError.
	MaxRecoveries int
	// RecoveryBackoff spaces recovery attempts.
	RecoveryBackoff wait.Backoff
}

func DefaultConfig() Config {
	return Config{
		Debounce:      5 * time.Second,
		Force:         30 * time.Second,
		MaxRecoveries: 10,
		RecoveryBackoff: wait.Backoff{
			Duration: time.Second,
			Factor:   2,
			Jitter:   0.1,
			Steps:    10,
			Cap:      30 * time.Second,
		},
	}
}

// Deadlines are the pending timer expirations. Zero means not scheduled.
type Deadlines struct {
	AutoFlushAt  time.Time
	ForceFlushAt time.Time
	RecoveryAt   time.Time
}

type Scheduler struct {
	syncer Syncer
	clock  clock.WithDelayedExecution
	config Config
	logger logr.Logger

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	unsubscribe func()

	armed        bool
	lastRevision uint64
	debounce     timer
	force        timer

	recovery   timer
	recovering bool
	recoveries int
	exhausted  bool
	backoff    wait.Backoff
}

// timer is a cancellable callback. A callback only acts if gen still
// matches when it runs, so a stopped timer that already fired is inert.
type timer struct {
	t   clock.Timer
	gen uint64
	at  time.Time
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.gen++
	t.at = time.Time{}
}

type Option func(*Scheduler)

func WithClock(c clock.WithDelayedExecution) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

func WithConfig(c Config) Option {
	return func(s *Scheduler) {
		s.config = c
	}
}

func WithLogger(logger logr.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func New(syncer Syncer, opts ...Option) *Scheduler {
	s := &Scheduler{
		syncer: syncer,
		clock:  clock.RealClock{},
		config: DefaultConfig(),
		logger: klog.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = klog.LoggerWithName(s.logger, "autoflush")
	s.backoff = s.config.RecoveryBackoff
	return s
}

// Start subscribes to the store and arms timers as needed. Flushes run
// with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx = ctx
	s.running = true
	s.unsubscribe = s.syncer.Subscribe(func(gardenstore.State) {
		s.evaluate()
	})
	s.mu.Unlock()

	s.evaluate()
}

// Stop clears every timer and unsubscribes. A flush already running is
// not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.clearTimersLocked()
	s.recovery.stop()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Scheduler) Deadlines() Deadlines {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Deadlines{
		AutoFlushAt:  s.debounce.at,
		ForceFlushAt: s.force.at,
		RecoveryAt:   s.recovery.at,
	}
}

// Recoveries returns the attempts made since the store last left
// flushableError.
func (s *Scheduler) Recoveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveries
}

// Exhausted reports whether recovery gave up on the current conflict.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

func (s *Scheduler) evaluate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.evaluateLocked(s.syncer.State())
}

func (s *Scheduler) evaluateLocked(st gardenstore.State) {
	switch st.Status {
	case status.FlushableError:
		s.clearTimersLocked()
		s.scheduleRecoveryLocked()
		return
	case status.Saving, status.Loading:
		s.clearTimersLocked()
		return
	}

	if !s.recovering {
		s.resetRecoveryLocked()
	}

	if st.Status != status.Flushable || len(st.PendingEvents) == 0 {
		s.clearTimersLocked()
		return
	}

	if !s.armed {
		s.armed = true
		s.lastRevision = st.Revision
		s.startLocked(&s.force, s.config.Force, "force")
		s.startLocked(&s.debounce, s.config.Debounce, "debounce")
		return
	}
	if st.Revision != s.lastRevision {
		s.lastRevision = st.Revision
		s.startLocked(&s.debounce, s.config.Debounce, "debounce")
	}
}

func (s *Scheduler) startLocked(t *timer, d time.Duration, trigger string) {
	t.stop()
	gen := t.gen
	t.at = s.clock.Now().Add(d)
	// Runs on the clock's goroutine; hand off before touching the scheduler.
	t.t = s.clock.AfterFunc(d, func() {
		go s.fire(t, gen, trigger)
	})
}

func (s *Scheduler) fire(t *timer, gen uint64, trigger string) {
	s.mu.Lock()
	if !s.running || t.gen != gen {
		s.mu.Unlock()
		return
	}
	s.clearTimersLocked()
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.V(2).Info("Auto flush", "trigger", trigger)
	s.syncer.FlushEvents(ctx)
}

func (s *Scheduler) clearTimersLocked() {
	s.armed = false
	s.debounce.stop()
	s.force.stop()
}

func (s *Scheduler) scheduleRecoveryLocked() {
	if s.recovering || s.recovery.t != nil {
		return
	}
	if s.recoveries >= s.config.MaxRecoveries {
		if !s.exhausted {
			s.exhausted = true
			s.logger.Info("Giving up conflict recovery", "attempts", s.recoveries)
		}
		return
	}

	delay := s.backoff.Step()
	s.recovery.stop()
	gen := s.recovery.gen
	s.recovery.at = s.clock.Now().Add(delay)
	s.recovery.t = s.clock.AfterFunc(delay, func() {
		go s.recover(gen)
	})
}

func (s *Scheduler) recover(gen uint64) {
	s.mu.Lock()
	if !s.running || s.recovery.gen != gen {
		s.mu.Unlock()
		return
	}
	s.recovery.t = nil
	s.recovery.at = time.Time{}
	s.recovering = true
	s.recoveries++
	attempt := s.recoveries
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Recovering from flush conflict", "attempt", attempt, "max", s.config.MaxRecoveries)
	s.syncer.Resync(ctx)
	if s.syncer.State().Status == status.FlushableError {
		s.syncer.FlushEvents(ctx)
	}

	s.mu.Lock()
	s.recovering = false
	s.mu.Unlock()
	s.evaluate()
}

func (s *Scheduler) resetRecoveryLocked() {
	if s.recoveries == 0 && s.recovery.t == nil {
		return
	}
	s.recovery.stop()
	s.recoveries = 0
	s.exhausted = false
	s.backoff = s.config.RecoveryBackoff
}

package gardenstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/aonescu/gardensync/internal/eventlog"
	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/status"
)

// State is a point-in-time copy of a Store.
type State struct {
	GardenID string
	// Garden is the last snapshot known to be committed on the server.
	Garden *garden.Garden
	// OptimisticObjects is Garden.Objects with the pending events applied.
	OptimisticObjects []garden.Object
	PendingEvents     map[string]garden.Event
	NextEventVersion  int64
	Status            status.Status
	ErrorMessage      string
	// Revision changes whenever the pending queue changes.
	Revision uint64
	// Seq increases with every change the store publishes.
	Seq uint64
}

// Store keeps the optimistic view of one garden and syncs its pending
// events with the server event log.
type Store struct {
	mu sync.Mutex

	gardenID string
	client   eventlog.Client
	logger   logr.Logger
	newID    func() string

	garden           *garden.Garden
	optimistic       []garden.Object
	queue            *Queue
	inFlight         sets.Set[string]
	nextEventVersion int64
	status           status.Status
	errorMessage     string
	revision         uint64
	loadSeq          uint64
	seq              uint64

	listeners    map[int]func(State)
	nextListener int
}

type Option func(*Store)

func WithLogger(logger logr.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithIDGenerator replaces the event id generator (uuid v4 by default).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

func New(gardenID string, client eventlog.Client, opts ...Option) *Store {
	s := &Store{
		gardenID:         gardenID,
		client:           client,
		logger:           klog.Background(),
		newID:            uuid.NewString,
		queue:            NewQueue(),
		nextEventVersion: 1,
		status:           status.Idle,
		listeners:        make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = klog.LoggerWithValues(klog.LoggerWithName(s.logger, "gardenstore"), "garden", gardenID)
	return s
}

func (s *Store) GardenID() string {
	return s.gardenID
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Store) Status() status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers fn to be called with a fresh State after every
// change. Calls happen outside the store lock, so concurrent changes may
// deliver their states out of order. A listener that keeps the latest
// state should ignore any state whose Seq is below one it already saw.
// The copy a listener receives is its own.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// LoadGarden replaces the store contents with the server snapshot and
// discards pending events. It is a no-op while a flush is in flight.
// Only the most recently started load applies its result.
func (s *Store) LoadGarden(ctx context.Context) {
	var seq uint64
	started := s.update(func() bool {
		if s.status == status.Saving {
			s.logger.V(1).Info("Skipping reload while saving")
			return false
		}
		s.loadSeq++
		seq = s.loadSeq
		s.enterLoadingLocked()
		return true
	})
	if !started {
		return
	}

	snapshot, err := s.client.FetchGarden(ctx, s.gardenID)

	s.update(func() bool {
		if seq != s.loadSeq {
			s.logger.V(2).Info("Dropping superseded load result", "load", seq)
			return false
		}
		if err != nil {
			s.logger.Error(err, "Failed to load garden")
			s.errorMessage = err.Error()
			s.transitionLocked(status.Error)
			return true
		}

		s.garden = snapshotGarden(snapshot, s.gardenID)
		s.queue.Clear()
		s.inFlight = nil
		s.nextEventVersion = s.garden.Version + 1
		s.errorMessage = ""
		s.revision++
		s.rebuildLocked()
		s.transitionLocked(status.Idle)
		s.logger.V(1).Info("Loaded garden", "version", s.garden.Version, "objects", len(s.garden.Objects))
		return true
	})
}

// Resync refreshes the server snapshot but keeps pending events, which
// are replayed over the new base. From flushableError the status is kept
// so a following flush can retry the batch.
func (s *Store) Resync(ctx context.Context) {
	var seq uint64
	var keepStatus bool
	started := s.update(func() bool {
		if s.status == status.Saving {
			s.logger.V(1).Info("Skipping resync while saving")
			return false
		}
		s.loadSeq++
		seq = s.loadSeq
		keepStatus = s.status == status.FlushableError
		if !keepStatus {
			s.enterLoadingLocked()
		}
		return true
	})
	if !started {
		return
	}

	snapshot, err := s.client.FetchGarden(ctx, s.gardenID)

	s.update(func() bool {
		if seq != s.loadSeq {
			s.logger.V(2).Info("Dropping superseded resync result", "load", seq)
			return false
		}
		if keepStatus && s.status != status.FlushableError {
			s.logger.V(2).Info("Dropping resync result, status moved on", "status", s.status)
			return false
		}
		if err != nil {
			s.logger.Error(err, "Failed to resync garden")
			s.errorMessage = err.Error()
			if !keepStatus {
				s.transitionLocked(status.Error)
			}
			return true
		}

		s.garden = snapshotGarden(snapshot, s.gardenID)
		if next := s.garden.Version + 1; next > s.nextEventVersion {
			s.nextEventVersion = next
		}
		s.rebuildLocked()
		s.logger.V(1).Info("Resynced garden", "version", s.garden.Version, "pending", s.queue.Len())

		if keepStatus {
			return true
		}
		s.errorMessage = ""
		s.transitionLocked(status.Idle)
		if s.queue.Len() > 0 {
			s.transitionLocked(status.Flushable)
		}
		return true
	})
}

// UpsertObject merges patch over the current optimistic value of the
// object and queues the result.
func (s *Store) UpsertObject(patch garden.Patch) {
	s.update(func() bool {
		if !s.acceptsEditsLocked("upsert") {
			return false
		}
		if patch.ID == "" {
			s.logger.Info("Ignoring upsert without object id")
			return false
		}

		base := garden.Patch{ID: patch.ID}
		if current, ok := garden.Find(s.optimistic, patch.ID); ok {
			base = garden.PatchOf(current)
		}
		merged, err := garden.Merge(base, patch)
		if err != nil {
			s.logger.Error(err, "Failed to merge object patch", "object", patch.ID)
			return false
		}

		s.enqueueLocked(garden.Upsert, merged)
		return true
	})
}

// DeleteObject removes an object. Objects the server has never seen are
// removed locally without producing an event.
func (s *Store) DeleteObject(objectID string) {
	s.update(func() bool {
		if !s.acceptsEditsLocked("delete") {
			return false
		}

		_, onServer := garden.Find(s.garden.Objects, objectID)
		if onServer || s.inFlight.Has(objectID) {
			s.enqueueLocked(garden.Delete, garden.Patch{ID: objectID})
			return true
		}

		if !s.queue.Drop(objectID) {
			return false
		}
		s.revision++
		s.rebuildLocked()
		s.logger.V(2).Info("Dropped local-only object", "object", objectID)
		return true
	})
}

// FlushEvents sends the pending queue as one contiguous batch and
// reconciles the store with the outcome.
func (s *Store) FlushEvents(ctx context.Context) {
	var batch []garden.Event
	started := s.update(func() bool {
		if s.status == status.Saving {
			return false
		}
		if s.queue.Len() == 0 {
			return false
		}
		if s.garden == nil || !status.CanFlush(s.status) {
			s.logger.V(1).Info("Flush not allowed", "status", s.status)
			return false
		}

		s.transitionLocked(status.Saving)
		batch = garden.Renumber(s.queue.Events(), s.garden.Version)
		s.inFlight = sets.New[string]()
		for _, event := range batch {
			s.inFlight.Insert(event.Payload.ID)
		}
		return true
	})
	if !started {
		return
	}

	s.logger.V(2).Info("Flushing events", "count", len(batch), "from", batch[0].Version)
	result, err := s.client.AppendEvents(ctx, s.gardenID, batch)

	s.update(func() bool {
		s.inFlight = nil
		if err != nil {
			s.errorMessage = err.Error()
			if eventlog.IsConflict(err) {
				s.logger.Info("Flush conflicted with the server log", "err", err.Error())
				s.transitionLocked(status.FlushableError)
			} else {
				s.logger.Error(err, "Failed to flush events")
				s.transitionLocked(status.Error)
			}
			return true
		}

		s.reconcileLocked(batch, result.NextVersion)
		return true
	})
}

func (s *Store) reconcileLocked(batch []garden.Event, nextVersion int64) {
	committed := s.mustApply(s.garden.Objects, batch)

	g := s.garden.Clone()
	g.Objects = committed
	g.Version = nextVersion - 1
	s.garden = g
	if nextVersion > s.nextEventVersion {
		s.nextEventVersion = nextVersion
	}

	flushed := sets.New[string]()
	for _, event := range batch {
		flushed.Insert(event.ID)
	}
	s.queue.Forget(flushed)
	s.revision++
	s.errorMessage = ""
	s.rebuildLocked()

	s.logger.V(1).Info("Flushed events", "count", len(batch), "version", g.Version, "pending", s.queue.Len())
	if s.queue.Len() == 0 {
		s.transitionLocked(status.Idle)
	} else {
		s.transitionLocked(status.Flushable)
	}
}

func (s *Store) acceptsEditsLocked(op string) bool {
	switch {
	case s.garden == nil:
		s.logger.V(1).Info("Ignoring edit before the garden is loaded", "op", op)
		return false
	case s.status == status.Error || s.status == status.Loading:
		s.logger.V(1).Info("Ignoring edit", "op", op, "status", s.status)
		return false
	}
	return true
}

func (s *Store) enqueueLocked(eventType garden.EventType, payload garden.Patch) {
	event := garden.Event{
		ID:        s.newID(),
		Version:   s.nextEventVersion,
		EventType: eventType,
		Payload:   payload,
	}
	s.queue.Put(payload.ID, event)
	s.nextEventVersion++
	s.revision++
	s.rebuildLocked()
	s.requestLocked(status.Flushable)
}

// enterLoadingLocked moves to loading. An explicit reload is allowed from
// any state, so states the transition table does not connect to loading
// are reset.
func (s *Store) enterLoadingLocked() {
	if _, err := status.Transition(s.status, status.Loading); err != nil {
		s.logger.V(2).Info("Resetting status for reload", "from", s.status)
	}
	s.setStatusLocked(status.Loading)
}

func (s *Store) rebuildLocked() {
	if s.garden == nil {
		s.optimistic = nil
		return
	}
	s.optimistic = s.mustApply(s.garden.Objects, s.queue.Events())
}

// mustApply panics on events the store could not have produced.
func (s *Store) mustApply(objects []garden.Object, events []garden.Event) []garden.Object {
	out, err := garden.Apply(objects, events)
	if err != nil {
		s.logger.Error(err, "Corrupt event queue")
		panic(err)
	}
	return out
}

func (s *Store) transitionLocked(to status.Status) {
	next, err := status.Transition(s.status, to)
	if err != nil {
		s.logger.Error(err, "Illegal status transition")
		panic(err)
	}
	s.setStatusLocked(next)
}

func (s *Store) requestLocked(to status.Status) {
	next, err := status.Request(s.status, to)
	if err != nil {
		s.logger.Error(err, "Illegal status transition")
		panic(err)
	}
	s.setStatusLocked(next)
}

func (s *Store) setStatusLocked(next status.Status) {
	if next != s.status {
		s.logger.V(2).Info("Status changed", "from", s.status, "to", next)
	}
	s.status = next
}

// update runs fn under the lock and, if fn reports a change, notifies
// subscribers after the lock is released.
func (s *Store) update(fn func() bool) bool {
	changed, state, listeners := s.locked(fn)
	for _, l := range listeners {
		l(state)
	}
	return changed
}

func (s *Store) locked(fn func() bool) (bool, State, []func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !fn() {
		return false, State{}, nil
	}
	s.seq++
	listeners := make([]func(State), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	return true, s.stateLocked(), listeners
}

func (s *Store) stateLocked() State {
	return State{
		GardenID:          s.gardenID,
		Garden:            s.garden.Clone(),
		OptimisticObjects: append([]garden.Object(nil), s.optimistic...),
		PendingEvents:     s.queue.Snapshot(),
		NextEventVersion:  s.nextEventVersion,
		Status:            s.status,
		ErrorMessage:      s.errorMessage,
		Revision:          s.revision,
		Seq:               s.seq,
	}
}

func snapshotGarden(snapshot *eventlog.Snapshot, gardenID string) *garden.Garden {
	g := snapshot.Garden.Clone()
	g.Version = snapshot.Version
	if g.ID == "" {
		g.ID = gardenID
	}
	return g
}

func (st State) String() string {
	version := int64(0)
	if st.Garden != nil {
		version = st.Garden.Version
	}
	return fmt.Sprintf("%s@%d status=%s pending=%d", st.GardenID, version, st.Status, len(st.PendingEvents))
}

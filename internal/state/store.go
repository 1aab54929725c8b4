package state

import (
	"errors"
	"sync"

	"github.com/aonescu/gardensync/internal/garden"
)

// ErrVersionConflict is returned by Append when the garden moved past the
// base version the batch was built on.
var ErrVersionConflict = errors.New("garden version conflict")

// EventStore persists garden event logs and their materialized snapshots.
type EventStore interface {
	// Snapshot returns a garden and its last committed version. Unknown
	// gardens are created empty at version 0.
	Snapshot(gardenID string) (garden.Garden, int64, error)
	// Append commits a contiguous batch on top of baseVersion and returns
	// the new last committed version.
	Append(gardenID string, baseVersion int64, events []garden.Event) (int64, error)
	// Recorded returns the version an event id was committed at.
	Recorded(gardenID, eventID string) (int64, bool, error)
}

// NewGarden is the snapshot of a garden nobody has written to yet.
func NewGarden(gardenID string) garden.Garden {
	return garden.Garden{
		ID:      gardenID,
		Name:    "My Garden",
		Unit:    garden.Feet,
		Objects: []garden.Object{},
	}
}

// In-memory implementation for fallback
type MemoryStore struct {
	mu      sync.RWMutex
	gardens map[string]*gardenLog
}

type gardenLog struct {
	snapshot  garden.Garden
	version   int64
	events    []garden.Event
	byEventID map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gardens: make(map[string]*gardenLog),
	}
}

func (s *MemoryStore) logFor(gardenID string) *gardenLog {
	l, ok := s.gardens[gardenID]
	if !ok {
		l = &gardenLog{
			snapshot:  NewGarden(gardenID),
			byEventID: make(map[string]int64),
		}
		s.gardens[gardenID] = l
	}
	return l
}

func (s *MemoryStore) Snapshot(gardenID string) (garden.Garden, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(gardenID)
	g := *l.snapshot.Clone()
	g.Version = l.version
	return g, l.version, nil
}

func (s *MemoryStore) Append(gardenID string, baseVersion int64, events []garden.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.logFor(gardenID)
	if l.version != baseVersion {
		return l.version, ErrVersionConflict
	}
	for _, event := range events {
		if _, dup := l.byEventID[event.ID]; dup {
			return l.version, ErrVersionConflict
		}
	}

	objects, err := garden.Apply(l.snapshot.Objects, events)
	if err != nil {
		return l.version, err
	}

	l.snapshot.Objects = objects
	for _, event := range events {
		l.events = append(l.events, event)
		l.byEventID[event.ID] = event.Version
	}
	l.version = baseVersion + int64(len(events))
	return l.version, nil
}

func (s *MemoryStore) Recorded(gardenID, eventID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.gardens[gardenID]
	if !ok {
		return 0, false, nil
	}
	version, ok := l.byEventID[eventID]
	return version, ok, nil
}

// Events returns the committed log of a garden.
func (s *MemoryStore) Events(gardenID string) []garden.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.gardens[gardenID]
	if !ok {
		return nil
	}
	return append([]garden.Event(nil), l.events...)
}

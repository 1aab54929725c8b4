package gardenstore

import (
	"fmt"

	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/status"
)

// Session is the persistable part of a Store: the committed snapshot and
// the events not yet flushed.
type Session struct {
	GardenID         string         `json:"gardenId"`
	Garden           *garden.Garden `json:"garden"`
	PendingEvents    []garden.Event `json:"pendingEvents"`
	NextEventVersion int64          `json:"nextEventVersion"`
}

func (s *Store) Export() Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Session{
		GardenID:         s.gardenID,
		Garden:           s.garden.Clone(),
		PendingEvents:    s.queue.Events(),
		NextEventVersion: s.nextEventVersion,
	}
}

// Restore replaces the store contents with a previously exported session.
func (s *Store) Restore(session Session) error {
	var err error
	s.update(func() bool {
		switch {
		case session.GardenID != s.gardenID:
			err = fmt.Errorf("session belongs to garden %q, not %q", session.GardenID, s.gardenID)
		case session.Garden == nil:
			err = fmt.Errorf("session for garden %q has no snapshot", session.GardenID)
		case s.status == status.Saving:
			err = fmt.Errorf("cannot restore garden %q while saving", s.gardenID)
		default:
			err = validateSession(session)
		}
		if err != nil {
			return false
		}

		queue := NewQueue()
		next := session.Garden.Version + 1
		for _, event := range garden.SortByVersion(session.PendingEvents) {
			if event.Payload.ID == "" {
				continue
			}
			queue.Put(event.Payload.ID, event)
			if event.Version >= next {
				next = event.Version + 1
			}
		}
		if session.NextEventVersion > next {
			next = session.NextEventVersion
		}

		s.loadSeq++
		s.garden = session.Garden.Clone()
		s.queue = queue
		s.inFlight = nil
		s.nextEventVersion = next
		s.errorMessage = ""
		s.revision++
		s.rebuildLocked()

		s.setStatusLocked(status.Idle)
		if queue.Len() > 0 {
			s.transitionLocked(status.Flushable)
		}
		s.logger.V(1).Info("Restored session", "version", s.garden.Version, "pending", queue.Len())
		return true
	})
	return err
}

// validateSession checks that the pending events replay cleanly over the
// session snapshot.
func validateSession(session Session) error {
	for _, event := range session.PendingEvents {
		switch event.EventType {
		case garden.Upsert, garden.Delete:
		default:
			return fmt.Errorf("session for garden %q has event %q of unknown type %q", session.GardenID, event.ID, event.EventType)
		}
	}
	if _, err := garden.Apply(session.Garden.Objects, garden.SortByVersion(session.PendingEvents)); err != nil {
		return fmt.Errorf("session for garden %q does not replay: %w", session.GardenID, err)
	}
	return nil
}

package gardenstore

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/aonescu/gardensync/internal/garden"
)

// Queue holds at most one unflushed event per object id. A later event
// for the same object replaces the earlier one.
type Queue struct {
	entries map[string]queued
	seq     uint64
}

type queued struct {
	event garden.Event
	seq   uint64
}

func NewQueue() *Queue {
	return &Queue{entries: make(map[string]queued)}
}

func (q *Queue) Put(objectID string, event garden.Event) {
	q.seq++
	q.entries[objectID] = queued{event: event.Clone(), seq: q.seq}
}

func (q *Queue) Get(objectID string) (garden.Event, bool) {
	e, ok := q.entries[objectID]
	return e.event.Clone(), ok
}

func (q *Queue) Drop(objectID string) bool {
	_, ok := q.entries[objectID]
	delete(q.entries, objectID)
	return ok
}

func (q *Queue) Len() int {
	return len(q.entries)
}

func (q *Queue) Clear() {
	q.entries = make(map[string]queued)
}

// Events returns the queued events ordered by version, then by the
// order they were queued.
func (q *Queue) Events() []garden.Event {
	entries := make([]queued, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].event.Version != entries[j].event.Version {
			return entries[i].event.Version < entries[j].event.Version
		}
		return entries[i].seq < entries[j].seq
	})

	events := make([]garden.Event, len(entries))
	for i, e := range entries {
		events[i] = e.event.Clone()
	}
	return events
}

// Snapshot deep-copies the queue as object id -> event.
func (q *Queue) Snapshot() map[string]garden.Event {
	out := make(map[string]garden.Event, len(q.entries))
	for id, e := range q.entries {
		out[id] = e.event.Clone()
	}
	return out
}

// Forget removes the entries whose event id is in eventIDs and returns
// how many were removed. Entries replaced since then carry a new event
// id and stay queued.
func (q *Queue) Forget(eventIDs sets.Set[string]) int {
	removed := 0
	for id, e := range q.entries {
		if eventIDs.Has(e.event.ID) {
			delete(q.entries, id)
			removed++
		}
	}
	return removed
}

package status

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Status is the sync state of a garden store.
type Status string

const (
	Idle           Status = "idle"
	Loading        Status = "loading"
	Flushable      Status = "flushable"
	Saving         Status = "saving"
	FlushableError Status = "flushableError"
	Error          Status = "error"
)

var allowed = map[Status]sets.Set[Status]{
	Idle:           sets.New(Loading, Flushable),
	Loading:        sets.New(Loading, Idle, Error),
	Flushable:      sets.New(Saving, Flushable),
	Saving:         sets.New(Flushable, Idle, FlushableError, Error),
	FlushableError: sets.New(Saving),
	Error:          sets.New[Status](),
}

// Requests that carry no new information for the current state.
var noOps = map[Status]sets.Set[Status]{
	Saving:         sets.New(Saving, Flushable),
	FlushableError: sets.New(Flushable),
	Error:          sets.New(Flushable),
}

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

func (s Status) Valid() bool {
	_, ok := allowed[s]
	return ok
}

// Transition validates from -> to against the transition table.
func Transition(from, to Status) (Status, error) {
	if next, ok := allowed[from]; ok && next.Has(to) {
		return to, nil
	}
	return from, &TransitionError{From: from, To: to}
}

// Request is Transition with the no-op table applied first: a request
// that adds nothing to the current state keeps it.
func Request(from, to Status) (Status, error) {
	if noOps[from].Has(to) {
		return from, nil
	}
	return Transition(from, to)
}

// CanFlush reports whether a flush may start from s.
func CanFlush(s Status) bool {
	return allowed[s].Has(Saving)
}

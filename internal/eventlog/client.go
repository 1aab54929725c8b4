package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/aonescu/gardensync/internal/garden"
)

// Client talks to the server's garden event log.
type Client interface {
	// FetchGarden returns the latest committed snapshot of a garden.
	FetchGarden(ctx context.Context, gardenID string) (*Snapshot, error)
	// AppendEvents appends a contiguous batch of events. A rejected batch
	// is reported as a *RejectError.
	AppendEvents(ctx context.Context, gardenID string, events []garden.Event) (*AppendResult, error)
}

type Snapshot struct {
	Garden  garden.Garden `json:"garden"`
	Version int64         `json:"version"`
}

type AppendRequest struct {
	NewEvents []garden.Event `json:"new_events"`
}

type AppendResult struct {
	// NextVersion is the next version the server will assign.
	NextVersion int64 `json:"next_version"`
}

type RejectCode string

const (
	InvalidEvents   RejectCode = "invalidEvents"
	UntrackedEvents RejectCode = "untrackedEvents"
	InsertFailed    RejectCode = "insertFailed"
)

// RejectError is the structured 400 body of an append.
type RejectError struct {
	Code            RejectCode `json:"code"`
	UntrackedEvents []int64    `json:"untracked_events"`
	RetryHint       string     `json:"retry_hint"`
}

func (e *RejectError) Error() string {
	if e.RetryHint != "" {
		return fmt.Sprintf("events rejected (%s): %s", e.Code, e.RetryHint)
	}
	return fmt.Sprintf("events rejected (%s)", e.Code)
}

// Conflict reports whether the batch raced another writer and may
// succeed after re-syncing the base version.
func (e *RejectError) Conflict() bool {
	return e.Code == UntrackedEvents || e.Code == InsertFailed
}

func IsConflict(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej) && rej.Conflict()
}

func IsInvalid(err error) bool {
	var rej *RejectError
	return errors.As(err, &rej) && rej.Code == InvalidEvents
}

// StatusError is returned for responses the protocol does not describe.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/aonescu/gardensync/internal/eventlog"
	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/state"
)

// Rule checks a single event. Check returns the reason the event is
// invalid, or "" if it passes.
type Rule struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Check       func(event garden.Event) string `json:"-"`
}

type Violation struct {
	RuleID  string `json:"rule_id"`
	EventID string `json:"event_id"`
	Version int64  `json:"version"`
	Reason  string `json:"reason"`
}

// Engine validates event batches and appends them to the event store.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
	store state.EventStore
}

func NewEngine(store state.EventStore) *Engine {
	e := &Engine{store: store}
	e.LoadDefaultRules()
	return e
}

func (e *Engine) LoadDefaultRules() {
	rules := DefaultRules()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules[:0], rules...)
	klog.V(1).InfoS("Loaded event rules", "count", len(rules))
}

// RegisterRule adds a rule, replacing any rule with the same id.
func (e *Engine) RegisterRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.rules {
		if e.rules[i].ID == rule.ID {
			e.rules[i] = rule
			return
		}
	}
	e.rules = append(e.rules, rule)
}

func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "event_id",
			Description: "Every event carries a client generated id",
			Check: func(event garden.Event) string {
				if event.ID == "" {
					return "event id is missing"
				}
				return ""
			},
		},
		{
			ID:          "event_type",
			Description: "Event type is upsert or delete",
			Check: func(event garden.Event) string {
				switch event.EventType {
				case garden.Upsert, garden.Delete:
					return ""
				}
				return fmt.Sprintf("unknown event type %q", event.EventType)
			},
		},
		{
			ID:          "object_id",
			Description: "The payload names the object it changes",
			Check: func(event garden.Event) string {
				if event.Payload.ID == "" {
					return "payload id is missing"
				}
				return ""
			},
		},
		{
			ID:          "object_size",
			Description: "Objects have non-negative width and height",
			Check: func(event garden.Event) string {
				p := event.Payload
				if (p.Width != nil && *p.Width < 0) || (p.Height != nil && *p.Height < 0) {
					return "width and height must not be negative"
				}
				return ""
			},
		},
	}
}

// Validate runs every rule over the batch and also rejects duplicate
// event ids.
func (e *Engine) Validate(events []garden.Event) []Violation {
	rules := e.Rules()

	var violations []Violation
	seen := sets.New[string]()
	for _, event := range events {
		for _, rule := range rules {
			if reason := rule.Check(event); reason != "" {
				violations = append(violations, Violation{RuleID: rule.ID, EventID: event.ID, Version: event.Version, Reason: reason})
			}
		}
		if event.ID != "" && seen.Has(event.ID) {
			violations = append(violations, Violation{RuleID: "unique_event_id", EventID: event.ID, Version: event.Version, Reason: "event id appears twice in the batch"})
		}
		seen.Insert(event.ID)
	}
	return violations
}

// Append validates and commits a batch. It returns the next version the
// log will assign, or a *eventlog.RejectError.
func (e *Engine) Append(gardenID string, events []garden.Event) (int64, error) {
	// Step 1: validate the batch on its own
	if len(events) == 0 {
		return 0, &eventlog.RejectError{Code: eventlog.InvalidEvents, UntrackedEvents: []int64{}, RetryHint: "the batch contains no events"}
	}
	if violations := e.Validate(events); len(violations) > 0 {
		reasons := make([]string, 0, len(violations))
		for _, v := range violations {
			reasons = append(reasons, fmt.Sprintf("%s (version %d): %s", v.RuleID, v.Version, v.Reason))
		}
		klog.V(1).InfoS("Rejected invalid events", "garden", gardenID, "violations", len(violations))
		return 0, &eventlog.RejectError{Code: eventlog.InvalidEvents, UntrackedEvents: []int64{}, RetryHint: strings.Join(reasons, "; ")}
	}

	_, current, err := e.store.Snapshot(gardenID)
	if err != nil {
		return 0, insertFailed(err)
	}

	// Step 2: events that were already committed are acknowledged again
	sorted := garden.SortByVersion(events)
	fresh := make([]garden.Event, 0, len(sorted))
	for _, event := range sorted {
		_, ok, err := e.store.Recorded(gardenID, event.ID)
		if err != nil {
			return 0, insertFailed(err)
		}
		if !ok {
			fresh = append(fresh, event)
		}
	}
	if len(fresh) == 0 {
		klog.V(1).InfoS("Acknowledged replayed batch", "garden", gardenID, "count", len(events))
		return current + 1, nil
	}

	// Step 3: versions must continue the log without gaps. A client that
	// re-synced numbers its whole batch, replayed events included, from
	// the current version; the remaining events then take the next slots.
	switch {
	case contiguous(fresh, current):
	case len(fresh) < len(sorted) && contiguous(sorted, current):
		fresh = garden.Renumber(fresh, current)
		klog.V(1).InfoS("Skipping replayed events", "garden", gardenID, "replayed", len(sorted)-len(fresh))
	default:
		untracked := mismatched(sorted, current)
		if len(untracked) == 0 {
			untracked = versions(sorted)
		}
		return 0, &eventlog.RejectError{
			Code:            eventlog.UntrackedEvents,
			UntrackedEvents: untracked,
			RetryHint:       fmt.Sprintf("reload the garden and renumber from version %d", current+1),
		}
	}

	// Step 4: commit
	committed, err := e.store.Append(gardenID, current, fresh)
	if errors.Is(err, state.ErrVersionConflict) {
		return 0, &eventlog.RejectError{
			Code:            eventlog.UntrackedEvents,
			UntrackedEvents: versions(fresh),
			RetryHint:       fmt.Sprintf("garden moved to version %d, reload and retry", committed),
		}
	}
	if err != nil {
		return 0, insertFailed(err)
	}

	return committed + 1, nil
}

func insertFailed(err error) error {
	klog.ErrorS(err, "Failed to append garden events")
	return &eventlog.RejectError{Code: eventlog.InsertFailed, UntrackedEvents: []int64{}, RetryHint: "retry later"}
}

// contiguous reports whether sorted events occupy base+1, base+2, ...
func contiguous(sorted []garden.Event, base int64) bool {
	return len(mismatched(sorted, base)) == 0
}

func mismatched(sorted []garden.Event, base int64) []int64 {
	out := []int64{}
	for i, event := range sorted {
		if event.Version != base+1+int64(i) {
			out = append(out, event.Version)
		}
	}
	return out
}

func versions(events []garden.Event) []int64 {
	out := make([]int64, len(events))
	for i, event := range events {
		out[i] = event.Version
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

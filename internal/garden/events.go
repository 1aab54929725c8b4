package garden

import (
	"fmt"
	"sort"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"
)

// Merge overlays the set fields of patch on base (RFC 7386).
func Merge(base, patch Patch) (Patch, error) {
	var out Patch
	if err := mergeInto(base, patch, &out); err != nil {
		return Patch{}, err
	}
	return out, nil
}

func mergeInto(base, patch, dest interface{}) error {
	baseDoc, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("failed to encode base: %w", err)
	}
	patchDoc, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(baseDoc, patchDoc)
	if err != nil {
		return fmt.Errorf("failed to merge patch: %w", err)
	}
	if err := json.Unmarshal(merged, dest); err != nil {
		return fmt.Errorf("failed to decode merged object: %w", err)
	}
	return nil
}

// SortByVersion returns a copy of events ordered by version. Ties keep their input order.
func SortByVersion(events []Event) []Event {
	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	return sorted
}

// Renumber orders events by their local version and re-stamps them
// with contiguous versions starting at base+1.
func Renumber(events []Event, base int64) []Event {
	sorted := SortByVersion(events)
	for i := range sorted {
		sorted[i].Version = base + 1 + int64(i)
	}
	return sorted
}

// Apply replays events over objects in version order and returns the
// resulting object list. The input slice is not modified. Surviving
// objects keep their position; new objects are appended in event order.
func Apply(objects []Object, events []Event) ([]Object, error) {
	out := append([]Object(nil), objects...)

	for _, event := range SortByVersion(events) {
		id := event.Payload.ID
		if id == "" {
			continue
		}

		switch event.EventType {
		case Delete:
			out = remove(out, id)
		case Upsert:
			idx := indexOf(out, id)
			base := Object{ID: id}
			if idx >= 0 {
				base = out[idx]
			}
			var merged Object
			if err := mergeInto(base, event.Payload, &merged); err != nil {
				return nil, fmt.Errorf("event %s: %w", event.ID, err)
			}
			if idx >= 0 {
				out[idx] = merged
			} else {
				out = append(out, merged)
			}
		default:
			return nil, fmt.Errorf("unknown event type: %s", event.EventType)
		}
	}

	return out, nil
}

func indexOf(objects []Object, id string) int {
	for i, o := range objects {
		if o.ID == id {
			return i
		}
	}
	return -1
}

func remove(objects []Object, id string) []Object {
	idx := indexOf(objects, id)
	if idx < 0 {
		return objects
	}
	return append(objects[:idx], objects[idx+1:]...)
}

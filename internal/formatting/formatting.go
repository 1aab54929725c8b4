package formatting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aonescu/gardensync/internal/autoflush"
	"github.com/aonescu/gardensync/internal/garden"
	"github.com/aonescu/gardensync/internal/gardenstore"
)

const rule = "────────────────────────\n"

// FormatState renders the dev-tools panel for a store.
func FormatState(st gardenstore.State, deadlines autoflush.Deadlines, now time.Time) string {
	var output strings.Builder

	output.WriteString("\nSTATUS\n")
	output.WriteString(rule)
	output.WriteString(fmt.Sprintf("%s (%s)\n", st.Status, st.GardenID))
	if st.Garden != nil {
		output.WriteString(fmt.Sprintf("Version: %d\n", st.Garden.Version))
	}
	output.WriteString(fmt.Sprintf("Next event version: %d\n", st.NextEventVersion))
	if st.ErrorMessage != "" {
		output.WriteString(fmt.Sprintf("Error: %s\n", st.ErrorMessage))
	}
	output.WriteString("\n")

	output.WriteString("AUTO FLUSH\n")
	output.WriteString(rule)
	output.WriteString(fmt.Sprintf("Debounce: %s\n", Countdown(deadlines.AutoFlushAt, now)))
	output.WriteString(fmt.Sprintf("Force:    %s\n", Countdown(deadlines.ForceFlushAt, now)))
	if !deadlines.RecoveryAt.IsZero() {
		output.WriteString(fmt.Sprintf("Recovery: %s\n", Countdown(deadlines.RecoveryAt, now)))
	}
	output.WriteString("\n")

	var committed []garden.Object
	if st.Garden != nil {
		committed = st.Garden.Objects
	}
	output.WriteString(fmt.Sprintf("SERVER OBJECTS (%d)\n", len(committed)))
	output.WriteString(rule)
	writeObjects(&output, committed)
	output.WriteString("\n")

	output.WriteString(fmt.Sprintf("OPTIMISTIC OBJECTS (%d)\n", len(st.OptimisticObjects)))
	output.WriteString(rule)
	writeObjects(&output, st.OptimisticObjects)

	if len(st.PendingEvents) > 0 {
		output.WriteString("\n")
		output.WriteString(fmt.Sprintf("PENDING EVENTS (%d)\n", len(st.PendingEvents)))
		output.WriteString(rule)
		for _, line := range FormatPendingEvents(st.PendingEvents) {
			output.WriteString(line + "\n")
		}
	}

	return output.String()
}

// Countdown is the time left until deadline, or "-" when none is set.
func Countdown(deadline, now time.Time) string {
	if deadline.IsZero() {
		return "-"
	}
	left := deadline.Sub(now)
	if left < 0 {
		left = 0
	}
	return left.Round(100 * time.Millisecond).String()
}

// FormatPendingEvents returns one line per event, ordered by version.
func FormatPendingEvents(pending map[string]garden.Event) []string {
	events := make([]garden.Event, 0, len(pending))
	for _, event := range pending {
		events = append(events, event)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Version != events[j].Version {
			return events[i].Version < events[j].Version
		}
		return events[i].Payload.ID < events[j].Payload.ID
	})

	lines := make([]string, 0, len(events))
	for _, event := range events {
		lines = append(lines, fmt.Sprintf("v%d %-6s %s", event.Version, event.EventType, event.Payload.ID))
	}
	return lines
}

func writeObjects(output *strings.Builder, objects []garden.Object) {
	if len(objects) == 0 {
		output.WriteString("(none)\n")
		return
	}
	for _, o := range objects {
		name := o.Name
		if name == "" {
			name = o.Kind
		}
		output.WriteString(fmt.Sprintf("%s %q at (%g, %g) %gx%g\n", o.ID, name, o.X, o.Y, o.Width, o.Height))
	}
}

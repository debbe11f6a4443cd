// Package sink delivers finished batches to their configured targets.
//
// Records are wrapped as events before delivery. A folder sink appends
// them to timestamped files with a per-folder index; an HEC sink posts
// them to a Splunk HTTP Event Collector endpoint.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"logcollector/internal/source"
)

// Event is the unit every sink receives.
type Event struct {
	Time   float64 `json:"time"`
	Event  any     `json:"event"`
	Source string  `json:"source"`
}

// Sink delivers one batch of events for one source.
type Sink interface {
	Deliver(ctx context.Context, src source.Source, events []Event) error
}

// BuildEvents wraps records as events stamped with the given clock. A record
// that parses as JSON is embedded as structured data, anything else as the
// raw string.
func BuildEvents(records []string, sourceName string, now func() time.Time) []Event {
	if now == nil {
		now = time.Now
	}
	events := make([]Event, len(records))
	for i, record := range records {
		ts := float64(now().UnixNano()) / 1e9
		var parsed any
		if err := json.Unmarshal([]byte(record), &parsed); err != nil {
			parsed = record
		}
		events[i] = Event{Time: ts, Event: parsed, Source: sourceName}
	}
	return events
}

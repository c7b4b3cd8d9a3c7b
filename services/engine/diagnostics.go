package engine

import (
	"encoding/json"
	"time"
)

// EventType labels a non-fatal condition observed during a run.
type EventType int

const (
	// EventEntrySkipUnaffordable: the affordability cap left zero shares.
	EventEntrySkipUnaffordable EventType = iota
	// EventEntrySkipCash: total entry cost exceeded available cash.
	EventEntrySkipCash
	// EventForceClose: a position was closed at termination.
	EventForceClose
)

func (t EventType) String() string {
	switch t {
	case EventEntrySkipUnaffordable:
		return "entry_skip_unaffordable"
	case EventEntrySkipCash:
		return "entry_skip_cash"
	case EventForceClose:
		return "force_close"
	}
	return "unknown"
}

// MarshalJSON emits the event name rather than the numeric code.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// Event is one diagnostic record. Skipped entries are policy, not failures:
// capital preservation outranks forcing a trade, so they land here instead of
// surfacing as errors.
type Event struct {
	Date   time.Time `json:"date"`
	Type   EventType `json:"type"`
	Symbol string    `json:"symbol"`
}

// RunLog accumulates diagnostics across one simulation.
type RunLog struct {
	Events []Event `json:"events,omitempty"`
	// MaxShares is the largest single-position share count seen.
	MaxShares int `json:"max_shares"`
}

func (l *RunLog) Append(e Event) { l.Events = append(l.Events, e) }

// SkippedEntries counts entries skipped for lack of cash.
func (l *RunLog) SkippedEntries() int {
	n := 0
	for _, e := range l.Events {
		if e.Type == EventEntrySkipUnaffordable || e.Type == EventEntrySkipCash {
			n++
		}
	}
	return n
}

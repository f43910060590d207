package store

import (
	"encoding/json"
	"time"
)

// EventKind classifies entries in the append-only event log.
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventDiff     EventKind = "diff"
	EventBreach   EventKind = "breach"
	EventHealth   EventKind = "health"
)

// ValidEventKind reports whether kind is one of the log's known kinds.
func ValidEventKind(kind EventKind) bool {
	switch kind {
	case EventSnapshot, EventDiff, EventBreach, EventHealth:
		return true
	}
	return false
}

// Event is one immutable, id-ordered log entry. The id sequence is assigned
// by the store and is the only ordering consumers may rely on.
type Event struct {
	ID        int64
	CreatedAt time.Time
	Kind      EventKind
	Payload   json.RawMessage
}

// Health is the last-write-wins singleton describing feed liveness.
// DataAgeS is measured from the last successfully persisted snapshot, so it
// keeps growing while the feed is down.
type Health struct {
	FeedConnected bool      `json:"feed_connected"`
	DataAgeS      float64   `json:"data_age_s"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MemoKind records the outcome of one alert decision.
type MemoKind string

const (
	MemoEmitted    MemoKind = "emitted"
	MemoSnoozed    MemoKind = "snoozed"
	MemoSuppressed MemoKind = "suppressed"
)

// Memo is a persisted audit record of an alert decision. The memo log doubles
// as the replay source for quieting state after a restart and as the
// transport for operator snooze commands.
type Memo struct {
	ID           int64           `json:"id"`
	TS           float64         `json:"ts"`
	UID          string          `json:"uid"`
	Rule         string          `json:"rule"`
	Severity     string          `json:"severity,omitempty"`
	Kind         MemoKind        `json:"kind"`
	Excerpt      json.RawMessage `json:"excerpt,omitempty"`
	Suggestion   string          `json:"suggestion,omitempty"`
	NextEligible float64         `json:"next,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

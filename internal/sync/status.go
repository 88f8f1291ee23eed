package sync

import (
	"errors"
	"fmt"
	"time"
)

// ErrCriticalFailure is wrapped by the error [Engine.Run] returns after an
// unclassified fault. The engine does not recover from it; restart the
// process.
var ErrCriticalFailure = errors.New("critical failure")

// State is the position of the [Engine] in its lifecycle.
type State int

const (
	// StateConnecting is the initial state while the first probe runs.
	StateConnecting State = iota
	// StateIdle means connected and waiting for the next tick.
	StateIdle
	// StateSyncing means a cycle is in progress.
	StateSyncing
	// StateDisconnected means the initial probe failed. Ticks are skipped.
	StateDisconnected
	// StateCriticalFailure is terminal.
	StateCriticalFailure
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateIdle:
		return "IDLE"
	case StateSyncing:
		return "SYNCING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateCriticalFailure:
		return "CRITICAL_FAILURE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome summarises how the last cycle ended.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Status is the snapshot published by the [Engine] after every transition.
// Copies handed out by [Engine.Status] never change.
type Status struct {
	State     State `json:"state"`
	Connected bool  `json:"connected"`

	LastCycleOutcome Outcome   `json:"last_cycle_outcome"`
	LastCycleAt      time.Time `json:"last_cycle_at,omitzero"`
	LastCycleID      string    `json:"last_cycle_id,omitempty"`
	Cycles           int       `json:"cycles"`

	// ProcessedCount is the number of mirrored items with a generated reply,
	// refreshed from the store every cycle.
	ProcessedCount int `json:"processed_count"`

	// LastError is the most recent failure message. It is kept until the
	// next failure replaces it.
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitzero"`

	RemoteTotal  int           `json:"remote_total"`
	LastMirror   Stats         `json:"last_mirror"`
	LastBackfill BackfillStats `json:"last_backfill"`
}

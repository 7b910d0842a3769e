package model

import (
	"encoding/json"
	"time"
)

// Wait status constants.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusTimeout  = "timeout"
	StatusDetached = "detached"
	StatusFailed   = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
// A wait settles exactly once, so every terminal status is a dead end.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusResolved: true,
		StatusTimeout:  true,
		StatusDetached: true,
		StatusFailed:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Wait is the persisted record of one scheduled condition-wait.
type Wait struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Title      string          `json:"title"`
	Polling    string          `json:"polling"`
	IntervalMS int             `json:"interval_ms,omitempty"`
	TimeoutMS  int             `json:"timeout_ms"`
	Status     string          `json:"status"`
	Value      json.RawMessage `json:"value,omitempty"`
	Error      string          `json:"error,omitempty"`
	Runs       int             `json:"runs"`
	CreatedAt  time.Time       `json:"created_at"`
	SettledAt  *time.Time      `json:"settled_at,omitempty"`
}

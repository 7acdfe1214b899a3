// Package history exports invocation lifecycle events to external systems.
package history

import (
	"context"
	"fmt"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"
	EventExit        EventType = "exit"
	EventStartFailed EventType = "start_failed"
)

// Result of a finished invocation.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultUnknown = "unknown"
)

// Record describes one invocation of the scheduled command.
// StoppedAt is zero until the invocation is over, ExitCode is -1 when no
// exit code is known (still running, killed by a signal, start failed).
type Record struct {
	Seq       uint64    `json:"seq"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	ExitCode  int       `json:"exit_code"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Key identifies the invocation across its start and exit events.
func (r Record) Key() string {
	return fmt.Sprintf("%d-%d-%d", r.Seq, r.PID, r.StartedAt.UnixNano())
}

// Duration is the wall time between start and stop, zero while running.
func (r Record) Duration() time.Duration {
	if r.StoppedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.StoppedAt.Sub(r.StartedAt)
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullTime returns nil for the zero time so SQL sinks store NULL.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// NullString returns nil for the empty string.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

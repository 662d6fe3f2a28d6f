package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of build event.
type EventType string

const (
	EventStepRun  EventType = "step_run"  // a guarded step ran (inputs changed or no cache)
	EventStepSkip EventType = "step_skip" // inputs unchanged, step skipped
	EventSpawn    EventType = "spawn"     // a managed process was started
	EventSkip     EventType = "singleton_skip"
	EventShutdown EventType = "shutdown" // a managed process group was torn down
)

// Record carries the per-event details. Fields not relevant to an event type are zero.
type Record struct {
	RunID  string `json:"run_id"`
	Name   string `json:"name"`
	PID    int    `json:"pid"`
	Digest string `json:"digest,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Event is a build event exported to external systems.
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

// NewRunID returns an identifier grouping all events of one invocation.
func NewRunID() string { return uuid.NewString() }

// Broadcast sends e to every sink. Sink failures are logged and never
// returned; history must not fail a build step.
func Broadcast(ctx context.Context, log *slog.Logger, sinks []Sink, e Event) {
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil && log != nil {
			log.Warn("history sink failed",
				slog.String("event", string(e.Type)),
				slog.String("name", e.Record.Name),
				slog.Any("error", err))
		}
	}
}

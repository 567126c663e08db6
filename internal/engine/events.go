package engine

import (
	"time"

	"github.com/google/uuid"

	"crewly/internal/analyzer"
)

// Event triggers. A trigger says why the session deserves a look, not what
// to do about it; that is the analyzer's call.
const (
	TriggerIdleTimeout     = "idle_timeout"
	TriggerProcessExit     = "process_exit"
	TriggerExplicitRequest = "explicit_request"
	TriggerScheduledCheck  = "scheduled_check"
)

// Metadata carries trigger-specific context.
type Metadata struct {
	ExitCode     *int
	LastOutputAt time.Time
}

// Event asks the engine to look at one session. Events are immutable and
// never persisted; losing one under backpressure is acceptable.
type Event struct {
	ID         string
	SessionRef string
	Trigger    string
	Metadata   Metadata
	// Analysis pre-seeds the verdict, skipping capture and analysis. Used
	// by the completer's gate-failure retry path.
	Analysis *analyzer.Analysis
	At       time.Time
}

// NewEvent builds an event with a correlation ID and timestamp.
func NewEvent(sessionRef, trigger string) Event {
	return Event{
		ID:         uuid.NewString(),
		SessionRef: sessionRef,
		Trigger:    trigger,
		At:         time.Now().UTC(),
	}
}

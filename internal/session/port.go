package session

import (
	"context"
	"errors"
)

// Cursor marks a position in a session transcript. Cursor semantics belong
// to the adapter; callers treat it as opaque and pass back the last value
// they received. Zero means "from the beginning".
type Cursor int64

var (
	// ErrSessionNotFound means the ref does not name a known session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionDead means the session exists but its process is gone.
	ErrSessionDead = errors.New("session is dead")
	// ErrWriteRejected means the session refused or dropped the input.
	ErrWriteRejected = errors.New("session write rejected")
)

// Port is the only I/O path between the orchestrator and an agent session.
// Implementations adapt a concrete runtime (detached process, tmux pane,
// container) behind these four calls.
type Port interface {
	// WriteInput delivers data to the session's input stream.
	WriteInput(ctx context.Context, ref string, data []byte) error

	// CaptureOutput returns transcript bytes produced after cursor and the
	// cursor to pass next time.
	CaptureOutput(ctx context.Context, ref string, cursor Cursor) ([]byte, Cursor, error)

	// IsAlive reports whether the session process is still running.
	IsAlive(ctx context.Context, ref string) bool

	// IsAssistantIdle reports whether the assistant inside the session has
	// stopped producing output. Heuristic; adapters may be wrong.
	IsAssistantIdle(ctx context.Context, ref string) (bool, error)
}

// RuntimeManager restarts dead session runtimes. Adapters that cannot
// respawn may return ErrSessionDead.
type RuntimeManager interface {
	EnsureRunning(ctx context.Context, ref string) error
}

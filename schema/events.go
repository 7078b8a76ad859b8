package schema

import "time"

// CommandExecutionEvent reports command output and completion.
// OutputChunk carries one line while running; the completion event carries
// the aggregated output of the command.
type CommandExecutionEvent struct {
	CommandID   CommandID `json:"command_id"`
	SessionID   SessionID `json:"session_id"`
	OutputChunk string    `json:"output_chunk"`
	IsCompleted bool      `json:"is_completed"`
	ExitCode    int       `json:"exit_code,omitempty"`
}

// SessionDirectoryEvent reports the working directory of a session after a prompt.
type SessionDirectoryEvent struct {
	SessionID        SessionID `json:"session_id"`
	CurrentDirectory string    `json:"current_directory"`
}

// TerminalOutputEvent carries raw bytes read from a session.
type TerminalOutputEvent struct {
	SessionID SessionID `json:"session_id"`
	Data      []byte    `json:"data"`
}

// SessionEventType identifies session lifecycle changes.
type SessionEventType string

const (
	// SessionEventCreated indicates a session was created.
	SessionEventCreated SessionEventType = "created"
	// SessionEventReady indicates a session reached its first prompt.
	SessionEventReady SessionEventType = "ready"
	// SessionEventClosed indicates a session was closed.
	SessionEventClosed SessionEventType = "closed"
	// SessionEventActivated indicates the current session changed.
	SessionEventActivated SessionEventType = "activated"
	// SessionEventInteractive indicates interactive mode changed.
	SessionEventInteractive SessionEventType = "interactive"
)

// SessionEvent reports session lifecycle changes.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	Session   SessionSnapshot  `json:"session"`
	Current   SessionID        `json:"current,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

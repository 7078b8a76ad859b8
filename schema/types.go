package schema

// SessionID identifies a terminal session.
type SessionID string

// CommandID identifies a dispatched or queued command.
type CommandID string

// ConnectionID identifies an SSH tunnel connection.
type ConnectionID string

// TerminalKind selects the provider backing a session.
type TerminalKind string

const (
	// TerminalLocal runs the shell in a local pseudo-terminal.
	TerminalLocal TerminalKind = "local"
	// TerminalSSH runs the shell over an SSH channel.
	TerminalSSH TerminalKind = "ssh"
)

// ParseTerminalKind normalizes a kind string; empty means local.
func ParseTerminalKind(value string) (TerminalKind, error) {
	switch value {
	case "", string(TerminalLocal):
		return TerminalLocal, nil
	case string(TerminalSSH):
		return TerminalSSH, nil
	default:
		return "", ErrInvalidTerminalKind
	}
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionNotStarted is the state before a PTY has been acquired.
	SessionNotStarted SessionStatus = "not_started"
	// SessionInitializing means the shell is running but not yet at its first prompt.
	SessionInitializing SessionStatus = "initializing"
	// SessionReady means the shell accepts commands.
	SessionReady SessionStatus = "ready"
	// SessionFailed means bring-up failed; the session is discarded.
	SessionFailed SessionStatus = "failed"
)

// InitState tracks shell bootstrap progress inside the initializing status.
type InitState string

const (
	// InitStarting waits for the bootstrap ready marker.
	InitStarting InitState = "initializing"
	// InitAwaitingPrompt waits for the first prompt marker.
	InitAwaitingPrompt InitState = "awaiting_first_prompt"
	// InitReady means the first prompt was observed.
	InitReady InitState = "ready"
)

package schema

import "time"

// CommandHistoryItem records a dispatched command and its output.
type CommandHistoryItem struct {
	ID          CommandID `json:"id"`
	Prompt      string    `json:"prompt"`
	Command     string    `json:"command"`
	Output      []string  `json:"output"`
	IsExecuting bool      `json:"is_executing"`
	ExitCode    int       `json:"exit_code"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the item.
func (c CommandHistoryItem) Clone() CommandHistoryItem {
	c.Output = append([]string(nil), c.Output...)
	return c
}

// QueuedCommand is a command waiting for the executing one to complete.
type QueuedCommand struct {
	ID      CommandID `json:"id"`
	Command string    `json:"command"`
}

// SessionSnapshot is a read-only view of session state.
type SessionSnapshot struct {
	ID                           SessionID            `json:"id"`
	Title                        string               `json:"title"`
	Kind                         TerminalKind         `json:"kind"`
	Status                       SessionStatus        `json:"status"`
	InitState                    InitState            `json:"init_state"`
	CurrentDirectory             string               `json:"current_directory"`
	ScrollOffset                 int                  `json:"scroll_offset"`
	IsFullscreen                 bool                 `json:"is_fullscreen"`
	IsInteractiveMode            bool                 `json:"is_interactive_mode"`
	InteractivePrompt            string               `json:"interactive_prompt,omitempty"`
	IsWaitingForInteractiveInput bool                 `json:"is_waiting_for_interactive_input"`
	CurrentExecutingCommand      *CommandHistoryItem  `json:"current_executing_command,omitempty"`
	CommandQueue                 []QueuedCommand      `json:"command_queue"`
	History                      []CommandHistoryItem `json:"history"`
	CreatedAt                    time.Time            `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s SessionSnapshot) Clone() SessionSnapshot {
	if s.CurrentExecutingCommand != nil {
		item := s.CurrentExecutingCommand.Clone()
		s.CurrentExecutingCommand = &item
	}
	s.CommandQueue = append([]QueuedCommand(nil), s.CommandQueue...)
	if len(s.History) > 0 {
		history := make([]CommandHistoryItem, len(s.History))
		for i, item := range s.History {
			history[i] = item.Clone()
		}
		s.History = history
	}
	return s
}

// Executing reports whether a command is currently running.
func (s SessionSnapshot) Executing() bool {
	return s.CurrentExecutingCommand != nil && s.CurrentExecutingCommand.IsExecuting
}

// PtyMode is a point-in-time view of terminal attributes.
type PtyMode struct {
	Canonical      bool `json:"canonical"`
	Echo           bool `json:"echo"`
	Signal         bool `json:"signal"`
	Extended       bool `json:"extended"`
	AvailableBytes int  `json:"available_bytes"`
}

// DefaultPtyMode is reported when attributes cannot be read (remote channels).
func DefaultPtyMode() PtyMode {
	return PtyMode{Canonical: true, Echo: true, Signal: true, Extended: true}
}

// IsWaitingForInput reports whether the foreground program appears to wait for keystrokes.
func (m PtyMode) IsWaitingForInput() bool {
	return m.AvailableBytes == 0
}

// IsRawInput reports whether input is delivered per keystroke or without echo.
func (m PtyMode) IsRawInput() bool {
	return !m.Canonical || !m.Echo
}

// ScrollbackSnapshot is a view of a session's recent output lines.
type ScrollbackSnapshot struct {
	SessionID    SessionID `json:"session_id"`
	Lines        []string  `json:"lines"`
	TotalLines   int       `json:"total_lines"`
	ScrollOffset int       `json:"scroll_offset"`
	AtBottom     bool      `json:"at_bottom"`
}

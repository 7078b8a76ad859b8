package schema

// Session lifecycle.

// CreateSessionRequest describes a request to create a session.
type CreateSessionRequest struct {
	Title string       `json:"title,omitempty"`
	Kind  TerminalKind `json:"kind,omitempty"`
}

// CreateSessionResponse reports the ready session.
type CreateSessionResponse struct {
	Session SessionSnapshot `json:"session"`
}

// SwitchSessionRequest describes a request to focus a session.
type SwitchSessionRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
}

// SwitchSessionResponse reports whether the session was focused.
type SwitchSessionResponse struct {
	Switched bool      `json:"switched"`
	Current  SessionID `json:"current"`
}

// CloseSessionRequest describes a request to close a session.
type CloseSessionRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
}

// CloseSessionResponse reports the closed session and the new current one.
type CloseSessionResponse struct {
	Closed  bool      `json:"closed"`
	Current SessionID `json:"current"`
}

// ListSessionsRequest describes a request to list sessions.
type ListSessionsRequest struct{}

// ListSessionsResponse reports sessions and the current one.
type ListSessionsResponse struct {
	Sessions []SessionSnapshot `json:"sessions"`
	Current  SessionID         `json:"current"`
}

// GetSessionRequest describes a request for one session.
type GetSessionRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
}

// GetSessionResponse reports one session.
type GetSessionResponse struct {
	Session SessionSnapshot `json:"session"`
}

// ResizeSessionRequest describes a window resize.
type ResizeSessionRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
	Rows      int       `json:"rows"`
	Cols      int       `json:"cols"`
}

// ResizeSessionResponse reports whether the resize was applied.
type ResizeSessionResponse struct {
	Resized bool `json:"resized"`
}

// Command dispatch.

// SendCommandRequest describes a command for a session; empty SessionID targets the current session.
type SendCommandRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
	Command   string    `json:"command"`
}

// SendCommandResponse reports how the command was handled.
type SendCommandResponse struct {
	CommandID CommandID `json:"command_id"`
	SessionID SessionID `json:"session_id,omitempty"`
	Queued    bool      `json:"queued"`
	Raw       bool      `json:"raw"`
}

// SendInputRequest describes raw keystrokes for a session.
type SendInputRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
	Input     string    `json:"input"`
}

// SendInputResponse reports the session that received input.
type SendInputResponse struct {
	SessionID SessionID `json:"session_id,omitempty"`
}

// SendInterruptRequest describes an interrupt for a session.
type SendInterruptRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
}

// SendInterruptResponse reports the interrupted session.
type SendInterruptResponse struct {
	SessionID SessionID `json:"session_id,omitempty"`
}

// Scroll state.

// SaveScrollOffsetRequest stores a scroll offset.
type SaveScrollOffsetRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
	Offset    int       `json:"offset"`
}

// SaveScrollOffsetResponse acknowledges a stored offset.
type SaveScrollOffsetResponse struct {
	Saved bool `json:"saved"`
}

// GetScrollOffsetRequest reads a scroll offset.
type GetScrollOffsetRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
}

// GetScrollOffsetResponse reports the stored offset.
type GetScrollOffsetResponse struct {
	Offset int `json:"offset"`
}

// GetScrollbackRequest reads recent output lines; Limit 0 returns everything.
type GetScrollbackRequest struct {
	SessionID SessionID `json:"session_id,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// GetScrollbackResponse reports recent output lines.
type GetScrollbackResponse struct {
	Scrollback ScrollbackSnapshot `json:"scrollback"`
}

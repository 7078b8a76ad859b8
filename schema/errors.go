package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidTerminalKind indicates an unknown terminal kind.
	ErrInvalidTerminalKind = errors.New("invalid terminal kind")
	// ErrSessionNotFound indicates a requested session could not be found.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoSessions indicates no sessions exist.
	ErrNoSessions = errors.New("no sessions")
	// ErrSessionClosed indicates the session was closed while an operation was in flight.
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyCommand indicates the command text was empty.
	ErrEmptyCommand = errors.New("empty command")
	// ErrBringUpTimeout indicates the shell did not reach its first prompt in time.
	ErrBringUpTimeout = errors.New("session bring-up timed out")
	// ErrProviderUnavailable indicates no provider is configured for the terminal kind.
	ErrProviderUnavailable = errors.New("terminal provider not configured")
	// ErrConnectionNotFound indicates a requested tunnel connection could not be found.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrNoConnection indicates no tunnel connection is current.
	ErrNoConnection = errors.New("no active connection")
	// ErrConnectionInUse indicates terminal sessions hold the connection.
	ErrConnectionInUse = errors.New("connection in use by terminal sessions")
	// ErrReverseTunnelDisabled indicates storage mounting requires a reverse tunnel.
	ErrReverseTunnelDisabled = errors.New("reverse tunnel is not enabled")
	// ErrSSHFSMissing indicates the remote host has no sshfs client.
	ErrSSHFSMissing = errors.New("sshfs not installed on remote host")
	// ErrInvalidConnectionParams indicates incomplete SSH connection parameters.
	ErrInvalidConnectionParams = errors.New("invalid connection parameters")
	// ErrFileSystemUnavailable indicates the provider of a session exposes no filesystem.
	ErrFileSystemUnavailable = errors.New("filesystem not available")
)

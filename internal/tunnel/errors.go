package tunnel

import (
	"fmt"

	"pkt.systems/ttyx/schema"
)

// ErrorKind classifies tunnel failures.
type ErrorKind string

const (
	// ErrorAuth indicates the remote rejected the credentials.
	ErrorAuth ErrorKind = "auth"
	// ErrorTransport indicates the TCP or SSH handshake failed.
	ErrorTransport ErrorKind = "transport"
	// ErrorForward indicates the local port forward could not be set up.
	ErrorForward ErrorKind = "forward"
	// ErrorReverse indicates the reverse tunnel could not be set up.
	ErrorReverse ErrorKind = "reverse"
	// ErrorMount indicates remote storage mounting failed.
	ErrorMount ErrorKind = "mount"
	// ErrorSFTP indicates the SFTP subsystem could not be opened.
	ErrorSFTP ErrorKind = "sftp"
	// ErrorInUse indicates terminal sessions hold the connection.
	ErrorInUse ErrorKind = "in_use"
)

// TunnelError wraps connection failures with a stable classification.
type TunnelError struct {
	Kind         ErrorKind
	Op           string
	ConnectionID schema.ConnectionID
	Err          error
}

func newTunnelError(kind ErrorKind, op string, id schema.ConnectionID, err error) *TunnelError {
	return &TunnelError{Kind: kind, Op: op, ConnectionID: id, Err: err}
}

func (e *TunnelError) Error() string {
	if e == nil {
		return "tunnel error"
	}
	msg := fmt.Sprintf("tunnel %s (%s)", e.Op, e.Kind)
	if e.ConnectionID != "" {
		msg = fmt.Sprintf("tunnel %s %s (%s)", e.ConnectionID, e.Op, e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + " failed"
}

func (e *TunnelError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

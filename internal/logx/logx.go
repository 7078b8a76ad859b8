package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/schema"
)

type contextKey int

const (
	sessionKey contextKey = iota
	connectionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with the session id unless the context already carries it.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithConnection annotates the logger with the tunnel connection id.
func WithConnection(ctx context.Context, connID schema.ConnectionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if connID != "" {
		if current, ok := ctx.Value(connectionKey).(schema.ConnectionID); ok && current == connID {
			return log
		}
		log = log.With("conn", connID)
	}
	return log
}

// WithCommand annotates the logger with a command id when available.
func WithCommand(log pslog.Logger, commandID schema.CommandID) pslog.Logger {
	if commandID != "" {
		log = log.With("command", commandID)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithConnection stores the connection marker on the context for log de-duplication.
func ContextWithConnection(ctx context.Context, connID schema.ConnectionID) context.Context {
	if ctx == nil || connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connectionKey, connID)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}

// ContextWithConnectionLogger attaches the logger and connection marker to the context.
func ContextWithConnectionLogger(ctx context.Context, log pslog.Logger, connID schema.ConnectionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithConnection(ctx, connID)
}

// CopyContextFields copies session/connection markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if id, ok := src.Value(sessionKey).(schema.SessionID); ok && id != "" {
		dst = ContextWithSession(dst, id)
	}
	if id, ok := src.Value(connectionKey).(schema.ConnectionID); ok && id != "" {
		dst = ContextWithConnection(dst, id)
	}
	return dst
}

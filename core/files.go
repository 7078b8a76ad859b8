package core

import (
	"context"

	"pkt.systems/ttyx/internal/fsops"
	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

// Files runs a filesystem operation on the provider backing a session.
// Relative paths resolve against the session's current directory.
func (m *terminalManager) Files(ctx context.Context, req schema.FileRequest) (schema.FileResponse, error) {
	id, err := m.sessions.resolve(req.SessionID)
	if err != nil {
		return schema.FileResponse{}, err
	}
	rt, ok := m.sessions.runtime(id)
	if !ok {
		return schema.FileResponse{}, schema.ErrSessionNotFound
	}
	_, provider := rt.handles()
	if provider == nil {
		return schema.FileResponse{}, newSessionError(SessionErrorProvider, "files", id, schema.ErrFileSystemUnavailable)
	}
	fsys := provider.FileSystem()
	if fsys == nil {
		return schema.FileResponse{}, newSessionError(SessionErrorProvider, "files", id, schema.ErrFileSystemUnavailable)
	}
	snap, _ := m.sessions.peek(id)
	ops := fsops.New(fsys, provider.WorkingDirectory(), snap.CurrentDirectory)
	resp, err := ops.Do(req)
	log := logx.WithSession(ctx, id)
	if err != nil {
		log.Debug("terminal file op failed", "op", req.Op, "path", req.Path, "err", err)
		return resp, err
	}
	log.Debug("terminal file op ok", "op", req.Op, "path", ops.Resolve(req.Path))
	return resp, nil
}

package httpapi

import (
	"context"
	"sync"

	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/schema"
)

// stubTerminals records calls and serves canned sessions.
type stubTerminals struct {
	mu       sync.Mutex
	sessions []schema.SessionSnapshot
	current  schema.SessionID
	inputs   []schema.SendInputRequest
	resizes  []schema.ResizeSessionRequest
	commands []schema.SendCommandRequest
	files    []schema.FileRequest
	lines    []string

	createErr error
}

var _ core.TerminalManager = (*stubTerminals)(nil)

func newStubTerminals(ids ...schema.SessionID) *stubTerminals {
	st := &stubTerminals{}
	for _, id := range ids {
		st.sessions = append(st.sessions, schema.SessionSnapshot{ID: id, Title: "Local", Kind: schema.TerminalLocal, Status: schema.SessionReady})
	}
	if len(ids) > 0 {
		st.current = ids[0]
	}
	return st
}

func (st *stubTerminals) find(id schema.SessionID) (schema.SessionSnapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if id == "" {
		id = st.current
	}
	if id == "" {
		return schema.SessionSnapshot{}, schema.ErrNoSessions
	}
	for _, s := range st.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return schema.SessionSnapshot{}, schema.ErrSessionNotFound
}

func (st *stubTerminals) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error) {
	if st.createErr != nil {
		return schema.CreateSessionResponse{}, st.createErr
	}
	kind, err := schema.ParseTerminalKind(string(req.Kind))
	if err != nil {
		return schema.CreateSessionResponse{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := schema.SessionSnapshot{ID: schema.SessionID("new-" + string(kind)), Title: req.Title, Kind: kind, Status: schema.SessionReady}
	st.sessions = append(st.sessions, snap)
	st.current = snap.ID
	return schema.CreateSessionResponse{Session: snap}, nil
}

func (st *stubTerminals) SwitchToSession(ctx context.Context, req schema.SwitchSessionRequest) (schema.SwitchSessionResponse, error) {
	if _, err := st.find(req.SessionID); err != nil || req.SessionID == "" {
		return schema.SwitchSessionResponse{Current: st.current}, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = req.SessionID
	return schema.SwitchSessionResponse{Switched: true, Current: st.current}, nil
}

func (st *stubTerminals) CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.sessions {
		if s.ID == req.SessionID {
			st.sessions = append(st.sessions[:i], st.sessions[i+1:]...)
			st.current = ""
			if len(st.sessions) > 0 {
				st.current = st.sessions[0].ID
			}
			return schema.CloseSessionResponse{Closed: true, Current: st.current}, nil
		}
	}
	return schema.CloseSessionResponse{Current: st.current}, nil
}

func (st *stubTerminals) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return schema.ListSessionsResponse{Sessions: append([]schema.SessionSnapshot(nil), st.sessions...), Current: st.current}, nil
}

func (st *stubTerminals) GetSession(ctx context.Context, req schema.GetSessionRequest) (schema.GetSessionResponse, error) {
	snap, err := st.find(req.SessionID)
	if err != nil {
		return schema.GetSessionResponse{}, err
	}
	return schema.GetSessionResponse{Session: snap}, nil
}

func (st *stubTerminals) ResizeSession(ctx context.Context, req schema.ResizeSessionRequest) (schema.ResizeSessionResponse, error) {
	if req.Rows <= 0 || req.Cols <= 0 {
		return schema.ResizeSessionResponse{}, schema.ErrInvalidRequest
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.resizes = append(st.resizes, req)
	return schema.ResizeSessionResponse{Resized: true}, nil
}

func (st *stubTerminals) SendCommand(ctx context.Context, req schema.SendCommandRequest) (schema.SendCommandResponse, error) {
	if req.Command == "" {
		return schema.SendCommandResponse{}, schema.ErrEmptyCommand
	}
	snap, err := st.find(req.SessionID)
	if err != nil {
		return schema.SendCommandResponse{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.commands = append(st.commands, req)
	return schema.SendCommandResponse{CommandID: "cmd-1", SessionID: snap.ID}, nil
}

func (st *stubTerminals) SendInput(ctx context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error) {
	snap, err := st.find(req.SessionID)
	if err != nil {
		return schema.SendInputResponse{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.inputs = append(st.inputs, req)
	return schema.SendInputResponse{SessionID: snap.ID}, nil
}

func (st *stubTerminals) SendInterrupt(ctx context.Context, req schema.SendInterruptRequest) (schema.SendInterruptResponse, error) {
	snap, err := st.find(req.SessionID)
	if err != nil {
		return schema.SendInterruptResponse{}, err
	}
	return schema.SendInterruptResponse{SessionID: snap.ID}, nil
}

func (st *stubTerminals) SaveScrollOffset(ctx context.Context, req schema.SaveScrollOffsetRequest) (schema.SaveScrollOffsetResponse, error) {
	if _, err := st.find(req.SessionID); err != nil {
		return schema.SaveScrollOffsetResponse{}, nil
	}
	return schema.SaveScrollOffsetResponse{Saved: true}, nil
}

func (st *stubTerminals) GetScrollOffset(ctx context.Context, req schema.GetScrollOffsetRequest) (schema.GetScrollOffsetResponse, error) {
	return schema.GetScrollOffsetResponse{}, nil
}

func (st *stubTerminals) GetScrollback(ctx context.Context, req schema.GetScrollbackRequest) (schema.GetScrollbackResponse, error) {
	snap, err := st.find(req.SessionID)
	if err != nil {
		return schema.GetScrollbackResponse{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	lines := st.lines
	if req.Limit > 0 && len(lines) > req.Limit {
		lines = lines[len(lines)-req.Limit:]
	}
	return schema.GetScrollbackResponse{Scrollback: schema.ScrollbackSnapshot{SessionID: snap.ID, Lines: lines, TotalLines: len(st.lines), AtBottom: true}}, nil
}

func (st *stubTerminals) Files(ctx context.Context, req schema.FileRequest) (schema.FileResponse, error) {
	if _, err := st.find(req.SessionID); err != nil {
		return schema.FileResponse{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.files = append(st.files, req)
	if req.Op == schema.FileOpRead {
		return schema.FileResponse{Content: "data", Size: 4}, nil
	}
	return schema.FileResponse{}, nil
}

func (st *stubTerminals) Close(ctx context.Context) error { return nil }

func (st *stubTerminals) recordedInputs() []schema.SendInputRequest {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]schema.SendInputRequest(nil), st.inputs...)
}

func (st *stubTerminals) recordedResizes() []schema.ResizeSessionRequest {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]schema.ResizeSessionRequest(nil), st.resizes...)
}

// stubTunnels is an in-memory tunnel surface.
type stubTunnels struct {
	mu         sync.Mutex
	conns      []schema.ConnectionID
	current    schema.ConnectionID
	mounted    map[schema.ConnectionID][]string
	connectErr error
}

func newStubTunnels() *stubTunnels {
	return &stubTunnels{mounted: make(map[schema.ConnectionID][]string)}
}

func (t *stubTunnels) Connect(ctx context.Context, params schema.ConnectionParams) (schema.ConnectionID, error) {
	if t.connectErr != nil {
		return "", t.connectErr
	}
	normalized, err := schema.NormalizeConnectionParams(params)
	if err != nil {
		return "", err
	}
	id := schema.ConnectionIDFor(normalized)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns = append(t.conns, id)
	t.current = id
	return id, nil
}

func (t *stubTunnels) Disconnect(ctx context.Context, id schema.ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" {
		id = t.current
	}
	for i, c := range t.conns {
		if c == id {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			t.current = ""
			if len(t.conns) > 0 {
				t.current = t.conns[0]
			}
			return nil
		}
	}
	if id == "" {
		return schema.ErrNoConnection
	}
	return schema.ErrConnectionNotFound
}

func (t *stubTunnels) MountStorage(ctx context.Context, id schema.ConnectionID) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	paths := []string{"~/storage"}
	t.mounted[id] = paths
	return paths, nil
}

func (t *stubTunnels) ListConnections() []schema.ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]schema.ConnectionInfo, 0, len(t.conns))
	for _, id := range t.conns {
		out = append(out, schema.ConnectionInfo{ID: id, IsConnected: true, IsCurrent: id == t.current, MountedPaths: t.mounted[id]})
	}
	return out
}

func (t *stubTunnels) SwitchConnection(id schema.ConnectionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		if c == id {
			t.current = id
			return true
		}
	}
	return false
}

func (t *stubTunnels) Current() schema.ConnectionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *stubTunnels) ServerInfo() schema.EmbeddedServerInfo {
	return schema.EmbeddedServerInfo{Running: true, Addr: "127.0.0.1:2222", Username: "ubuntu", Root: "/srv"}
}

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/internal/eventbus"
	"pkt.systems/ttyx/internal/tunnel"
	"pkt.systems/ttyx/schema"
)

func newTestServer(t *testing.T, cfg Config, deps Deps) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(cfg, deps)
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSessionEndpoints(t *testing.T) {
	terms := newStubTerminals("s1")
	_, h := newTestServer(t, Config{}, Deps{Terminals: terms})

	rec := do(t, h, http.MethodPost, "/api/sessions", map[string]any{"kind": "ssh", "title": "box"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	created := decode[schema.CreateSessionResponse](t, rec)
	if created.Session.Kind != schema.TerminalSSH || created.Session.Title != "box" {
		t.Fatalf("unexpected session %+v", created.Session)
	}

	rec = do(t, h, http.MethodGet, "/api/sessions", nil)
	list := decode[schema.ListSessionsResponse](t, rec)
	if len(list.Sessions) != 2 || list.Current != created.Session.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/api/sessions?session_id=s1", nil)
	if got := decode[schema.GetSessionResponse](t, rec); got.Session.ID != "s1" {
		t.Fatalf("unexpected get %+v", got)
	}
	rec = do(t, h, http.MethodGet, "/api/sessions?session_id=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions/switch", map[string]any{"session_id": "s1"})
	if rec.Code != http.StatusOK || decode[schema.SwitchSessionResponse](t, rec).Current != "s1" {
		t.Fatalf("switch: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/sessions/switch", map[string]any{"session_id": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 switching to unknown session, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions/resize", map[string]any{"session_id": "s1", "rows": 0, "cols": 80})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad resize, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions/close", map[string]any{"session_id": "s1"})
	if closed := decode[schema.CloseSessionResponse](t, rec); !closed.Closed || closed.Current != created.Session.ID {
		t.Fatalf("unexpected close %+v", closed)
	}

	rec = do(t, h, http.MethodPost, "/api/sessions", map[string]any{"kind": "serial"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodDelete, "/api/sessions", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCreateSessionBringUpTimeout(t *testing.T) {
	terms := newStubTerminals()
	terms.createErr = &core.SessionError{Kind: core.SessionErrorBringUp, Op: "bring up", Err: schema.ErrBringUpTimeout}
	_, h := newTestServer(t, Config{}, Deps{Terminals: terms})
	rec := do(t, h, http.MethodPost, "/api/sessions", map[string]any{})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}

func TestCommandInputAndScroll(t *testing.T) {
	terms := newStubTerminals("s1")
	terms.lines = []string{"one", "two", "three"}
	_, h := newTestServer(t, Config{ScrollbackLines: 2}, Deps{Terminals: terms})

	rec := do(t, h, http.MethodPost, "/api/command", map[string]any{"command": "echo hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("command: %d %s", rec.Code, rec.Body.String())
	}
	if resp := decode[schema.SendCommandResponse](t, rec); resp.CommandID != "cmd-1" || resp.SessionID != "s1" {
		t.Fatalf("unexpected command response %+v", resp)
	}
	rec = do(t, h, http.MethodPost, "/api/command", map[string]any{"command": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty command, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/command", map[string]any{"cmd": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/input", map[string]any{"input": "q"})
	if rec.Code != http.StatusOK || len(terms.recordedInputs()) != 1 {
		t.Fatalf("input: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/interrupt", map[string]any{"session_id": "s1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("interrupt: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/scroll", nil)
	back := decode[schema.GetScrollbackResponse](t, rec)
	if len(back.Scrollback.Lines) != 2 || back.Scrollback.Lines[1] != "three" {
		t.Fatalf("unexpected scrollback %+v", back)
	}
	rec = do(t, h, http.MethodPost, "/api/scroll", map[string]any{"session_id": "s1", "offset": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("save scroll: %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/scroll", map[string]any{"session_id": "zz", "offset": 3})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 saving scroll for unknown session, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/files", map[string]any{"op": "read", "path": "~/x"})
	if resp := decode[schema.FileResponse](t, rec); resp.Content != "data" {
		t.Fatalf("unexpected file response %s", rec.Body.String())
	}
}

func TestTunnelEndpoints(t *testing.T) {
	tunnels := newStubTunnels()
	_, h := newTestServer(t, Config{}, Deps{Terminals: newStubTerminals(), Tunnels: tunnels})

	rec := do(t, h, http.MethodPost, "/api/tunnels", map[string]any{"host": "phone", "username": "u0", "port": 8022})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect: %d %s", rec.Code, rec.Body.String())
	}
	conn := decode[connectionPayload](t, rec)
	if conn.ConnectionID != "ssh_u0@phone:8022" {
		t.Fatalf("unexpected id %q", conn.ConnectionID)
	}
	rec = do(t, h, http.MethodPost, "/api/tunnels", map[string]any{"host": "phone"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without username, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/tunnels/mount", map[string]any{})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "~/storage") {
		t.Fatalf("mount: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/api/tunnels", nil)
	listed := decode[struct {
		Connections []schema.ConnectionInfo `json:"connections"`
		Current     schema.ConnectionID     `json:"current"`
	}](t, rec)
	if len(listed.Connections) != 1 || listed.Current != conn.ConnectionID || len(listed.Connections[0].MountedPaths) != 1 {
		t.Fatalf("unexpected list %+v", listed)
	}

	rec = do(t, h, http.MethodPost, "/api/tunnels/switch", map[string]any{"connection_id": "ssh_x@y:1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 switching to unknown connection, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/tunnels/disconnect", map[string]any{"connection_id": conn.ConnectionID})
	if rec.Code != http.StatusOK {
		t.Fatalf("disconnect: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/tunnels/disconnect", map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 disconnecting without connections, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/server", nil)
	if info := decode[schema.EmbeddedServerInfo](t, rec); !info.Running {
		t.Fatalf("unexpected server info %+v", info)
	}
}

func TestTunnelEndpointsDisabled(t *testing.T) {
	_, h := newTestServer(t, Config{}, Deps{Terminals: newStubTerminals()})
	rec := do(t, h, http.MethodGet, "/api/tunnels", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{schema.ErrSessionNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", schema.ErrInvalidRequest), http.StatusBadRequest},
		{schema.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{&tunnel.TunnelError{Kind: tunnel.ErrorAuth, Err: errors.New("denied")}, http.StatusUnauthorized},
		{&tunnel.TunnelError{Kind: tunnel.ErrorMount, Err: schema.ErrReverseTunnelDisabled}, http.StatusConflict},
		{&tunnel.TunnelError{Kind: tunnel.ErrorInUse, Err: schema.ErrConnectionInUse}, http.StatusConflict},
		{&tunnel.TunnelError{Kind: tunnel.ErrorTransport, Err: errors.New("refused")}, http.StatusBadGateway},
		{&core.SessionError{Kind: core.SessionErrorNotFound, Err: errors.New("gone")}, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestBasePathRouting(t *testing.T) {
	_, h := newTestServer(t, Config{BasePath: "ttyx/"}, Deps{Terminals: newStubTerminals("s1")})
	rec := do(t, h, http.MethodGet, "/ttyx/api/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 under base path, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/ttyx", nil)
	if rec.Code != http.StatusTemporaryRedirect || rec.Header().Get("Location") != "/ttyx/" {
		t.Fatalf("expected redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	rec = do(t, h, http.MethodGet, "/api/sessions", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ttyx_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	_, h := newTestServer(t, Config{}, Deps{Terminals: newStubTerminals(), Gatherer: reg, Registerer: reg})
	if rec := do(t, h, http.MethodGet, "/api/sessions", nil); rec.Code != http.StatusOK {
		t.Fatalf("list sessions: %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ttyx_test_total 1") {
		t.Fatalf("unexpected metrics output: %d %s", rec.Code, rec.Body.String())
	}
	want := `ttyx_http_requests_total{code="200",method="GET",route="/api/sessions"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected %s in metrics output:\n%s", want, rec.Body.String())
	}
}

func readSSE(t *testing.T, reader *bufio.Reader) StreamEvent {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var event StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
				t.Fatalf("decode stream event: %v", err)
			}
			return event
		}
	}
}

func TestStreamReplaysAndFollows(t *testing.T) {
	terms := newStubTerminals("s1", "s2")
	srv, h := newTestServer(t, Config{}, Deps{Terminals: terms})
	hub := srv.Hub()
	hub.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s1", CurrentDirectory: "/a"})
	hub.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s2", CurrentDirectory: "/b"})
	hub.OnCommandExecution(schema.CommandExecutionEvent{SessionID: "s1", CommandID: "c1", IsCompleted: true})

	ts := httptest.NewServer(h)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?session_id=s1", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	snapshot := readSSE(t, reader)
	if snapshot.Type != StreamSnapshot || snapshot.Snapshot == nil || len(snapshot.Snapshot.Sessions) != 2 {
		t.Fatalf("expected snapshot first, got %+v", snapshot)
	}
	replayed := readSSE(t, reader)
	if replayed.Seq != 3 || replayed.Type != StreamCommand || replayed.Command.CommandID != "c1" {
		t.Fatalf("expected replay of seq 3 only, got %+v", replayed)
	}

	hub.OnTerminalOutput(schema.TerminalOutputEvent{SessionID: "s1", Data: []byte("ignored")})
	hub.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s2", CurrentDirectory: "/other"})
	hub.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s1", CurrentDirectory: "/tmp"})
	live := readSSE(t, reader)
	if live.Seq != 5 || live.Directory != "/tmp" {
		t.Fatalf("expected live s1 directory event, got %+v", live)
	}
}

func TestHubHistoryIsBounded(t *testing.T) {
	hub := NewHub(2)
	for i := range 5 {
		hub.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s1", CurrentDirectory: fmt.Sprint(i)})
	}
	events := hub.Replay("", 0)
	if len(events) != 2 || events[0].Seq != 4 || hub.Seq() != 5 {
		t.Fatalf("unexpected history %+v", events)
	}
}

func TestHubClosesLaggingSubscriber(t *testing.T) {
	hub := NewHub(10)
	hub.depth = 2
	ch, unsubscribe := hub.Subscribe("s1")
	defer unsubscribe()
	for i := range 2 {
		hub.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s1", CurrentDirectory: fmt.Sprint(i)})
	}
	hub.OnCommandExecution(schema.CommandExecutionEvent{SessionID: "s1", CommandID: "c1", IsCompleted: true})

	var seqs []uint64
	for event := range ch {
		seqs = append(seqs, event.Seq)
	}
	if len(seqs) != 2 || seqs[1] != 2 {
		t.Fatalf("expected buffered events then close, got %v", seqs)
	}
	events, complete := hub.ReplayFrom("s1", 2)
	if !complete || len(events) != 1 || !events[0].Command.IsCompleted {
		t.Fatalf("expected completion in history, got %+v complete=%v", events, complete)
	}
	if _, complete := hubWithEvents(t, 2, 5).ReplayFrom("", 1); complete {
		t.Fatalf("expected trimmed history to report a gap")
	}
}

func hubWithEvents(t *testing.T, size, n int) *Hub {
	t.Helper()
	hub := NewHub(size)
	for i := range n {
		hub.OnSessionDirectory(schema.SessionDirectoryEvent{SessionID: "s1", CurrentDirectory: fmt.Sprint(i)})
	}
	return hub
}

func TestStreamRecoversFromLaggingSubscription(t *testing.T) {
	terms := newStubTerminals("s1")
	srv, h := newTestServer(t, Config{}, Deps{Terminals: terms})
	hub := srv.Hub()
	hub.mu.Lock()
	hub.depth = 1
	hub.mu.Unlock()

	ts := httptest.NewServer(h)
	defer ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?session_id=s1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	if first := readSSE(t, reader); first.Type != StreamSnapshot {
		t.Fatalf("expected snapshot first, got %+v", first)
	}

	for i := range 20 {
		hub.OnCommandExecution(schema.CommandExecutionEvent{SessionID: "s1", CommandID: "c1", OutputChunk: fmt.Sprint(i)})
	}
	hub.OnCommandExecution(schema.CommandExecutionEvent{SessionID: "s1", CommandID: "c1", IsCompleted: true})

	for want := uint64(1); want <= 21; want++ {
		event := readSSE(t, reader)
		if event.Seq != want {
			t.Fatalf("expected seq %d, got %+v", want, event)
		}
		if want == 21 && (event.Command == nil || !event.Command.IsCompleted) {
			t.Fatalf("expected completion last, got %+v", event)
		}
	}
}

func TestAttachBridgesSession(t *testing.T) {
	terms := newStubTerminals("s1")
	terms.lines = []string{"previous"}
	bus := eventbus.New(nil)
	_, h := newTestServer(t, Config{}, Deps{Terminals: terms, Bus: bus})
	ts := httptest.NewServer(h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/attach?session_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial attach: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	kind, data, err := conn.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || string(data) != "previous\r\n" {
		t.Fatalf("expected scrollback first, got %d %q %v", kind, data, err)
	}

	bus.OnTerminalOutput(schema.TerminalOutputEvent{SessionID: "s1", Data: []byte("hello\r\n")})
	bus.OnTerminalOutput(schema.TerminalOutputEvent{SessionID: "s2", Data: []byte("other")})
	_, data, err = conn.ReadMessage()
	if err != nil || string(data) != "hello\r\n" {
		t.Fatalf("expected live output, got %q %v", data, err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ls\r")); err != nil {
		t.Fatalf("write input: %v", err)
	}
	ctl, _ := json.Marshal(AttachControl{Type: AttachResize, Rows: 40, Cols: 120})
	if err := conn.WriteMessage(websocket.TextMessage, ctl); err != nil {
		t.Fatalf("write resize: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(terms.recordedResizes()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	inputs := terms.recordedInputs()
	if len(inputs) != 1 || inputs[0].Input != "ls\r" || inputs[0].SessionID != "s1" {
		t.Fatalf("unexpected inputs %+v", inputs)
	}
	if resizes := terms.recordedResizes(); len(resizes) != 1 || resizes[0].Rows != 40 {
		t.Fatalf("unexpected resizes %+v", resizes)
	}

	bus.OnSessionEvent(schema.SessionEvent{Type: schema.SessionEventClosed, Session: schema.SessionSnapshot{ID: "s1"}})
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestAttachUnknownSession(t *testing.T) {
	_, h := newTestServer(t, Config{}, Deps{Terminals: newStubTerminals("s1"), Bus: eventbus.New(nil)})
	rec := do(t, h, http.MethodGet, "/api/attach?session_id=nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

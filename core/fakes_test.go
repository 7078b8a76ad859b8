package core

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"pkt.systems/ttyx/internal/shellinit"
	"pkt.systems/ttyx/schema"
)

const fakeHome = "/home/user"

// fakeChannel is a scripted shell: tests push output and observe writes.
type fakeChannel struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	mode   schema.PtyMode
	size   [2]int
	closed bool
	writes chan string
	// gate, when set, blocks writes until it is closed.
	gate chan struct{}
}

func newFakeChannel() *fakeChannel {
	r, w := io.Pipe()
	return &fakeChannel{
		outR:   r,
		outW:   w,
		mode:   schema.DefaultPtyMode(),
		writes: make(chan string, 64),
	}
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	return c.outR.Read(p)
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.writes <- string(p)
	return len(p), nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.outW.Close()
}

func (c *fakeChannel) Mode() (schema.PtyMode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, nil
}

func (c *fakeChannel) SetWindowSize(rows, cols int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.size = [2]int{rows, cols}
	return true
}

func (c *fakeChannel) setMode(mode schema.PtyMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// holdWrites blocks every write until the returned release is called.
func (c *fakeChannel) holdWrites() func() {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.gate = nil
		c.mu.Unlock()
		close(gate)
	}
}

func (c *fakeChannel) emit(t *testing.T, s string) {
	t.Helper()
	if _, err := c.outW.Write([]byte(s)); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

// nextWrite waits for the next write to the channel.
func (c *fakeChannel) nextWrite(t *testing.T) string {
	t.Helper()
	select {
	case w := <-c.writes:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for write")
		return ""
	}
}

func (c *fakeChannel) expectNoWrite(t *testing.T) {
	t.Helper()
	select {
	case w := <-c.writes:
		t.Fatalf("unexpected write %q", w)
	case <-time.After(50 * time.Millisecond):
	}
}

// complete plays the echo, output and prompt sentinel of one command.
func (c *fakeChannel) complete(t *testing.T, command string, exit int, cwd string, output ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString(command + "\r\n")
	for _, line := range output {
		b.WriteString(line + "\r\n")
	}
	b.WriteString(shellinit.FormatPrompt(exit, cwd))
	b.WriteString("$ ")
	c.emit(t, b.String())
}

// fakeProvider hands out fakeChannels that boot to a prompt unless silent is set.
type fakeProvider struct {
	kind     schema.TerminalKind
	silent   bool
	startErr error
	fs       afero.Fs

	mu        sync.Mutex
	channels  map[schema.SessionID]*fakeChannel
	closed    []schema.SessionID
	connected atomic.Int32
	started   chan *fakeChannel
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		kind:     schema.TerminalLocal,
		fs:       afero.NewMemMapFs(),
		channels: make(map[schema.SessionID]*fakeChannel),
		started:  make(chan *fakeChannel, 16),
	}
}

func (p *fakeProvider) Kind() schema.TerminalKind { return p.kind }

func (p *fakeProvider) Connect(ctx context.Context) error {
	p.connected.Add(1)
	return nil
}

func (p *fakeProvider) Connected() bool { return p.connected.Load() > 0 }

func (p *fakeProvider) StartSession(ctx context.Context, id schema.SessionID) (Channel, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}
	ch := newFakeChannel()
	p.mu.Lock()
	p.channels[id] = ch
	p.mu.Unlock()
	p.started <- ch
	if !p.silent {
		go func() {
			_, _ = ch.outW.Write([]byte("Last login: never\r\n" + shellinit.ReadyMarker() + "\n" + shellinit.FormatPrompt(0, fakeHome) + "$ "))
		}()
	}
	return ch, nil
}

func (p *fakeProvider) CloseSession(ctx context.Context, id schema.SessionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, id)
	return nil
}

func (p *fakeProvider) channel(id schema.SessionID) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[id]
}

func (p *fakeProvider) FileSystem() afero.Fs { return p.fs }

func (p *fakeProvider) WorkingDirectory() string { return fakeHome }

func (p *fakeProvider) Environment() map[string]string { return nil }

func (p *fakeProvider) Disconnect(ctx context.Context) error {
	p.connected.Store(0)
	return nil
}

// recordingSink captures every event in arrival order.
type recordingSink struct {
	mu       sync.Mutex
	commands []schema.CommandExecutionEvent
	dirs     []schema.SessionDirectoryEvent
	output   []byte
	sessions []schema.SessionEvent
}

func (s *recordingSink) OnCommandExecution(event schema.CommandExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, event)
}

func (s *recordingSink) OnSessionDirectory(event schema.SessionDirectoryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirs = append(s.dirs, event)
}

func (s *recordingSink) OnTerminalOutput(event schema.TerminalOutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, event.Data...)
}

func (s *recordingSink) OnSessionEvent(event schema.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, event)
}

func (s *recordingSink) completed() []schema.CommandExecutionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.CommandExecutionEvent
	for _, event := range s.commands {
		if event.IsCompleted {
			out = append(out, event)
		}
	}
	return out
}

func (s *recordingSink) directories() []schema.SessionDirectoryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.SessionDirectoryEvent(nil), s.dirs...)
}

func (s *recordingSink) sessionEvents(kind schema.SessionEventType) []schema.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.SessionEvent
	for _, event := range s.sessions {
		if event.Type == kind {
			out = append(out, event)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T, provider *fakeProvider, cfg schema.EngineConfig) (*terminalManager, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	mgr, err := NewTerminalManager(cfg, TerminalDeps{
		Providers: map[schema.TerminalKind]ProviderFactory{
			provider.kind: func(ctx context.Context) (Provider, error) { return provider, nil },
		},
		EventSink: sink,
	})
	if err != nil {
		t.Fatalf("new terminal manager: %v", err)
	}
	m := mgr.(*terminalManager)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, sink
}

func createReady(t *testing.T, m *terminalManager, provider *fakeProvider) (schema.SessionSnapshot, *fakeChannel) {
	t.Helper()
	resp, err := m.CreateSession(context.Background(), schema.CreateSessionRequest{Kind: provider.kind})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	ch := provider.channel(resp.Session.ID)
	if ch == nil {
		t.Fatalf("expected channel for session %s", resp.Session.ID)
	}
	return resp.Session, ch
}

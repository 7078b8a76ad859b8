package localterm

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/schema"
)

type eventLog struct {
	mu     sync.Mutex
	events []any
}

func (l *eventLog) add(event any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.events...)
}

func (l *eventLog) OnCommandExecution(event schema.CommandExecutionEvent) {
	if event.IsCompleted {
		l.add(event)
	}
}

func (l *eventLog) OnSessionDirectory(event schema.SessionDirectoryEvent) { l.add(event) }
func (l *eventLog) OnTerminalOutput(schema.TerminalOutputEvent)           {}
func (l *eventLog) OnSessionEvent(schema.SessionEvent)                    {}

func (l *eventLog) completion(id schema.CommandID) (schema.CommandExecutionEvent, int, bool) {
	for i, event := range l.snapshot() {
		if done, ok := event.(schema.CommandExecutionEvent); ok && done.CommandID == id {
			return done, i, true
		}
	}
	return schema.CommandExecutionEvent{}, -1, false
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func newLocalManager(t *testing.T) (core.TerminalManager, *eventLog) {
	t.Helper()
	events := &eventLog{}
	mgr, err := core.NewTerminalManager(schema.EngineConfig{BringUpTimeout: 15 * time.Second}, core.TerminalDeps{
		Providers: map[schema.TerminalKind]core.ProviderFactory{
			schema.TerminalLocal: Factory(Config{Shell: "bash", StateDir: t.TempDir(), WorkingDir: t.TempDir()}),
		},
		EventSink: events,
	})
	if err != nil {
		t.Fatalf("new terminal manager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr, events
}

func waitCompletion(t *testing.T, events *eventLog, id schema.CommandID) (schema.CommandExecutionEvent, int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if done, idx, ok := events.completion(id); ok {
			return done, idx
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for completion of %s", id)
	return schema.CommandExecutionEvent{}, -1
}

func TestLocalSessionRunsCommands(t *testing.T) {
	requireBash(t)
	mgr, events := newLocalManager(t)
	ctx := context.Background()

	created, err := mgr.CreateSession(ctx, schema.CreateSessionRequest{Kind: schema.TerminalLocal})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.Session.Status != schema.SessionReady {
		t.Fatalf("expected ready session, got %s", created.Session.Status)
	}

	hi, err := mgr.SendCommand(ctx, schema.SendCommandRequest{Command: "echo hi"})
	if err != nil {
		t.Fatalf("send echo: %v", err)
	}
	done, _ := waitCompletion(t, events, hi.CommandID)
	if !strings.Contains(done.OutputChunk, "hi") || done.ExitCode != 0 {
		t.Fatalf("unexpected echo completion: %+v", done)
	}

	cd, err := mgr.SendCommand(ctx, schema.SendCommandRequest{Command: "cd /tmp"})
	if err != nil {
		t.Fatalf("send cd: %v", err)
	}
	pwd, err := mgr.SendCommand(ctx, schema.SendCommandRequest{Command: "pwd"})
	if err != nil {
		t.Fatalf("send pwd: %v", err)
	}
	_, cdIdx := waitCompletion(t, events, cd.CommandID)
	pwdDone, pwdIdx := waitCompletion(t, events, pwd.CommandID)
	if cdIdx > pwdIdx {
		t.Fatalf("expected cd to complete before pwd")
	}
	dirIdx := -1
	for i, event := range events.snapshot() {
		if dir, ok := event.(schema.SessionDirectoryEvent); ok && dir.CurrentDirectory == "/tmp" {
			dirIdx = i
			break
		}
	}
	if dirIdx < 0 || dirIdx > pwdIdx {
		t.Fatalf("expected /tmp directory event before pwd completion (dir=%d pwd=%d)", dirIdx, pwdIdx)
	}
	if !strings.Contains(pwdDone.OutputChunk, "/tmp") {
		t.Fatalf("unexpected pwd output: %q", pwdDone.OutputChunk)
	}
}

func TestLocalSessionExitCode(t *testing.T) {
	requireBash(t)
	mgr, events := newLocalManager(t)
	ctx := context.Background()
	if _, err := mgr.CreateSession(ctx, schema.CreateSessionRequest{}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	resp, err := mgr.SendCommand(ctx, schema.SendCommandRequest{Command: "false"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	done, _ := waitCompletion(t, events, resp.CommandID)
	if done.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", done.ExitCode)
	}
}

func TestProviderLifecycle(t *testing.T) {
	requireBash(t)
	fs := afero.NewOsFs()
	stateDir := t.TempDir()
	p := New(Config{Shell: "bash", StateDir: stateDir}, fs)
	ctx := context.Background()
	if _, err := p.StartSession(ctx, "early"); err == nil {
		t.Fatalf("expected start before connect to fail")
	}
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ch, err := p.StartSession(ctx, "s1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !ch.SetWindowSize(24, 80) {
		t.Fatalf("expected resize to succeed")
	}
	entries, err := afero.ReadDir(fs, stateDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one rc file, got %d (%v)", len(entries), err)
	}
	if err := p.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	entries, _ = afero.ReadDir(fs, stateDir)
	if len(entries) != 0 {
		t.Fatalf("expected rc file removed, got %d entries", len(entries))
	}
	if ch.SetWindowSize(24, 80) {
		t.Fatalf("expected resize after close to fail")
	}
}

func TestBaseEnvForcesTerm(t *testing.T) {
	t.Setenv("TERM", "dumb")
	t.Setenv("PROMPT_COMMAND", "echo nope")
	env := baseEnv()
	var term string
	for _, kv := range env {
		if strings.HasPrefix(kv, "PROMPT_COMMAND=") {
			t.Fatalf("PROMPT_COMMAND must not leak into the shell")
		}
		if v, ok := strings.CutPrefix(kv, "TERM="); ok {
			term = v
		}
	}
	if term != "xterm-256color" {
		t.Fatalf("expected forced TERM, got %q", term)
	}
}

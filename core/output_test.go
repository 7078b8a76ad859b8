package core

import (
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/internal/shellinit"
	"pkt.systems/ttyx/schema"
)

func newTestProcessor(t *testing.T) (*outputProcessor, *sessionManager, *recordingSink, schema.SessionID) {
	t.Helper()
	cfg, err := schema.NormalizeEngineConfig(schema.EngineConfig{MaxOutputLines: 3})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	sessions := newSessionManager()
	sink := &recordingSink{}
	p := newOutputProcessor(cfg, sessions, processorHooks{sink: sink}, nil, pslog.Ctx(t.Context()))
	snap, _ := sessions.create("", schema.TerminalLocal)
	p.Process(snap.ID, []byte(shellinit.ReadyMarker()+"\n"+shellinit.FormatPrompt(0, "/")+"$ "))
	return p, sessions, sink, snap.ID
}

func startTestCommand(p *outputProcessor, sessions *sessionManager, id schema.SessionID, command string) {
	p.commandStarted(id, command)
	sessions.update(id, func(s *schema.SessionSnapshot) {
		s.CurrentExecutingCommand = &schema.CommandHistoryItem{ID: "cmd-1", Command: command, IsExecuting: true}
	})
}

func TestDirectoryMarkerSplitAcrossReads(t *testing.T) {
	p, sessions, sink, id := newTestProcessor(t)
	marker := shellinit.FormatPrompt(0, "/home/user/project")

	for split := 1; split < len(marker); split++ {
		sessions.update(id, func(s *schema.SessionSnapshot) { s.CurrentDirectory = "/" })
		before := len(sink.directories())
		out1 := p.Process(id, []byte(marker[:split]))
		out2 := p.Process(id, []byte(marker[split:]))
		if strings.Contains(string(out1)+string(out2), "TTYX") {
			t.Fatalf("split %d: sentinel leaked to display: %q %q", split, out1, out2)
		}
		dirs := sink.directories()[before:]
		if len(dirs) != 1 || dirs[0].CurrentDirectory != "/home/user/project" || dirs[0].SessionID != id {
			t.Fatalf("split %d: unexpected directory events %+v", split, dirs)
		}
	}
}

func TestRepeatedPromptEmitsNoDuplicateDirectoryEvent(t *testing.T) {
	p, _, sink, id := newTestProcessor(t)
	before := len(sink.directories())
	p.Process(id, []byte(shellinit.FormatPrompt(0, "/tmp")))
	p.Process(id, []byte(shellinit.FormatPrompt(0, "/tmp")))
	if got := len(sink.directories()) - before; got != 1 {
		t.Fatalf("expected one directory event, got %d", got)
	}
}

func TestProcessorCompletesCommand(t *testing.T) {
	p, sessions, sink, id := newTestProcessor(t)
	startTestCommand(p, sessions, id, "printf 'a\\nb'")

	display := p.Process(id, []byte("printf 'a\\nb'\r\na\r\nb"+shellinit.FormatPrompt(3, "/")+"$ "))
	if strings.Contains(string(display), shellinit.MarkerStart) {
		t.Fatalf("display contains sentinel: %q", display)
	}
	done := sink.completed()
	if len(done) != 1 {
		t.Fatalf("expected one completion, got %d", len(done))
	}
	if done[0].OutputChunk != "a\nb" || done[0].ExitCode != 3 {
		t.Fatalf("unexpected completion: %+v", done[0])
	}
	snap, _ := sessions.get(id)
	if snap.Executing() || len(snap.History) != 1 || snap.History[0].ExitCode != 3 {
		t.Fatalf("unexpected session state: %+v", snap)
	}
}

func TestProcessorCapsCommandOutput(t *testing.T) {
	p, sessions, _, id := newTestProcessor(t)
	startTestCommand(p, sessions, id, "seq 5")

	p.Process(id, []byte("seq 5\r\n1\r\n2\r\n3\r\n4\r\n5\r\n"))
	snap, _ := sessions.get(id)
	got := snap.CurrentExecutingCommand.Output
	if len(got) != 3 || got[0] != "3" || got[2] != "5" {
		t.Fatalf("expected newest three lines, got %+v", got)
	}
}

func TestProcessorStripsANSIAndCarriageReturns(t *testing.T) {
	p, sessions, _, id := newTestProcessor(t)
	startTestCommand(p, sessions, id, "progress")

	p.Process(id, []byte("progress\r\n10%\r50%\r\x1b[32mdone\x1b[0m\r\n"))
	snap, _ := sessions.get(id)
	got := snap.CurrentExecutingCommand.Output
	if len(got) != 1 || got[0] != "done" {
		t.Fatalf("unexpected output lines: %+v", got)
	}
}

func TestProcessorIgnoresUnknownSentinel(t *testing.T) {
	p, _, _, id := newTestProcessor(t)
	display := p.Process(id, []byte("<<<TTYX:BOGUS>>>\n"))
	if !strings.Contains(string(display), "BOGUS") {
		t.Fatalf("expected unknown sentinel to pass through, got %q", display)
	}
}

func TestProcessorTracksFullscreen(t *testing.T) {
	p, sessions, sink, id := newTestProcessor(t)
	startTestCommand(p, sessions, id, "vim")

	p.Process(id, []byte("vim\r\n\x1b[?1049h\x1b[H"))
	snap, _ := sessions.get(id)
	if !snap.IsFullscreen || !snap.IsInteractiveMode {
		t.Fatalf("expected fullscreen interactive session: %+v", snap)
	}
	if len(sink.sessionEvents(schema.SessionEventInteractive)) != 1 {
		t.Fatalf("expected interactive event")
	}
	p.Process(id, []byte("\x1b[?1049l"+shellinit.FormatPrompt(0, "/")))
	snap, _ = sessions.get(id)
	if snap.IsFullscreen || snap.IsInteractiveMode || snap.Executing() {
		t.Fatalf("expected fullscreen to end with the command: %+v", snap)
	}
}

func TestDirectoryWithMarkerEndText(t *testing.T) {
	p, sessions, sink, id := newTestProcessor(t)
	before := len(sink.directories())
	display := p.Process(id, []byte(shellinit.FormatPrompt(0, "/tmp/a>>>b")+"$ "))
	if string(display) != "$ " {
		t.Fatalf("unexpected display %q", display)
	}
	dirs := sink.directories()[before:]
	if len(dirs) != 1 || dirs[0].CurrentDirectory != "/tmp/a>>>b" {
		t.Fatalf("unexpected directory events %+v", dirs)
	}
	snap, _ := sessions.get(id)
	if snap.CurrentDirectory != "/tmp/a>>>b" {
		t.Fatalf("unexpected session directory %q", snap.CurrentDirectory)
	}
}

func TestProcessorSuppressesWrappedEcho(t *testing.T) {
	long := "echo " + strings.Repeat("x", 120) + " | wc -c"

	t.Run("carriage-return", func(t *testing.T) {
		p, sessions, _, id := newTestProcessor(t)
		startTestCommand(p, sessions, id, long)
		// Line editors wrap the echo by redrawing the line after " \r".
		echo := "$ " + long[:78] + " \r" + long[78:] + "\r\n"
		p.Process(id, []byte(echo+"121\r\n"))
		snap, _ := sessions.get(id)
		got := snap.CurrentExecutingCommand.Output
		if len(got) != 1 || got[0] != "121" {
			t.Fatalf("expected only command output, got %q", got)
		}
	})

	t.Run("split-over-reads", func(t *testing.T) {
		p, sessions, _, id := newTestProcessor(t)
		startTestCommand(p, sessions, id, long)
		p.Process(id, []byte("$ "+long[:78]+"\r\n"))
		p.Process(id, []byte(long[78:]+"\r\n121\r\n"))
		snap, _ := sessions.get(id)
		got := snap.CurrentExecutingCommand.Output
		if len(got) != 1 || got[0] != "121" {
			t.Fatalf("expected only command output, got %q", got)
		}
	})

	t.Run("held-lines-released-at-prompt", func(t *testing.T) {
		p, sessions, sink, id := newTestProcessor(t)
		startTestCommand(p, sessions, id, long)
		p.Process(id, []byte(long[:40]+"\r\n"))
		p.Process(id, []byte(shellinit.FormatPrompt(0, "/")))
		done := sink.completed()
		if len(done) != 1 || done[0].OutputChunk != long[:40] {
			t.Fatalf("expected held line as output, got %+v", done)
		}
	})
}

func TestMatchEcho(t *testing.T) {
	cases := []struct {
		name    string
		lines   []string
		wrapped bool
		n       int
		more    bool
	}{
		{"prompt-and-command", []string{"~ $ ls -la", "total 0"}, false, 1, false},
		{"wrapped-lines", []string{"$ echo aaaa", "bbbb", "out"}, false, 2, false},
		{"redrawn-tail", []string{"bbbb", "out"}, true, 1, false},
		{"tail-without-redraw", []string{"bbbb", "out"}, false, 0, false},
		{"partial", []string{"$ echo aa"}, false, 0, true},
		{"unrelated", []string{"hello"}, false, 0, false},
	}
	for _, tc := range cases {
		command := "echo aaaabbbb"
		if tc.name == "prompt-and-command" {
			command = "ls -la"
		}
		n, more := matchEcho(tc.lines, command, tc.wrapped)
		if n != tc.n || more != tc.more {
			t.Fatalf("%s: got (%d, %v), want (%d, %v)", tc.name, n, more, tc.n, tc.more)
		}
	}
}

func TestClearedSessionIgnoresLateOutput(t *testing.T) {
	p, _, _, id := newTestProcessor(t)
	p.clear(id)
	if display := p.Process(id, []byte("late output\r\n")); display != nil {
		t.Fatalf("expected no display after clear, got %q", display)
	}
	p.commandStarted(id, "ls")
	p.mu.Lock()
	_, leaked := p.streams[id]
	p.mu.Unlock()
	if leaked {
		t.Fatalf("cleared session recreated its stream state")
	}
}

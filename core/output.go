package core

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/internal/shellinit"
	"pkt.systems/ttyx/schema"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][0-9A-Za-z]|\x1b[=>78DEHM]`)

var (
	altScreenOn  = [][]byte{[]byte("\x1b[?1049h"), []byte("\x1b[?1047h"), []byte("\x1b[?47h")}
	altScreenOff = [][]byte{[]byte("\x1b[?1049l"), []byte("\x1b[?1047l"), []byte("\x1b[?47l")}
)

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiPattern.ReplaceAllString(s, "")
}

func cleanLine(s string) string {
	return strings.TrimRight(stripANSI(s), "\r")
}

type processorHooks struct {
	sink               EventSink
	onCommandCompleted func(id schema.SessionID)
	onReady            func(id schema.SessionID)
	mode               func(id schema.SessionID) (schema.PtyMode, bool)
}

// outputProcessor turns each session's byte stream into completion,
// directory and interactive-mode signals. Events and callbacks run after
// the processor lock is released, in the order they were derived.
type outputProcessor struct {
	mu       sync.Mutex
	cfg      schema.EngineConfig
	sessions *sessionManager
	hooks    processorHooks
	metrics  *Metrics
	log      pslog.Logger
	streams  map[schema.SessionID]*streamState
	// closed holds cleared sessions so a late read cannot recreate their state.
	closed map[schema.SessionID]struct{}
	after  func(time.Duration, func()) *time.Timer
}

// streamState is the per-session scan state carried across reads.
type streamState struct {
	// pending holds bytes that may begin a sentinel.
	pending []byte
	// partial is the current line without its terminator.
	partial string
	// echo is the first line of the dispatched command awaiting its tty echo.
	// echoHeld keeps lines that may still be the start of a wrapped echo, and
	// echoWrapped records that a carriage return redrew the echo line.
	echo        string
	echoHeld    []string
	echoWrapped bool
	scroll   *scrollback
	quietGen uint64
	sawReady bool
}

func newOutputProcessor(cfg schema.EngineConfig, sessions *sessionManager, hooks processorHooks, metrics *Metrics, log pslog.Logger) *outputProcessor {
	if hooks.sink == nil {
		hooks.sink = nopSink{}
	}
	return &outputProcessor{
		cfg:      cfg,
		sessions: sessions,
		hooks:    hooks,
		metrics:  metrics,
		log:      log,
		streams:  make(map[schema.SessionID]*streamState),
		closed:   make(map[schema.SessionID]struct{}),
		after:    time.AfterFunc,
	}
}

// stream returns the scan state of id, creating it on first use. It reports
// false once id has been cleared. Callers hold p.mu.
func (p *outputProcessor) stream(id schema.SessionID) (*streamState, bool) {
	if _, gone := p.closed[id]; gone {
		return nil, false
	}
	st, ok := p.streams[id]
	if !ok {
		st = &streamState{scroll: newScrollback(p.cfg.ScrollbackLines)}
		p.streams[id] = st
	}
	return st, true
}

// clear drops all scan state for id and ignores any later output for it.
func (p *outputProcessor) clear(id schema.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.streams[id]; ok {
		st.quietGen++
	}
	delete(p.streams, id)
	p.closed[id] = struct{}{}
}

// commandStarted arms echo suppression for the next dispatched command.
func (p *outputProcessor) commandStarted(id schema.SessionID, command string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stream(id)
	if !ok {
		return
	}
	first, _, _ := strings.Cut(command, "\n")
	st.resetEcho(strings.TrimSpace(first))
	st.quietGen++
}

func (st *streamState) resetEcho(echo string) {
	st.echo = echo
	st.echoHeld = nil
	st.echoWrapped = false
}

// scrollback returns up to limit lines ending offset lines above the bottom.
func (p *outputProcessor) scrollback(id schema.SessionID, limit, offset int) schema.ScrollbackSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[id]
	if !ok {
		return schema.ScrollbackSnapshot{SessionID: id, AtBottom: true}
	}
	view := st.scroll.View(limit, offset)
	view.SessionID = id
	return view
}

// chunkScan accumulates the effects of one read.
type chunkScan struct {
	id      schema.SessionID
	display bytes.Buffer
	effects []func()
	lines   []string
	sawMark bool
}

func (c *chunkScan) emit(fn func()) {
	c.effects = append(c.effects, fn)
}

// Process consumes one read from session id and returns the bytes to show
// on a terminal, with sentinels removed.
func (p *outputProcessor) Process(id schema.SessionID, chunk []byte) []byte {
	p.mu.Lock()
	st, ok := p.stream(id)
	if !ok {
		p.mu.Unlock()
		return nil
	}
	scan := &chunkScan{id: id}
	st.pending = append(st.pending, chunk...)
	for {
		idx := bytes.Index(st.pending, []byte(shellinit.MarkerStart))
		if idx < 0 {
			hold := shellinit.PartialStartLen(string(st.pending))
			p.consumeText(st, scan, st.pending[:len(st.pending)-hold])
			st.pending = append([]byte(nil), st.pending[len(st.pending)-hold:]...)
			break
		}
		p.consumeText(st, scan, st.pending[:idx])
		rest := st.pending[idx+len(shellinit.MarkerStart):]
		end := bytes.Index(rest, []byte(shellinit.MarkerEnd))
		if end < 0 {
			if len(st.pending)-idx > shellinit.MaxMarkerLen {
				p.consumeText(st, scan, st.pending[idx:idx+len(shellinit.MarkerStart)])
				st.pending = rest
				continue
			}
			st.pending = append([]byte(nil), st.pending[idx:]...)
			break
		}
		body := string(rest[:end])
		next := rest[end+len(shellinit.MarkerEnd):]
		marker, ok := shellinit.ParseMarker(body)
		if !ok {
			p.consumeText(st, scan, st.pending[idx:idx+len(shellinit.MarkerStart)])
			st.pending = rest
			continue
		}
		p.flushLines(st, scan)
		p.handleMarker(st, scan, marker)
		st.pending = next
	}
	p.flushLines(st, scan)
	p.armInteractiveCheck(st, scan)
	p.mu.Unlock()

	display := scan.display.Bytes()
	if len(display) > 0 {
		data := append([]byte(nil), display...)
		p.hooks.sink.OnTerminalOutput(schema.TerminalOutputEvent{SessionID: id, Data: data})
	}
	for _, fn := range scan.effects {
		fn()
	}
	return display
}

// consumeText handles bytes outside of sentinels.
func (p *outputProcessor) consumeText(st *streamState, scan *chunkScan, text []byte) {
	if len(text) == 0 {
		return
	}
	snap, ok := p.sessions.peek(scan.id)
	if !ok {
		return
	}
	// Output before the bootstrap finished is login noise.
	if !st.sawReady && snap.InitState == schema.InitStarting {
		return
	}
	scan.display.Write(text)
	p.trackFullscreen(scan, snap, text)

	s := st.partial + string(text)
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			scan.lines = append(scan.lines, cleanLine(s[start:i]))
			start = i + 1
		case '\r':
			// A lone carriage return redraws the line.
			if i+1 < len(s) && s[i+1] != '\n' && s[i+1] != '\r' {
				start = i + 1
				if st.echo != "" {
					st.echoWrapped = true
				}
			}
		}
	}
	st.partial = s[start:]
	if len(st.partial) > p.cfg.MaxRawBufferBytes {
		scan.lines = append(scan.lines, cleanLine(st.partial))
		st.partial = ""
	}
}

func (p *outputProcessor) trackFullscreen(scan *chunkScan, snap schema.SessionSnapshot, text []byte) {
	on, off := false, false
	for _, seq := range altScreenOn {
		if bytes.Contains(text, seq) {
			on = true
		}
	}
	for _, seq := range altScreenOff {
		if bytes.Contains(text, seq) {
			off = true
		}
	}
	if !on && !off {
		return
	}
	fullscreen := on && !off
	if on && off {
		fullscreen = bytes.LastIndex(text, altScreenOn[0]) > bytes.LastIndex(text, altScreenOff[0])
	}
	if fullscreen == snap.IsFullscreen {
		return
	}
	interactive := fullscreen && snap.Executing() && !snap.IsInteractiveMode
	updated, ok := p.sessions.update(scan.id, func(s *schema.SessionSnapshot) {
		s.IsFullscreen = fullscreen
		if interactive {
			s.IsInteractiveMode = true
			s.IsWaitingForInteractiveInput = true
		}
	})
	if ok && interactive {
		scan.emit(func() { p.sessionEvent(schema.SessionEventInteractive, updated) })
	}
}

// flushLines moves complete lines into the scrollback and the executing command.
func (p *outputProcessor) flushLines(st *streamState, scan *chunkScan) {
	if len(scan.lines) == 0 {
		return
	}
	lines := scan.lines
	scan.lines = nil
	st.scroll.Append(lines...)

	snap, ok := p.sessions.peek(scan.id)
	if !ok || !snap.Executing() {
		return
	}
	if st.echo != "" {
		held := append(st.echoHeld, lines...)
		n, more := matchEcho(held, st.echo, st.echoWrapped)
		if n == 0 && more {
			st.echoHeld = held
			return
		}
		lines = held[n:]
		st.resetEcho("")
	}
	if len(lines) == 0 {
		return
	}
	p.appendOutput(scan, lines)
}

// maxPromptLen bounds how much text before the echoed command is accepted as prompt.
const maxPromptLen = 512

// matchEcho returns how many leading lines hold the tty echo of command.
// The echo of a long command may wrap: either over several lines, or, when
// wrapped is set, by a carriage return that leaves only its tail visible.
// more reports that the lines so far may be the start of an echo still
// arriving.
func matchEcho(lines []string, command string, wrapped bool) (n int, more bool) {
	want := squashSpaces(command)
	var joined strings.Builder
	for i, line := range lines {
		joined.WriteString(squashSpaces(line))
		text := joined.String()
		if strings.HasSuffix(text, want) {
			return i + 1, false
		}
		if tail := squashSpaces(line); wrapped && tail != "" && strings.HasSuffix(want, tail) {
			return i + 1, false
		}
		if len(text) > len(want)+maxPromptLen {
			return 0, false
		}
	}
	return 0, echoPrefix(joined.String(), want)
}

// echoPrefix reports whether text ends with a proper prefix of command.
func echoPrefix(text, command string) bool {
	if text == "" || command == "" {
		return false
	}
	head := command[:min(len(command), 32)]
	if i := strings.Index(text, head); i >= 0 {
		return len(text)-i < len(command) && strings.HasPrefix(command, text[i:])
	}
	for i := max(0, len(text)-len(head)); len(text)-i >= min(len(head), 4); i++ {
		if strings.HasPrefix(head, text[i:]) {
			return true
		}
	}
	return false
}

func squashSpaces(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
}

func (p *outputProcessor) appendOutput(scan *chunkScan, lines []string) {
	var cmdID schema.CommandID
	_, ok := p.sessions.update(scan.id, func(s *schema.SessionSnapshot) {
		if !s.Executing() {
			return
		}
		item := *s.CurrentExecutingCommand
		item.Output = appendCapped(item.Output, lines, p.cfg.MaxOutputLines)
		s.CurrentExecutingCommand = &item
		cmdID = item.ID
	})
	if !ok || cmdID == "" {
		return
	}
	id := scan.id
	for _, line := range lines {
		event := schema.CommandExecutionEvent{CommandID: cmdID, SessionID: id, OutputChunk: line}
		scan.emit(func() { p.hooks.sink.OnCommandExecution(event) })
	}
}

func (p *outputProcessor) handleMarker(st *streamState, scan *chunkScan, marker shellinit.Marker) {
	scan.sawMark = true
	switch marker.Kind {
	case shellinit.MarkerReady:
		st.sawReady = true
		st.partial = ""
		p.sessions.update(scan.id, func(s *schema.SessionSnapshot) {
			if s.InitState == schema.InitStarting {
				s.InitState = schema.InitAwaitingPrompt
			}
		})
	case shellinit.MarkerPrompt:
		p.handlePrompt(st, scan, marker)
	}
}

func (p *outputProcessor) handlePrompt(st *streamState, scan *chunkScan, marker shellinit.Marker) {
	st.sawReady = true
	st.quietGen++
	id := scan.id
	snap, ok := p.sessions.peek(id)
	if !ok {
		return
	}

	// Lines held as a possible echo were output after all.
	if held := st.echoHeld; len(held) > 0 && snap.Executing() {
		p.appendOutput(scan, held)
	}
	// Output printed without a trailing newline ends at the sentinel.
	if rest := cleanLine(st.partial); snap.Executing() && strings.TrimSpace(rest) != "" {
		if st.echo == "" || !strings.HasSuffix(squashSpaces(rest), squashSpaces(st.echo)) {
			p.appendOutput(scan, []string{rest})
		}
		st.scroll.Append(rest)
	}
	st.partial = ""
	st.resetEcho("")

	var (
		finished  *schema.CommandHistoryItem
		dirChange bool
		becameRdy bool
	)
	updated, ok := p.sessions.update(id, func(s *schema.SessionSnapshot) {
		if marker.Cwd != "" && marker.Cwd != s.CurrentDirectory {
			s.CurrentDirectory = marker.Cwd
			dirChange = true
		}
		s.IsInteractiveMode = false
		s.IsWaitingForInteractiveInput = false
		s.InteractivePrompt = ""
		if s.Executing() {
			item := *s.CurrentExecutingCommand
			item.IsExecuting = false
			item.ExitCode = marker.ExitCode
			item.CompletedAt = p.sessions.now()
			s.History = appendHistory(s.History, item, p.cfg.MaxHistoryItems)
			s.CurrentExecutingCommand = nil
			finished = &item
		}
		if s.InitState != schema.InitReady {
			s.InitState = schema.InitReady
			s.Status = schema.SessionReady
			becameRdy = true
		}
	})
	if !ok {
		return
	}
	if dirChange {
		event := schema.SessionDirectoryEvent{SessionID: id, CurrentDirectory: marker.Cwd}
		scan.emit(func() { p.hooks.sink.OnSessionDirectory(event) })
	}
	if finished != nil {
		item := *finished
		event := schema.CommandExecutionEvent{
			CommandID:   item.ID,
			SessionID:   id,
			OutputChunk: strings.Join(item.Output, "\n"),
			IsCompleted: true,
			ExitCode:    item.ExitCode,
		}
		scan.emit(func() {
			p.metrics.completed(item.ExitCode)
			p.log.Debug("terminal command completed", "session", id, "command", item.ID, "exit_code", item.ExitCode, "output_lines", len(item.Output))
			p.hooks.sink.OnCommandExecution(event)
			if p.hooks.onCommandCompleted != nil {
				p.hooks.onCommandCompleted(id)
			}
		})
	}
	if becameRdy {
		scan.emit(func() {
			if p.hooks.onReady != nil {
				p.hooks.onReady(id)
			}
			p.sessionEvent(schema.SessionEventReady, updated)
		})
	}
}

// armInteractiveCheck schedules interactive detection when an executing
// command left an unterminated line and nothing else explains the silence.
func (p *outputProcessor) armInteractiveCheck(st *streamState, scan *chunkScan) {
	if scan.sawMark || st.echo != "" {
		return
	}
	prompt := strings.TrimSpace(cleanLine(st.partial))
	if prompt == "" {
		return
	}
	snap, ok := p.sessions.peek(scan.id)
	if !ok || !snap.Executing() || snap.IsInteractiveMode {
		return
	}
	st.quietGen++
	gen := st.quietGen
	id := scan.id
	scan.emit(func() { p.checkInteractive(id, gen, prompt) })
}

// checkInteractive flags the session at once when the terminal is in raw
// input mode with nothing buffered. Otherwise it waits for a quiet period
// and flags only if no output arrived and the input queue is still empty.
func (p *outputProcessor) checkInteractive(id schema.SessionID, gen uint64, prompt string) {
	if p.hooks.mode == nil {
		return
	}
	mode, ok := p.hooks.mode(id)
	if ok && mode.IsRawInput() && mode.IsWaitingForInput() {
		p.flagInteractive(id, gen, prompt)
		return
	}
	p.after(p.cfg.InteractiveQuietDelay, func() {
		if !p.generationCurrent(id, gen) {
			return
		}
		mode, ok := p.hooks.mode(id)
		if !ok || !mode.IsWaitingForInput() {
			return
		}
		p.flagInteractive(id, gen, prompt)
	})
}

func (p *outputProcessor) generationCurrent(id schema.SessionID, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.streams[id]
	return ok && st.quietGen == gen
}

func (p *outputProcessor) flagInteractive(id schema.SessionID, gen uint64, prompt string) {
	p.mu.Lock()
	st, ok := p.streams[id]
	if !ok || st.quietGen != gen {
		p.mu.Unlock()
		return
	}
	flagged := false
	updated, ok := p.sessions.update(id, func(s *schema.SessionSnapshot) {
		if !s.Executing() || s.IsInteractiveMode {
			return
		}
		s.IsInteractiveMode = true
		s.IsWaitingForInteractiveInput = true
		s.InteractivePrompt = prompt
		flagged = true
	})
	p.mu.Unlock()
	if !ok || !flagged {
		return
	}
	p.log.Info("terminal session interactive", "session", id, "prompt", prompt)
	p.sessionEvent(schema.SessionEventInteractive, updated)
}

func (p *outputProcessor) sessionEvent(kind schema.SessionEventType, snap schema.SessionSnapshot) {
	p.hooks.sink.OnSessionEvent(schema.SessionEvent{
		Type:      kind,
		Session:   snap.Clone(),
		Current:   p.sessions.current(),
		Timestamp: p.sessions.now(),
	})
}

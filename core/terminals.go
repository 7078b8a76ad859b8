package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

// TerminalManager is the session orchestration surface consumed by the HTTP API and the CLI.
type TerminalManager interface {
	CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error)
	SwitchToSession(ctx context.Context, req schema.SwitchSessionRequest) (schema.SwitchSessionResponse, error)
	CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error)
	ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error)
	GetSession(ctx context.Context, req schema.GetSessionRequest) (schema.GetSessionResponse, error)
	ResizeSession(ctx context.Context, req schema.ResizeSessionRequest) (schema.ResizeSessionResponse, error)
	SendCommand(ctx context.Context, req schema.SendCommandRequest) (schema.SendCommandResponse, error)
	SendInput(ctx context.Context, req schema.SendInputRequest) (schema.SendInputResponse, error)
	SendInterrupt(ctx context.Context, req schema.SendInterruptRequest) (schema.SendInterruptResponse, error)
	SaveScrollOffset(ctx context.Context, req schema.SaveScrollOffsetRequest) (schema.SaveScrollOffsetResponse, error)
	GetScrollOffset(ctx context.Context, req schema.GetScrollOffsetRequest) (schema.GetScrollOffsetResponse, error)
	GetScrollback(ctx context.Context, req schema.GetScrollbackRequest) (schema.GetScrollbackResponse, error)
	Files(ctx context.Context, req schema.FileRequest) (schema.FileResponse, error)
	Close(ctx context.Context) error
}

// terminalManager implements TerminalManager.
type terminalManager struct {
	cfg       schema.EngineConfig
	sessions  *sessionManager
	processor *outputProcessor
	sink      EventSink
	metrics   *Metrics
	tunnels   TunnelCloser
	logger    pslog.Logger

	// ctx scopes every background task: bring-up, read loops and provider connections.
	ctx    context.Context
	cancel context.CancelFunc

	factories  map[schema.TerminalKind]ProviderFactory
	providerMu sync.Mutex
	providers  map[schema.TerminalKind]Provider
}

// NewTerminalManager constructs the terminal session orchestrator.
func NewTerminalManager(cfg schema.EngineConfig, deps TerminalDeps) (TerminalManager, error) {
	normalized, err := schema.NormalizeEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	sink := deps.EventSink
	if sink == nil {
		sink = nopSink{}
	}
	ctx, cancel := context.WithCancel(pslog.ContextWithLogger(context.Background(), logger))
	m := &terminalManager{
		cfg:       normalized,
		sessions:  newSessionManager(),
		sink:      sink,
		metrics:   deps.Metrics,
		tunnels:   deps.Tunnels,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		factories: make(map[schema.TerminalKind]ProviderFactory, len(deps.Providers)),
		providers: make(map[schema.TerminalKind]Provider),
	}
	for kind, factory := range deps.Providers {
		m.factories[kind] = factory
	}
	m.processor = newOutputProcessor(normalized, m.sessions, processorHooks{
		sink:               sink,
		onCommandCompleted: m.kick,
		onReady:            m.markReady,
		mode:               m.mode,
	}, deps.Metrics, logger)
	return m, nil
}

func (m *terminalManager) CreateSession(ctx context.Context, req schema.CreateSessionRequest) (schema.CreateSessionResponse, error) {
	if ctx == nil {
		return schema.CreateSessionResponse{}, errors.New("missing context")
	}
	kind, err := schema.ParseTerminalKind(string(req.Kind))
	if err != nil {
		return schema.CreateSessionResponse{}, err
	}
	if _, ok := m.factories[kind]; !ok {
		return schema.CreateSessionResponse{}, newSessionError(SessionErrorProvider, "create", "", schema.ErrProviderUnavailable)
	}
	if m.ctx.Err() != nil {
		return schema.CreateSessionResponse{}, schema.ErrSessionClosed
	}

	snap, rt := m.sessions.create(strings.TrimSpace(req.Title), kind)
	log := logx.WithSession(ctx, snap.ID).With("kind", kind)
	log.Info("terminal session create start", "title", snap.Title)
	m.metrics.sessionOpened(kind)
	m.sessionEvent(schema.SessionEventCreated, snap)

	started := time.Now()
	go m.bringUp(rt)

	timer := time.NewTimer(m.cfg.BringUpTimeout)
	defer timer.Stop()
	select {
	case <-rt.ready:
	case err = <-rt.failed:
	case <-timer.C:
		err = schema.ErrBringUpTimeout
	case <-ctx.Done():
		err = ctx.Err()
	case <-m.ctx.Done():
		err = schema.ErrSessionClosed
	}
	if err != nil {
		m.metrics.bringUpFailed(kind)
		m.sessions.update(snap.ID, func(s *schema.SessionSnapshot) {
			s.Status = schema.SessionFailed
		})
		log.Warn("terminal session bring-up failed", "err", err, "elapsed", time.Since(started))
		if _, _, cerr := m.closeSession(context.WithoutCancel(ctx), snap.ID); cerr != nil {
			log.Debug("terminal session cleanup failed", "err", cerr)
		}
		var serr *SessionError
		if errors.As(err, &serr) {
			serr.Kind = SessionErrorBringUp
			return schema.CreateSessionResponse{}, serr
		}
		return schema.CreateSessionResponse{}, newSessionError(SessionErrorBringUp, "bring up", snap.ID, err)
	}
	m.metrics.bringUpDone(kind, time.Since(started))
	final, ok := m.sessions.get(snap.ID)
	if !ok {
		return schema.CreateSessionResponse{}, newSessionError(SessionErrorBringUp, "bring up", snap.ID, schema.ErrSessionClosed)
	}
	log.Info("terminal session ready", "cwd", final.CurrentDirectory, "elapsed", time.Since(started))
	return schema.CreateSessionResponse{Session: final}, nil
}

// bringUp obtains the shared provider, starts the shell channel and wires the read loop.
func (m *terminalManager) bringUp(rt *sessionRuntime) {
	ctx := logx.ContextWithSessionLogger(m.ctx, m.logger, rt.id)
	log := logx.WithSession(ctx, rt.id)
	provider, err := m.provider(ctx, rt.kind)
	if err != nil {
		rt.fail(newSessionError(SessionErrorProvider, "connect", rt.id, err))
		return
	}
	readCtx, cancel := context.WithCancel(ctx)
	channel, err := provider.StartSession(readCtx, rt.id)
	if err != nil {
		cancel()
		rt.fail(newSessionError(SessionErrorProvider, "start", rt.id, err))
		return
	}
	if err := rt.attach(provider, channel, cancel); err != nil {
		cancel()
		_ = channel.Close()
		_ = provider.CloseSession(ctx, rt.id)
		return
	}
	m.sessions.update(rt.id, func(s *schema.SessionSnapshot) {
		s.Status = schema.SessionInitializing
		s.InitState = schema.InitStarting
	})
	if !channel.SetWindowSize(m.cfg.Rows, m.cfg.Cols) {
		log.Debug("terminal session resize skipped", "rows", m.cfg.Rows, "cols", m.cfg.Cols)
	}
	log.Debug("terminal session channel started")
	go m.dispatchLoop(readCtx, rt)
	go m.readLoop(readCtx, rt, channel)
}

// dispatchLoop writes queued commands once the running one completed, so the
// read loop never blocks on a write to the shell.
func (m *terminalManager) dispatchLoop(ctx context.Context, rt *sessionRuntime) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.wake:
			m.advance(rt.id)
		}
	}
}

func (m *terminalManager) kick(id schema.SessionID) {
	if rt, ok := m.sessions.runtime(id); ok {
		rt.kick()
	}
}

// provider returns the shared provider for kind, creating and connecting it once.
// A failed connection is not cached so a later session may retry.
func (m *terminalManager) provider(ctx context.Context, kind schema.TerminalKind) (Provider, error) {
	m.providerMu.Lock()
	defer m.providerMu.Unlock()
	if p, ok := m.providers[kind]; ok {
		return p, nil
	}
	factory, ok := m.factories[kind]
	if !ok {
		return nil, schema.ErrProviderUnavailable
	}
	p, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	pslog.Ctx(ctx).Info("terminal provider connected", "kind", kind)
	m.providers[kind] = p
	return p, nil
}

func (m *terminalManager) readLoop(ctx context.Context, rt *sessionRuntime, channel Channel) {
	defer close(rt.readDone)
	log := logx.WithSession(ctx, rt.id)
	buf := make([]byte, 4096)
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			m.processor.Process(rt.id, buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || rt.closed.Load() {
				return
			}
			log.Info("terminal session stream ended", "err", err)
			rt.fail(newSessionError(SessionErrorProvider, "read", rt.id, err))
			go func() {
				if _, _, err := m.closeSession(context.WithoutCancel(ctx), rt.id); err != nil {
					log.Debug("terminal session cleanup failed", "err", err)
				}
			}()
			return
		}
	}
}

func (m *terminalManager) markReady(id schema.SessionID) {
	if rt, ok := m.sessions.runtime(id); ok {
		rt.markReady()
	}
}

func (m *terminalManager) mode(id schema.SessionID) (schema.PtyMode, bool) {
	rt, ok := m.sessions.runtime(id)
	if !ok {
		return schema.PtyMode{}, false
	}
	return rt.mode()
}

func (m *terminalManager) SwitchToSession(ctx context.Context, req schema.SwitchSessionRequest) (schema.SwitchSessionResponse, error) {
	if !m.sessions.switchTo(req.SessionID) {
		return schema.SwitchSessionResponse{Switched: false, Current: m.sessions.current()}, nil
	}
	if snap, ok := m.sessions.get(req.SessionID); ok {
		logx.WithSession(ctx, req.SessionID).Debug("terminal session activated")
		m.sessionEvent(schema.SessionEventActivated, snap)
	}
	return schema.SwitchSessionResponse{Switched: true, Current: m.sessions.current()}, nil
}

func (m *terminalManager) CloseSession(ctx context.Context, req schema.CloseSessionRequest) (schema.CloseSessionResponse, error) {
	id := req.SessionID
	if id == "" {
		id = m.sessions.current()
	}
	if id == "" {
		return schema.CloseSessionResponse{}, nil
	}
	closed, current, err := m.closeSession(ctx, id)
	if err != nil {
		logx.WithSession(ctx, id).Warn("terminal session close incomplete", "err", err)
	}
	return schema.CloseSessionResponse{Closed: closed, Current: current}, nil
}

// closeSession is idempotent: unknown or already closed sessions report false.
func (m *terminalManager) closeSession(ctx context.Context, id schema.SessionID) (bool, schema.SessionID, error) {
	removed, current, ok, err := m.sessions.close(ctx, id)
	m.processor.clear(id)
	if !ok {
		return false, current, err
	}
	m.metrics.sessionClosed(removed.Kind)
	logx.WithSession(ctx, id).Info("terminal session closed", "current", current)
	removed.Status = schema.SessionNotStarted
	removed.CurrentExecutingCommand = nil
	removed.CommandQueue = nil
	m.sink.OnSessionEvent(schema.SessionEvent{
		Type:      schema.SessionEventClosed,
		Session:   removed.Clone(),
		Current:   current,
		Timestamp: m.sessions.now(),
	})
	return true, current, err
}

func (m *terminalManager) ListSessions(ctx context.Context, req schema.ListSessionsRequest) (schema.ListSessionsResponse, error) {
	sessions, current := m.sessions.list()
	return schema.ListSessionsResponse{Sessions: sessions, Current: current}, nil
}

func (m *terminalManager) GetSession(ctx context.Context, req schema.GetSessionRequest) (schema.GetSessionResponse, error) {
	id, err := m.sessions.resolve(req.SessionID)
	if err != nil {
		return schema.GetSessionResponse{}, err
	}
	snap, ok := m.sessions.get(id)
	if !ok {
		return schema.GetSessionResponse{}, schema.ErrSessionNotFound
	}
	return schema.GetSessionResponse{Session: snap}, nil
}

func (m *terminalManager) ResizeSession(ctx context.Context, req schema.ResizeSessionRequest) (schema.ResizeSessionResponse, error) {
	if req.Rows <= 0 || req.Cols <= 0 || req.Rows > 0xffff || req.Cols > 0xffff {
		return schema.ResizeSessionResponse{}, schema.ErrInvalidRequest
	}
	id, err := m.sessions.resolve(req.SessionID)
	if err != nil {
		return schema.ResizeSessionResponse{}, err
	}
	rt, ok := m.sessions.runtime(id)
	if !ok {
		return schema.ResizeSessionResponse{}, schema.ErrSessionNotFound
	}
	channel, _ := rt.handles()
	if channel == nil || rt.closed.Load() {
		return schema.ResizeSessionResponse{Resized: false}, nil
	}
	return schema.ResizeSessionResponse{Resized: channel.SetWindowSize(req.Rows, req.Cols)}, nil
}

func (m *terminalManager) SaveScrollOffset(ctx context.Context, req schema.SaveScrollOffsetRequest) (schema.SaveScrollOffsetResponse, error) {
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	_, ok := m.sessions.update(req.SessionID, func(s *schema.SessionSnapshot) {
		s.ScrollOffset = offset
	})
	return schema.SaveScrollOffsetResponse{Saved: ok}, nil
}

func (m *terminalManager) GetScrollOffset(ctx context.Context, req schema.GetScrollOffsetRequest) (schema.GetScrollOffsetResponse, error) {
	snap, ok := m.sessions.peek(req.SessionID)
	if !ok {
		return schema.GetScrollOffsetResponse{}, nil
	}
	return schema.GetScrollOffsetResponse{Offset: snap.ScrollOffset}, nil
}

func (m *terminalManager) GetScrollback(ctx context.Context, req schema.GetScrollbackRequest) (schema.GetScrollbackResponse, error) {
	id, err := m.sessions.resolve(req.SessionID)
	if err != nil {
		return schema.GetScrollbackResponse{}, err
	}
	snap, ok := m.sessions.peek(id)
	if !ok {
		return schema.GetScrollbackResponse{}, schema.ErrSessionNotFound
	}
	return schema.GetScrollbackResponse{Scrollback: m.processor.scrollback(id, req.Limit, snap.ScrollOffset)}, nil
}

// Close tears down every session, disconnects the providers and every tunnel
// connection, then cancels all background work.
func (m *terminalManager) Close(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	sessions, _ := m.sessions.list()
	var g errgroup.Group
	for _, snap := range sessions {
		id := snap.ID
		g.Go(func() error {
			_, _, err := m.closeSession(ctx, id)
			return err
		})
	}
	var errs []error
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	m.providerMu.Lock()
	providers := m.providers
	m.providers = make(map[schema.TerminalKind]Provider)
	m.providerMu.Unlock()
	for kind, p := range providers {
		if err := p.Disconnect(ctx); err != nil {
			log.Warn("terminal provider disconnect failed", "kind", kind, "err", err)
			errs = append(errs, err)
		}
	}
	if m.tunnels != nil {
		if err := m.tunnels.DisconnectAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	m.cancel()
	log.Info("terminal manager closed", "sessions", len(sessions))
	return errors.Join(errs...)
}

func (m *terminalManager) sessionEvent(kind schema.SessionEventType, snap schema.SessionSnapshot) {
	m.sink.OnSessionEvent(schema.SessionEvent{
		Type:      kind,
		Session:   snap.Clone(),
		Current:   m.sessions.current(),
		Timestamp: m.sessions.now(),
	})
}

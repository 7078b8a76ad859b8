package ttyx

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/httpapi"
	"pkt.systems/ttyx/internal/eventbus"
	"pkt.systems/ttyx/internal/localterm"
	"pkt.systems/ttyx/internal/sshterm"
	"pkt.systems/ttyx/internal/tunnel"
	"pkt.systems/ttyx/schema"
	"pkt.systems/ttyx/sshserver"
)

// Server composes the terminal engine, tunnels, the embedded SSH server and the HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
	// Terminals exposes the engine for in-process callers.
	Terminals() core.TerminalManager
	// HTTPAddr returns the bound HTTP address once started.
	HTTPAddr() string
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Engine schema.EngineConfig
	Local  localterm.Config
	// SSH configures SSH sessions; an empty Params.Host leaves them unavailable.
	SSH      sshterm.Config
	Embedded sshserver.Config
	HTTP     httpapi.Config
	// AcceptRate caps new forwarded tunnel streams per second.
	AcceptRate float64
}

// ServerDeps captures optional dependencies; zero values select defaults.
type ServerDeps struct {
	Logger pslog.Logger
	// Fs backs the embedded server root and key files; defaults to the OS filesystem.
	Fs              afero.Fs
	EventSink       core.EventSink
	Registry        *prometheus.Registry
	Dial            tunnel.DialFunc
	HostKeyCallback ssh.HostKeyCallback
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP     bool
	enableEmbedded bool
	enableMetrics  bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithEmbeddedServer starts the embedded SSH/SFTP server at startup instead
// of on the first reverse tunnel.
func WithEmbeddedServer() ServerOption {
	return func(o *serverOptions) { o.enableEmbedded = true }
}

// WithMetrics registers engine metrics and serves /metrics over HTTP.
func WithMetrics() ServerOption {
	return func(o *serverOptions) { o.enableMetrics = true }
}

// New constructs a composable ttyx server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	bus := eventbus.New(logger)
	var hub *httpapi.Hub
	if options.enableHTTP {
		hub = httpapi.NewHub(cfg.HTTP.HistorySize)
	}
	sinks := make([]core.EventSink, 0, 3)
	if deps.EventSink != nil {
		sinks = append(sinks, deps.EventSink)
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	sinks = append(sinks, bus)

	var metrics *core.Metrics
	var gatherer prometheus.Gatherer
	var registerer prometheus.Registerer
	if options.enableMetrics {
		reg := deps.Registry
		if reg == nil {
			reg = prometheus.NewRegistry()
		}
		metrics = core.NewMetrics(reg)
		gatherer = reg
		registerer = reg
	}

	embedded := sshserver.New(cfg.Embedded, fs)
	tunnels := tunnel.NewManager(tunnel.Options{
		Server:          embedded,
		Dial:            deps.Dial,
		HostKeyCallback: deps.HostKeyCallback,
		Fs:              fs,
		AcceptRate:      cfg.AcceptRate,
	})

	providers := map[schema.TerminalKind]core.ProviderFactory{
		schema.TerminalLocal: localterm.Factory(cfg.Local),
	}
	if cfg.SSH.Params.Host != "" {
		providers[schema.TerminalSSH] = sshterm.Factory(cfg.SSH, tunnels)
	}

	terminals, err := core.NewTerminalManager(cfg.Engine, core.TerminalDeps{
		Providers: providers,
		EventSink: newEventFanout(sinks...),
		Tunnels:   tunnels,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var httpSrv *httpapi.Server
	if options.enableHTTP {
		httpSrv = httpapi.NewServer(cfg.HTTP, httpapi.Deps{
			Terminals:  terminals,
			Tunnels:    tunnels,
			Hub:        hub,
			Bus:        bus,
			Gatherer:   gatherer,
			Registerer: registerer,
		})
	}

	return &compositeServer{
		cfg:       cfg,
		options:   options,
		terminals: terminals,
		tunnels:   tunnels,
		embedded:  embedded,
		httpSrv:   httpSrv,
		logger:    logger,
	}, nil
}

type compositeServer struct {
	cfg       ServerConfig
	options   serverOptions
	terminals core.TerminalManager
	tunnels   *tunnel.Manager
	embedded  *sshserver.Server
	httpSrv   *httpapi.Server
	logger    pslog.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	errCh    chan error
	done     chan struct{}
	httpAddr string
	started  bool
	stopped  bool
}

func (s *compositeServer) Terminals() core.TerminalManager {
	return s.terminals
}

func (s *compositeServer) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	ctx = pslog.ContextWithLogger(ctx, s.logger)
	runCtx, cancel := context.WithCancel(ctx)
	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"embedded_ssh", s.options.enableEmbedded,
		"metrics", s.options.enableMetrics,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"ssh_host", s.cfg.SSH.Params.Host,
	)

	if s.options.enableEmbedded {
		if err := s.embedded.Start(runCtx, sshserver.Config{}); err != nil {
			cancel()
			return err
		}
	}

	errCh := make(chan error, 1)
	done := make(chan struct{})
	if s.httpSrv != nil {
		ln, err := (&net.ListenConfig{}).Listen(runCtx, "tcp", s.cfg.HTTP.Addr)
		if err != nil {
			cancel()
			_ = s.embedded.Stop(context.WithoutCancel(ctx))
			return err
		}
		s.httpAddr = ln.Addr().String()
		handler := s.httpSrv.Handler()
		go func() {
			defer close(done)
			if err := httpapi.Serve(runCtx, ln, handler); err != nil {
				log.Error("http server failed", "err", err)
				errCh <- err
			}
		}()
	} else {
		go func() {
			defer close(done)
			<-runCtx.Done()
		}()
	}

	s.ctx, s.cancel = runCtx, cancel
	s.errCh, s.done = errCh, done
	s.started = true
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			s.logger.Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop closes every session and tunnel, stops the embedded server and ends
// the HTTP server. It is safe to call more than once.
func (s *compositeServer) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	log := s.logger
	log.Info("server stop requested")

	err := s.terminals.Close(ctx)
	if err != nil {
		log.Warn("server terminals close failed", "err", err)
	}
	if serr := s.embedded.Stop(ctx); serr != nil {
		log.Warn("server embedded ssh stop failed", "err", serr)
		err = errors.Join(err, serr)
	}
	cancel()

	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return err
	}
}

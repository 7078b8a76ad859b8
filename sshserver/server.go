package sshserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/schema"
)

// ErrConfigMismatch is returned when Start asks a running server for
// different settings than it was started with.
var ErrConfigMismatch = errors.New("embedded ssh server already running with different settings")

// Server is the embedded SSH server that exposes local storage over SFTP.
// Remote hosts reach it through a reverse tunnel and mount it with sshfs.
type Server struct {
	base Config
	fs   afero.Fs

	mu     sync.Mutex
	cfg    Config
	server *gliderssh.Server
	ln     net.Listener
	done   chan struct{}
	logger pslog.Logger
}

// New constructs a stopped server. fs is the host filesystem the SFTP root
// and host key live on.
func New(base Config, fs afero.Fs) *Server {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Server{base: DefaultConfig().merge(base), fs: fs}
}

// Start binds and serves; override fields replace the base configuration
// for this run. Starting a running server with the same settings is a no-op
// and with different ones returns ErrConfigMismatch.
func (s *Server) Start(ctx context.Context, override Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := pslog.Ctx(ctx)
	cfg := s.base.merge(override)
	if s.server != nil {
		if !s.cfg.sameListener(cfg) {
			log.Warn("embedded ssh server settings conflict", "running_addr", s.cfg.Addr, "requested_addr", cfg.Addr, "running_user", s.cfg.Username, "requested_user", cfg.Username)
			return ErrConfigMismatch
		}
		log.Debug("embedded ssh server already running", "addr", s.ln.Addr().String())
		return nil
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	signer, err := EnsureHostKey(s.fs, cfg.HostKeyPath)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(cfg.Root, 0o755); err != nil {
		return fmt.Errorf("create sftp root: %w", err)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		log.Warn("embedded ssh server listen failed", "addr", cfg.Addr, "err", err)
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	logger := log.With("addr", ln.Addr().String(), "root", cfg.Root)
	root := afero.NewBasePathFs(s.fs, cfg.Root)
	server := &gliderssh.Server{
		Handler:         s.handleSession,
		PasswordHandler: passwordHandler(cfg.Username, cfg.Password, logger),
		SubsystemHandlers: map[string]gliderssh.SubsystemHandler{
			"sftp": sftpHandler(root, logger),
		},
	}
	server.AddHostKey(signer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, gliderssh.ErrServerClosed) {
			logger.Warn("embedded ssh server stopped", "err", err)
		}
	}()

	s.cfg = cfg
	s.server = server
	s.ln = ln
	s.done = done
	s.logger = logger
	logger.Info("embedded ssh server started", "user", cfg.Username)
	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server, done, logger := s.server, s.done, s.logger
	s.server, s.ln, s.done = nil, nil, nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Close()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info("embedded ssh server stopped")
	return err
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Info describes the running server.
func (s *Server) Info() schema.EmbeddedServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return schema.EmbeddedServerInfo{Username: s.base.Username, Root: s.base.Root}
	}
	return schema.EmbeddedServerInfo{
		Running:  true,
		Addr:     s.ln.Addr().String(),
		Username: s.cfg.Username,
		Root:     s.cfg.Root,
	}
}

// ListenAndServe starts the server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(ctx, Config{}); err != nil {
		return err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return s.Stop(context.WithoutCancel(ctx))
	case <-done:
		return nil
	}
}

func passwordHandler(username, password string, log pslog.Logger) gliderssh.PasswordHandler {
	return func(ctx gliderssh.Context, given string) bool {
		userOK := subtle.ConstantTimeCompare([]byte(ctx.User()), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(given), []byte(password)) == 1
		if !userOK || !passOK {
			log.Warn("embedded ssh login rejected", "user", ctx.User(), "remote", remoteAddr(ctx))
			return false
		}
		log.Debug("embedded ssh login accepted", "user", ctx.User(), "remote", remoteAddr(ctx))
		return true
	}
}

func sftpHandler(root afero.Fs, log pslog.Logger) gliderssh.SubsystemHandler {
	return func(sess gliderssh.Session) {
		log := log.With("user", sess.User(), "remote", sess.RemoteAddr().String())
		log.Info("sftp session opened")
		server := sftp.NewRequestServer(sess, newFSHandlers(root))
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			log.Warn("sftp session failed", "err", err)
		}
		_ = server.Close()
		log.Info("sftp session closed")
	}
}

// handleSession refuses shells: the server only exists for SFTP.
func (s *Server) handleSession(sess gliderssh.Session) {
	_, _ = io.WriteString(sess.Stderr(), "only the sftp subsystem is available\n")
	_ = sess.Exit(1)
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

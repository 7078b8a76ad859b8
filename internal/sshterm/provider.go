// Package sshterm runs shells on a remote host over an SSH connection owned
// by the tunnel manager.
package sshterm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/internal/shellinit"
	"pkt.systems/ttyx/internal/sshagent"
	"pkt.systems/ttyx/schema"
)

const (
	termType     = "xterm-256color"
	defaultLang  = "en_US.UTF-8"
	defaultRCDir = "/tmp"
)

// Config controls remote shells.
type Config struct {
	Params schema.ConnectionParams
	// RCDir is the remote directory the bootstrap is uploaded to over SFTP.
	RCDir        string
	Env          map[string]string
	SourceUserRC bool
	Rows         int
	Cols         int
}

// Tunnels is the part of the tunnel manager the provider needs.
type Tunnels interface {
	Hold(ctx context.Context, params schema.ConnectionParams) (schema.ConnectionID, error)
	Release(ctx context.Context, id schema.ConnectionID) error
	Client(id schema.ConnectionID) (*ssh.Client, bool)
	FileSystem(id schema.ConnectionID) (afero.Fs, bool)
	MountStorage(ctx context.Context, id schema.ConnectionID) ([]string, error)
}

// Provider is the SSH terminal provider. Every SSH session shares one connection.
type Provider struct {
	cfg     Config
	tunnels Tunnels

	mu       sync.Mutex
	conn     schema.ConnectionID
	home     string
	sessions map[schema.SessionID]*channel
}

var _ core.Provider = (*Provider)(nil)

// New constructs a provider that connects through tunnels.
func New(cfg Config, tunnels Tunnels) *Provider {
	if cfg.RCDir == "" {
		cfg.RCDir = defaultRCDir
	}
	return &Provider{cfg: cfg, tunnels: tunnels, sessions: make(map[schema.SessionID]*channel)}
}

// Factory adapts New to core.ProviderFactory.
func Factory(cfg Config, tunnels Tunnels) core.ProviderFactory {
	return func(ctx context.Context) (core.Provider, error) {
		if tunnels == nil {
			return nil, schema.ErrProviderUnavailable
		}
		if strings.TrimSpace(cfg.Params.Host) == "" {
			return nil, fmt.Errorf("%w: ssh host not configured", schema.ErrProviderUnavailable)
		}
		return New(cfg, tunnels), nil
	}
}

func (p *Provider) Kind() schema.TerminalKind {
	return schema.TerminalSSH
}

// Connect holds the shared SSH connection and resolves the remote home
// directory. The hold keeps API-driven connects and disconnects from tearing
// the connection down under running shells.
func (p *Provider) Connect(ctx context.Context) error {
	id, err := p.tunnels.Hold(ctx, p.cfg.Params)
	if err != nil {
		return err
	}
	log := logx.WithConnection(ctx, id)
	home := ""
	if client, ok := p.tunnels.Client(id); ok {
		home, err = remoteHome(client)
		if err != nil {
			log.Warn("ssh terminal home lookup failed", "err", err)
		}
	}
	p.mu.Lock()
	prev := p.conn
	p.conn = id
	p.home = home
	p.mu.Unlock()
	if prev != "" {
		if err := p.tunnels.Release(ctx, prev); err != nil && !errors.Is(err, schema.ErrConnectionNotFound) {
			log.Warn("ssh terminal release of previous connection failed", "err", err)
		}
	}
	log.Debug("ssh terminal provider ready", "home", home)
	return nil
}

func remoteHome(client *ssh.Client) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()
	out, err := sess.Output(`printf '%s' "$HOME"`)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *Provider) Connected() bool {
	p.mu.Lock()
	id := p.conn
	p.mu.Unlock()
	if id == "" {
		return false
	}
	_, ok := p.tunnels.Client(id)
	return ok
}

// StartSession opens a PTY shell channel running the bootstrap. The rc file is
// uploaded over SFTP; without SFTP the bootstrap is typed into the login shell.
func (p *Provider) StartSession(ctx context.Context, id schema.SessionID) (core.Channel, error) {
	p.mu.Lock()
	connID := p.conn
	p.mu.Unlock()
	client, ok := p.tunnels.Client(connID)
	if !ok {
		return nil, schema.ErrProviderUnavailable
	}
	log := logx.WithSession(logx.ContextWithConnection(ctx, connID), id)

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshterm: new session: %w", err)
	}
	env := p.Environment()
	env["TTYX_SESSION"] = string(id)
	for _, key := range []string{"LANG", "TTYX_SESSION"} {
		// Servers commonly refuse env requests; the bootstrap exports them anyway.
		_ = sess.Setenv(key, env[key])
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(termType, p.rows(), p.cols(), modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("sshterm: request pty: %w", err)
	}
	if p.cfg.Params.ForwardAgent {
		if err := sshagent.RequestForwarding(sess); err != nil {
			log.Warn("ssh agent forwarding request failed", "err", err)
		}
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}

	opts := shellinit.Options{SourceUserRC: p.cfg.SourceUserRC, Env: env}
	ch := &channel{sess: sess, stdin: stdin, stdout: stdout, cleanup: func() {}}
	if err := p.startShell(log, connID, ch, opts); err != nil {
		_ = ch.Close()
		return nil, err
	}

	p.mu.Lock()
	p.sessions[id] = ch
	p.mu.Unlock()
	log.Info("ssh shell started")

	if p.cfg.Params.EnableReverseTunnel {
		go p.mountStorage(context.WithoutCancel(ctx), connID)
	}
	return ch, nil
}

func (p *Provider) startShell(log pslog.Logger, connID schema.ConnectionID, ch *channel, opts shellinit.Options) error {
	if fs, ok := p.tunnels.FileSystem(connID); ok {
		path, cleanup, err := shellinit.WriteRCFile(fs, p.cfg.RCDir, opts)
		if err == nil {
			ch.cleanup = cleanup
			if err := ch.sess.Start("exec bash --rcfile " + shellinit.Quote(path) + " -i"); err != nil {
				return fmt.Errorf("sshterm: start shell: %w", err)
			}
			return nil
		}
		log.Warn("ssh rc upload failed", "err", err)
	}
	if err := ch.sess.Shell(); err != nil {
		return fmt.Errorf("sshterm: start shell: %w", err)
	}
	if _, err := io.WriteString(ch.stdin, shellinit.InlineScript(opts)); err != nil {
		return fmt.Errorf("sshterm: write bootstrap: %w", err)
	}
	return nil
}

func (p *Provider) mountStorage(ctx context.Context, connID schema.ConnectionID) {
	log := logx.WithConnection(ctx, connID)
	paths, err := p.tunnels.MountStorage(ctx, connID)
	if err != nil {
		log.Warn("ssh storage mount failed", "err", err)
		return
	}
	log.Debug("ssh storage mounted", "paths", paths)
}

func (p *Provider) rows() int {
	if p.cfg.Rows > 0 {
		return p.cfg.Rows
	}
	return schema.DefaultRows
}

func (p *Provider) cols() int {
	if p.cfg.Cols > 0 {
		return p.cfg.Cols
	}
	return schema.DefaultCols
}

func (p *Provider) CloseSession(ctx context.Context, id schema.SessionID) error {
	p.mu.Lock()
	ch, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	err := ch.Close()
	logx.WithSession(ctx, id).Debug("ssh shell closed")
	return err
}

// FileSystem returns the remote filesystem over SFTP, or nil before Connect.
func (p *Provider) FileSystem() afero.Fs {
	p.mu.Lock()
	id := p.conn
	p.mu.Unlock()
	if id == "" {
		return nil
	}
	fs, ok := p.tunnels.FileSystem(id)
	if !ok {
		return nil
	}
	return fs
}

func (p *Provider) WorkingDirectory() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.home
}

func (p *Provider) Environment() map[string]string {
	out := map[string]string{"TERM": termType, "LANG": defaultLang}
	maps.Copy(out, p.cfg.Env)
	return out
}

// Disconnect closes every shell and releases the shared connection.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[schema.SessionID]*channel)
	id := p.conn
	p.conn = ""
	p.mu.Unlock()
	var errs []error
	for _, ch := range sessions {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if id != "" {
		if err := p.tunnels.Release(ctx, id); err != nil && !errors.Is(err, schema.ErrConnectionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// channel adapts an SSH shell session to core.Channel.
type channel struct {
	sess    *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	cleanup func()

	once     sync.Once
	closeErr error
}

func (c *channel) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *channel) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

// Close ends the remote shell and removes its uploaded bootstrap.
func (c *channel) Close() error {
	c.once.Do(func() {
		_ = c.stdin.Close()
		if err := c.sess.Close(); err != nil && !errors.Is(err, io.EOF) {
			c.closeErr = err
		}
		c.cleanup()
	})
	return c.closeErr
}

// Mode reports the default mode: termios state of a remote pty is not observable.
func (c *channel) Mode() (schema.PtyMode, error) {
	return schema.DefaultPtyMode(), nil
}

func (c *channel) SetWindowSize(rows, cols int) bool {
	return c.sess.WindowChange(rows, cols) == nil
}

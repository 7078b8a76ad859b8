// Package localterm starts shells on the local host behind a pseudo-terminal.
package localterm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/internal/ptyproc"
	"pkt.systems/ttyx/internal/shellinit"
	"pkt.systems/ttyx/schema"
)

// Config controls how local shells are started.
type Config struct {
	// Shell is the shell binary; empty picks $SHELL when it is bash or zsh, then bash.
	Shell string
	// WorkingDir is the initial directory; empty uses the user's home.
	WorkingDir string
	// StateDir holds the generated rc files.
	StateDir string
	// Env is exported into every shell.
	Env          map[string]string
	SourceUserRC bool
	Rows         int
	Cols         int
}

// Provider is the local terminal provider. One instance is shared by every local session.
type Provider struct {
	cfg Config
	fs  afero.Fs

	mu        sync.Mutex
	shell     string
	connected bool
	sessions  map[schema.SessionID]*localSession
}

type localSession struct {
	proc    *ptyproc.Process
	cleanup func()
}

var _ core.Provider = (*Provider)(nil)

// New constructs a local provider. fs defaults to the OS file system.
func New(cfg Config, fs afero.Fs) *Provider {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Provider{
		cfg:      cfg,
		fs:       fs,
		sessions: make(map[schema.SessionID]*localSession),
	}
}

// Factory adapts New to core.ProviderFactory.
func Factory(cfg Config) core.ProviderFactory {
	return func(ctx context.Context) (core.Provider, error) {
		return New(cfg, nil), nil
	}
}

func (p *Provider) Kind() schema.TerminalKind {
	return schema.TerminalLocal
}

// Connect resolves the shell binary and prepares the state directory.
func (p *Provider) Connect(ctx context.Context) error {
	shell, err := resolveShell(p.cfg.Shell)
	if err != nil {
		return err
	}
	if p.cfg.StateDir == "" {
		p.cfg.StateDir = filepath.Join(os.TempDir(), "ttyx")
	}
	if err := p.fs.MkdirAll(p.cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("localterm: state dir: %w", err)
	}
	if p.cfg.WorkingDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			p.cfg.WorkingDir = home
		}
	}
	p.mu.Lock()
	p.shell = shell
	p.connected = true
	p.mu.Unlock()
	pslog.Ctx(ctx).Debug("local terminal provider ready", "shell", shell, "state_dir", p.cfg.StateDir)
	return nil
}

func (p *Provider) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// StartSession spawns an interactive shell that sources the generated bootstrap.
func (p *Provider) StartSession(ctx context.Context, id schema.SessionID) (core.Channel, error) {
	p.mu.Lock()
	shell, connected := p.shell, p.connected
	p.mu.Unlock()
	if !connected {
		return nil, schema.ErrProviderUnavailable
	}
	log := logx.WithSession(ctx, id)

	opts := shellinit.Options{SourceUserRC: p.cfg.SourceUserRC, Env: p.cfg.Env}
	args, env, cleanup, err := p.prepare(shell, id, opts)
	if err != nil {
		return nil, err
	}
	env = append(env, "TTYX_SESSION="+string(id))
	proc, err := ptyproc.Start(ctx, ptyproc.Options{
		Command: shell,
		Args:    args,
		Env:     env,
		Dir:     p.cfg.WorkingDir,
		Rows:    p.cfg.Rows,
		Cols:    p.cfg.Cols,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	p.mu.Lock()
	p.sessions[id] = &localSession{proc: proc, cleanup: cleanup}
	p.mu.Unlock()
	log.Info("local shell started", "shell", shell, "pid", proc.Pid(), "cwd", p.cfg.WorkingDir)
	return proc, nil
}

// prepare writes the bootstrap where the shell will find it.
func (p *Provider) prepare(shell string, id schema.SessionID, opts shellinit.Options) ([]string, []string, func(), error) {
	env := baseEnv()
	switch filepath.Base(shell) {
	case "zsh":
		dir := filepath.Join(p.cfg.StateDir, "zsh-"+string(id))
		if err := p.fs.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, nil, fmt.Errorf("localterm: zdotdir: %w", err)
		}
		if err := afero.WriteFile(p.fs, filepath.Join(dir, ".zshrc"), []byte(shellinit.Script(opts)), 0o600); err != nil {
			_ = p.fs.RemoveAll(dir)
			return nil, nil, nil, fmt.Errorf("localterm: write .zshrc: %w", err)
		}
		env = append(env, "ZDOTDIR="+dir)
		return []string{"-i"}, env, func() { _ = p.fs.RemoveAll(dir) }, nil
	default:
		path, cleanup, err := shellinit.WriteRCFile(p.fs, p.cfg.StateDir, opts)
		if err != nil {
			return nil, nil, nil, err
		}
		return []string{"--rcfile", path, "-i"}, env, cleanup, nil
	}
}

func (p *Provider) CloseSession(ctx context.Context, id schema.SessionID) error {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	err := sess.proc.Destroy()
	sess.cleanup()
	logx.WithSession(ctx, id).Debug("local shell closed", "pid", sess.proc.Pid())
	return err
}

func (p *Provider) FileSystem() afero.Fs {
	return p.fs
}

func (p *Provider) WorkingDirectory() string {
	return p.cfg.WorkingDir
}

func (p *Provider) Environment() map[string]string {
	out := make(map[string]string, len(p.cfg.Env))
	for k, v := range p.cfg.Env {
		out[k] = v
	}
	return out
}

// Disconnect destroys every remaining shell.
func (p *Provider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]schema.SessionID, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.connected = false
	p.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := p.CloseSession(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolveShell prefers the configured shell, then $SHELL when it is bash or zsh, then bash.
func resolveShell(configured string) (string, error) {
	candidates := []string{configured}
	if env := os.Getenv("SHELL"); env != "" {
		switch filepath.Base(env) {
		case "bash", "zsh":
			candidates = append(candidates, env)
		}
	}
	candidates = append(candidates, "bash")
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("localterm: no supported shell found: %w", schema.ErrProviderUnavailable)
}

// baseEnv is the process environment with terminal settings forced.
func baseEnv() []string {
	env := make([]string, 0, len(os.Environ())+3)
	hasLang := false
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		switch key {
		case "TERM", "ZDOTDIR", "PROMPT_COMMAND", "TTYX_SESSION":
			continue
		case "LANG":
			hasLang = true
		}
		env = append(env, kv)
	}
	env = append(env, "TERM=xterm-256color")
	if !hasLang {
		env = append(env, "LANG=C.UTF-8")
	}
	return env
}

// Package ptyproc spawns child processes attached to a pseudo-terminal.
package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/schema"
)

// terminateGrace is how long Destroy waits after SIGHUP before SIGKILL.
const terminateGrace = 500 * time.Millisecond

// Options describes the child process to start.
type Options struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	Rows    int
	Cols    int
}

// Process is a child process bound to the slave side of a PTY.
// Read and Write operate on the master side.
type Process struct {
	cmd    *exec.Cmd
	master *os.File
	log    pslog.Logger

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// Start creates the PTY pair and starts the child as a session leader with
// the PTY as its controlling terminal.
func Start(ctx context.Context, opts Options) (*Process, error) {
	if opts.Command == "" {
		return nil, errors.New("ptyproc: command is required")
	}
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = schema.DefaultRows
	}
	if cols <= 0 {
		cols = schema.DefaultCols
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	master, err := pty.StartWithAttrs(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}, cmd.SysProcAttr)
	if err != nil {
		return nil, fmt.Errorf("ptyproc: start %s: %w", opts.Command, err)
	}
	p := &Process{
		cmd:    cmd,
		master: master,
		log:    pslog.Ctx(ctx).With("pid", cmd.Process.Pid),
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	p.log.Debug("pty process started", "command", opts.Command, "rows", rows, "cols", cols)
	return p, nil
}

// Pid returns the child process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Read reads output from the master side.
func (p *Process) Read(b []byte) (int, error) {
	return p.master.Read(b)
}

// Write writes input to the master side.
func (p *Process) Write(b []byte) (int, error) {
	return p.master.Write(b)
}

// Done is closed when the child exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the child exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Close is Destroy.
func (p *Process) Close() error {
	return p.Destroy()
}

// Destroy signals the process group with SIGHUP, force-kills it after a
// short grace period and closes the master descriptor. Repeated calls are no-ops.
func (p *Process) Destroy() error {
	p.closeOnce.Do(func() {
		pid := p.cmd.Process.Pid
		_ = unix.Kill(-pid, unix.SIGHUP)
		select {
		case <-p.done:
		case <-time.After(terminateGrace):
			if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				p.log.Warn("pty process kill failed", "err", err)
			}
		}
		p.closeErr = p.master.Close()
		p.log.Debug("pty process destroyed")
	})
	return p.closeErr
}

// Mode reads the live terminal attributes and the count of unread bytes.
func (p *Process) Mode() (schema.PtyMode, error) {
	var (
		termios *unix.Termios
		avail   int
		opErr   error
	)
	raw, err := p.master.SyscallConn()
	if err != nil {
		return schema.PtyMode{}, err
	}
	err = raw.Control(func(fd uintptr) {
		termios, opErr = unix.IoctlGetTermios(int(fd), ioctlReadTermios)
		if opErr != nil {
			return
		}
		avail, opErr = unix.IoctlGetInt(int(fd), ioctlReadPending)
	})
	if err != nil {
		return schema.PtyMode{}, err
	}
	if opErr != nil {
		return schema.PtyMode{}, fmt.Errorf("ptyproc: read mode: %w", opErr)
	}
	return modeFromTermios(termios, avail), nil
}

// SetWindowSize resizes the terminal; it reports false instead of failing
// when the PTY is already closed.
func (p *Process) SetWindowSize(rows, cols int) bool {
	if rows <= 0 || cols <= 0 {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
	}
	if err := pty.Setsize(p.master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		p.log.Debug("pty resize failed", "err", err)
		return false
	}
	return true
}

func modeFromTermios(t *unix.Termios, avail int) schema.PtyMode {
	if t == nil {
		return schema.DefaultPtyMode()
	}
	lflag := uint64(t.Lflag)
	return schema.PtyMode{
		Canonical:      lflag&uint64(unix.ICANON) != 0,
		Echo:           lflag&uint64(unix.ECHO) != 0,
		Signal:         lflag&uint64(unix.ISIG) != 0,
		Extended:       lflag&uint64(unix.IEXTEN) != 0,
		AvailableBytes: avail,
	}
}

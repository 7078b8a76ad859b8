package tunnel

import (
	"net"
	"strings"
	"sync"
	"testing"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "dev"
	testPassword = "hunter2"
)

// fakeRemote is an in-process SSH host with forwarding, SFTP and a scripted
// exec handler standing in for sshfs.
type fakeRemote struct {
	addr   string
	server *gliderssh.Server

	mu       sync.Mutex
	commands []string
	// authorized, when set, enables public key auth for that key.
	authorized ssh.PublicKey
	// noSSHFS makes the mount script report a missing sshfs.
	noSSHFS bool
}

func newFakeRemote(t *testing.T, configure ...func(*fakeRemote)) *fakeRemote {
	t.Helper()
	r := &fakeRemote{}
	for _, fn := range configure {
		fn(r)
	}
	forwards := &gliderssh.ForwardedTCPHandler{}
	r.server = &gliderssh.Server{
		Handler: r.handleExec,
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return password == testPassword
		},
		LocalPortForwardingCallback: func(gliderssh.Context, string, uint32) bool { return true },
		ReversePortForwardingCallback: func(gliderssh.Context, string, uint32) bool {
			return true
		},
		ChannelHandlers: map[string]gliderssh.ChannelHandler{
			"session":      gliderssh.DefaultSessionHandler,
			"direct-tcpip": gliderssh.DirectTCPIPHandler,
		},
		RequestHandlers: map[string]gliderssh.RequestHandler{
			"tcpip-forward":        forwards.HandleSSHRequest,
			"cancel-tcpip-forward": forwards.HandleSSHRequest,
		},
		SubsystemHandlers: map[string]gliderssh.SubsystemHandler{
			"sftp": func(sess gliderssh.Session) {
				server, err := sftp.NewServer(sess)
				if err != nil {
					return
				}
				_ = server.Serve()
				_ = server.Close()
			},
		},
	}
	if r.authorized != nil {
		r.server.PublicKeyHandler = func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return gliderssh.KeysEqual(key, r.authorized)
		}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r.addr = ln.Addr().String()
	go func() { _ = r.server.Serve(ln) }()
	t.Cleanup(func() { _ = r.server.Close() })
	return r
}

func (r *fakeRemote) handleExec(sess gliderssh.Session) {
	cmd := sess.RawCommand()
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	noSSHFS := r.noSSHFS
	r.mu.Unlock()
	switch {
	case strings.Contains(cmd, "sshfs -p"):
		if noSSHFS {
			_, _ = sess.Write([]byte(sshfsMissingMessage + "\n"))
			_ = sess.Exit(1)
			return
		}
		for _, line := range strings.Split(cmd, "\n") {
			if strings.HasPrefix(line, "if mountpoint") {
				switch {
				case strings.Contains(line, "~/storage"):
					_, _ = sess.Write([]byte(mountSuccessPrefix + "~/storage\n"))
				case strings.Contains(line, "~/sdcard"):
					_, _ = sess.Write([]byte(mountSuccessPrefix + "~/sdcard\n"))
				}
			}
		}
	case strings.Contains(cmd, "fusermount"):
		_, _ = sess.Write([]byte(unmountSuccessPrefix + "~/storage\n" + unmountSuccessPrefix + "~/sdcard\n"))
	}
	_ = sess.Exit(0)
}

func (r *fakeRemote) count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, cmd := range r.commands {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

func (r *fakeRemote) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(r.addr)
	require.NoError(t, err)
	p, err := net.LookupPort("tcp", port)
	require.NoError(t, err)
	return host, p
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

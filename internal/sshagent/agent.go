package sshagent

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"pkt.systems/pslog"
)

// ErrNoAgent reports that no agent socket is configured.
var ErrNoAgent = errors.New("ssh agent socket not set")

const sessionBindExtension = "session-bind@openssh.com"

// sessionBindAgent accepts the OpenSSH session-bind extension that the
// in-memory keyring does not know about.
type sessionBindAgent struct {
	agent.ExtendedAgent
}

func (a sessionBindAgent) Extension(extensionType string, contents []byte) ([]byte, error) {
	if extensionType == sessionBindExtension {
		return nil, nil
	}
	return a.ExtendedAgent.Extension(extensionType, contents)
}

// Client is a connection to a running ssh-agent.
type Client struct {
	conn  net.Conn
	agent agent.ExtendedAgent
}

// Dial connects to the agent at socket, falling back to SSH_AUTH_SOCK.
func Dial(ctx context.Context, socket string) (*Client, error) {
	if strings.TrimSpace(socket) == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if strings.TrimSpace(socket) == "" {
		return nil, ErrNoAgent
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial ssh agent: %w", err)
	}
	return &Client{conn: conn, agent: agent.NewClient(conn)}, nil
}

// Agent exposes the agent protocol client.
func (c *Client) Agent() agent.ExtendedAgent {
	return c.agent
}

// AuthMethod authenticates with every key the agent holds.
func (c *Client) AuthMethod() ssh.AuthMethod {
	return ssh.PublicKeysCallback(c.agent.Signers)
}

// Close releases the agent connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NewKeyring returns an in-memory agent holding key.
func NewKeyring(key crypto.PrivateKey, comment string) (agent.ExtendedAgent, error) {
	keyring, ok := agent.NewKeyring().(agent.ExtendedAgent)
	if !ok {
		return nil, errors.New("ssh agent does not support extensions")
	}
	wrapped := sessionBindAgent{ExtendedAgent: keyring}
	if key != nil {
		if err := wrapped.Add(agent.AddedKey{PrivateKey: key, Comment: comment}); err != nil {
			return nil, fmt.Errorf("add key: %w", err)
		}
	}
	return wrapped, nil
}

// Forward serves ag to the remote end of client so sessions that request
// agent forwarding can use it.
func Forward(client *ssh.Client, ag agent.Agent) error {
	if client == nil || ag == nil {
		return errors.New("ssh agent forward requires a client and an agent")
	}
	return agent.ForwardToAgent(client, ag)
}

// RequestForwarding asks the remote to expose the forwarded agent to sess.
func RequestForwarding(sess *ssh.Session) error {
	return agent.RequestAgentForwarding(sess)
}

// Listener serves an agent on a unix socket.
type Listener struct {
	socket   string
	listener net.Listener
	keyring  agent.Agent
	log      pslog.Logger

	mu     sync.Mutex
	closed bool
}

// Listen serves keyring on socket, replacing a stale socket file.
func Listen(ctx context.Context, socket string, keyring agent.Agent) (*Listener, error) {
	if strings.TrimSpace(socket) == "" {
		return nil, errors.New("ssh agent socket path is required")
	}
	log := pslog.Ctx(ctx).With("socket", socket)
	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		return nil, err
	}
	if socketAlive(socket) {
		return nil, fmt.Errorf("ssh agent socket %s is in use", socket)
	}
	_ = os.Remove(socket)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", socket)
	if err != nil {
		log.Warn("ssh agent listen failed", "err", err)
		return nil, err
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		_ = listener.Close()
		log.Warn("ssh agent listen failed", "err", err)
		return nil, err
	}
	l := &Listener{socket: socket, listener: listener, keyring: keyring, log: log}
	go l.serve()
	log.Info("ssh agent listening")
	return l, nil
}

// Socket returns the socket path.
func (l *Listener) Socket() string {
	return l.socket
}

// Close stops the listener and removes the socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.listener.Close()
	_ = os.Remove(l.socket)
	l.log.Info("ssh agent closed")
	return err
}

func (l *Listener) serve() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			_ = agent.ServeAgent(l.keyring, c)
			_ = c.Close()
		}(conn)
	}
}

func socketAlive(path string) bool {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

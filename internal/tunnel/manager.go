package tunnel

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"github.com/spf13/afero/sftpfs"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/internal/sshagent"
	"pkt.systems/ttyx/schema"
	"pkt.systems/ttyx/sshserver"
)

const unmountTimeout = 15 * time.Second

// LocalServer is the embedded SSH/SFTP server reverse tunnels point at.
type LocalServer interface {
	Start(ctx context.Context, cfg sshserver.Config) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Addr() string
	Info() schema.EmbeddedServerInfo
}

// Options configures a Manager.
type Options struct {
	// Server is required for reverse tunnels.
	Server LocalServer
	// Dial defaults to DialSSH.
	Dial DialFunc
	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback
	// Fs reads private key files; defaults to the OS filesystem.
	Fs afero.Fs
	// AcceptRate caps new forwarded streams per second; zero is unlimited.
	AcceptRate float64
}

// Manager owns SSH connections and the tunnels and mounts layered on them.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	conns   map[schema.ConnectionID]*connection
	order   []schema.ConnectionID
	current schema.ConnectionID

	pendingMu sync.Mutex
	pending   map[schema.ConnectionID]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

type connection struct {
	id     schema.ConnectionID
	params schema.ConnectionParams
	client *ssh.Client
	sftp   *sftp.Client
	fs     afero.Fs
	creds  credentials
	cancel context.CancelFunc
	alive  atomic.Bool

	// holds counts terminal providers using the connection; owned marks a
	// connection opened through Connect. Both are guarded by Manager.mu.
	holds int
	owned bool

	forward *pipeListener
	reverse *pipeListener

	mountMu sync.Mutex
	mu      sync.Mutex
	mounted []string
}

// NewManager constructs an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Dial == nil {
		opts.Dial = DialSSH
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	return &Manager{
		opts:    opts,
		conns:   make(map[schema.ConnectionID]*connection),
		pending: make(map[schema.ConnectionID]*idLock),
	}
}

// Connect dials the host described by params and brings up the optional
// forward and reverse tunnels. A connection with the same id is replaced
// unless terminal sessions hold it, in which case ErrConnectionInUse is returned.
// Tunnel failures are logged and leave the connection up without them.
func (m *Manager) Connect(ctx context.Context, params schema.ConnectionParams) (schema.ConnectionID, error) {
	p, err := schema.NormalizeConnectionParams(params)
	if err != nil {
		return "", err
	}
	id := schema.ConnectionIDFor(p)
	unlock := m.lockID(id)
	defer unlock()

	log := logx.WithConnection(ctx, id)
	m.mu.RLock()
	existing := m.conns[id]
	held := existing != nil && existing.holds > 0
	m.mu.RUnlock()
	if held {
		log.Info("tunnel connect refused", "reason", "held by terminal sessions")
		return "", newTunnelError(ErrorInUse, "connect", id, schema.ErrConnectionInUse)
	}
	if existing != nil {
		log.Info("tunnel connection replaced")
		m.remove(ctx, id)
	}

	c, err := m.dial(ctx, p, id)
	if err != nil {
		return "", err
	}
	c.owned = true
	m.insert(ctx, c)
	return id, nil
}

// Hold returns the connection for params, dialing it when absent, and pins it
// so Connect and Disconnect refuse to tear it down until the matching Release.
func (m *Manager) Hold(ctx context.Context, params schema.ConnectionParams) (schema.ConnectionID, error) {
	p, err := schema.NormalizeConnectionParams(params)
	if err != nil {
		return "", err
	}
	id := schema.ConnectionIDFor(p)
	unlock := m.lockID(id)
	defer unlock()

	log := logx.WithConnection(ctx, id)
	m.mu.Lock()
	existing := m.conns[id]
	if existing != nil && existing.alive.Load() {
		existing.holds++
		holds := existing.holds
		m.mu.Unlock()
		log.Debug("tunnel connection held", "holds", holds)
		return id, nil
	}
	// Holders of a dead connection keep their holds on the redialed one.
	holds, owned := 1, false
	if existing != nil {
		holds += existing.holds
		owned = existing.owned
	}
	m.mu.Unlock()
	if existing != nil {
		log.Info("tunnel connection dead, redialing")
		m.remove(ctx, id)
	}

	c, err := m.dial(ctx, p, id)
	if err != nil {
		return "", err
	}
	c.holds = holds
	c.owned = owned
	m.insert(ctx, c)
	return id, nil
}

// Release drops a hold taken by Hold. The last release closes the connection
// unless it was also opened through Connect.
func (m *Manager) Release(ctx context.Context, id schema.ConnectionID) error {
	unlock := m.lockID(id)
	defer unlock()
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return schema.ErrConnectionNotFound
	}
	if c.holds > 0 {
		c.holds--
	}
	keep := c.holds > 0 || c.owned
	m.mu.Unlock()
	if keep {
		return nil
	}
	m.remove(ctx, id)
	return nil
}

// dial opens the SSH client, SFTP session and tunnels for p without
// registering the connection.
func (m *Manager) dial(ctx context.Context, p schema.ConnectionParams, id schema.ConnectionID) (*connection, error) {
	log := logx.WithConnection(ctx, id)
	creds, err := loadCredentials(ctx, m.opts.Fs, p)
	if err != nil {
		log.Warn("tunnel credentials failed", "auth_type", p.AuthType, "err", err)
		return nil, newTunnelError(ErrorAuth, "connect", id, err)
	}
	timeout := time.Duration(p.ConnectTimeoutSeconds) * time.Second
	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            creds.methods,
		HostKeyCallback: m.opts.HostKeyCallback,
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	client, err := m.opts.Dial(dialCtx, addr, cfg)
	cancelDial()
	if err != nil {
		creds.close()
		kind := ErrorTransport
		if isAuthFailure(err) {
			kind = ErrorAuth
		}
		log.Warn("tunnel connect failed", "addr", addr, "kind", kind, "err", err)
		return nil, newTunnelError(kind, "connect", id, err)
	}

	connCtx, cancel := context.WithCancel(logx.ContextWithConnectionLogger(context.WithoutCancel(ctx), log, id))
	c := &connection{id: id, params: p, client: client, creds: creds, cancel: cancel}
	c.alive.Store(true)
	go func() {
		_ = client.Wait()
		c.alive.Store(false)
	}()
	if p.KeepAlive {
		go keepAlive(connCtx, client, time.Duration(p.KeepAliveInterval)*time.Second, schema.DefaultKeepAliveMaxMisses, log)
	}
	if p.ForwardAgent && creds.forward != nil {
		if err := sshagent.Forward(client, creds.forward); err != nil {
			log.Warn("tunnel agent forward failed", "err", err)
		}
	}

	if sc, err := sftp.NewClient(client); err != nil {
		log.Warn("tunnel sftp open failed", "err", newTunnelError(ErrorSFTP, "connect", id, err))
	} else {
		c.sftp = sc
		c.fs = sftpfs.New(sc)
	}
	if p.EnablePortForwarding {
		if c.forward, err = m.startForward(connCtx, c); err != nil {
			log.Warn("tunnel port forward failed", "err", err)
		}
	}
	if p.EnableReverseTunnel {
		if c.reverse, err = m.startReverse(connCtx, c); err != nil {
			log.Warn("tunnel reverse failed", "err", err)
		}
	}
	log.Info("tunnel connect ok", "addr", addr, "forward", c.forward != nil, "reverse", c.reverse != nil)
	return c, nil
}

// insert registers c as the current connection. Callers hold the id lock, so
// an entry with the same id can only be a leftover that is torn down here.
func (m *Manager) insert(ctx context.Context, c *connection) {
	m.mu.Lock()
	stale, ok := m.conns[c.id]
	m.conns[c.id] = c
	if !ok {
		m.order = append(m.order, c.id)
	}
	m.current = c.id
	m.mu.Unlock()
	if ok {
		m.teardown(ctx, stale, false)
	}
}

// lockID serializes Connect, Hold, Release and Disconnect for one id while
// leaving other ids free to dial concurrently.
func (m *Manager) lockID(id schema.ConnectionID) func() {
	m.pendingMu.Lock()
	l, ok := m.pending[id]
	if !ok {
		l = &idLock{}
		m.pending[id] = l
	}
	l.refs++
	m.pendingMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.pendingMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.pending, id)
		}
		m.pendingMu.Unlock()
	}
}

// startForward listens on localhost:LocalForwardPort and connects each stream
// to localhost:RemoteForwardPort on the remote host.
func (m *Manager) startForward(ctx context.Context, c *connection) (*pipeListener, error) {
	p := c.params
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.LocalForwardPort)))
	if err != nil {
		return nil, newTunnelError(ErrorForward, "listen", c.id, err)
	}
	target := net.JoinHostPort("localhost", strconv.Itoa(p.RemoteForwardPort))
	log := pslog.Ctx(ctx).With("tunnel", "forward", "local", ln.Addr().String(), "target", target)
	dial := func(ctx context.Context) (net.Conn, error) {
		return c.client.DialContext(ctx, "tcp", target)
	}
	log.Info("tunnel forward started")
	return servePipes(ctx, ln, m.limiter(), dial, log), nil
}

// startReverse starts the embedded server and exposes it on the remote host
// at localhost:RemoteTunnelPort.
func (m *Manager) startReverse(ctx context.Context, c *connection) (*pipeListener, error) {
	if m.opts.Server == nil {
		return nil, newTunnelError(ErrorReverse, "start", c.id, errors.New("embedded ssh server not configured"))
	}
	p := c.params
	err := m.opts.Server.Start(ctx, sshserver.Config{
		Addr:     sshserver.LoopbackAddr(p.LocalSSHPort),
		Username: p.LocalSSHUsername,
		Password: p.LocalSSHPassword,
	})
	if err != nil {
		return nil, newTunnelError(ErrorReverse, "start server", c.id, err)
	}
	ln, err := c.client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.RemoteTunnelPort)))
	if err != nil {
		if !m.reverseInUse() {
			_ = m.opts.Server.Stop(ctx)
		}
		return nil, newTunnelError(ErrorReverse, "listen", c.id, err)
	}
	target := m.opts.Server.Addr()
	log := pslog.Ctx(ctx).With("tunnel", "reverse", "remote_port", p.RemoteTunnelPort, "target", target)
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", target)
	}
	log.Info("tunnel reverse started")
	return servePipes(ctx, ln, m.limiter(), dial, log), nil
}

func (m *Manager) limiter() *rate.Limiter {
	return newLimiter(m.opts.AcceptRate)
}

// Disconnect tears down the connection id, or the current one when id is
// empty. Connections held by terminal sessions return ErrConnectionInUse.
func (m *Manager) Disconnect(ctx context.Context, id schema.ConnectionID) error {
	if id == "" {
		id = m.Current()
	}
	if id == "" {
		return schema.ErrNoConnection
	}
	unlock := m.lockID(id)
	defer unlock()
	m.mu.RLock()
	c, ok := m.conns[id]
	held := ok && c.holds > 0
	m.mu.RUnlock()
	if !ok {
		return schema.ErrConnectionNotFound
	}
	if held {
		return newTunnelError(ErrorInUse, "disconnect", id, schema.ErrConnectionInUse)
	}
	m.remove(ctx, id)
	return nil
}

// remove unregisters id and tears it down regardless of holds. Callers hold the id lock.
func (m *Manager) remove(ctx context.Context, id schema.ConnectionID) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	m.order = slices.DeleteFunc(m.order, func(other schema.ConnectionID) bool { return other == id })
	if m.current == id {
		m.current = ""
		if len(m.order) > 0 {
			m.current = m.order[0]
		}
	}
	stopServer := c.reverse != nil && !m.reverseInUseLocked()
	m.mu.Unlock()

	m.teardown(ctx, c, stopServer)
}

func (m *Manager) teardown(ctx context.Context, c *connection, stopServer bool) {
	log := logx.WithConnection(ctx, c.id)
	if paths := c.mountedPaths(); len(paths) > 0 && c.alive.Load() {
		unmountCtx, cancel := context.WithTimeout(ctx, unmountTimeout)
		out, err := runRemote(unmountCtx, c.client, unmountScript(paths))
		cancel()
		if err != nil {
			log.Warn("tunnel unmount failed", "err", err)
		} else {
			log.Info("tunnel unmount ok", "paths", parseMarkers(out, unmountSuccessPrefix))
		}
		c.setMounted(nil)
	}
	if c.forward != nil {
		_ = c.forward.Close()
	}
	if c.reverse != nil {
		_ = c.reverse.Close()
		if stopServer && m.opts.Server != nil {
			if err := m.opts.Server.Stop(ctx); err != nil {
				log.Warn("embedded ssh server stop failed", "err", err)
			}
		}
	}
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	c.cancel()
	_ = c.client.Close()
	c.creds.close()
	log.Info("tunnel disconnect ok")
}

// DisconnectAll tears down every connection, held or not.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	m.mu.RLock()
	ids := slices.Clone(m.order)
	m.mu.RUnlock()
	for _, id := range ids {
		unlock := m.lockID(id)
		m.remove(ctx, id)
		unlock()
	}
	return nil
}

// MountStorage mounts the embedded server's storage on the remote host over
// the reverse tunnel and returns the mounted paths. Mounting an already
// mounted connection returns the recorded paths without running anything.
func (m *Manager) MountStorage(ctx context.Context, id schema.ConnectionID) ([]string, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if !c.params.EnableReverseTunnel || c.reverse == nil {
		return nil, newTunnelError(ErrorMount, "mount", c.id, schema.ErrReverseTunnelDisabled)
	}
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if paths := c.mountedPaths(); len(paths) > 0 {
		return paths, nil
	}
	log := logx.WithConnection(ctx, c.id)
	out, runErr := runRemote(ctx, c.client, mountScript(c.params))
	if containsLine(out, sshfsMissingMessage) {
		log.Warn("tunnel mount failed", "err", schema.ErrSSHFSMissing)
		return nil, newTunnelError(ErrorMount, "mount", c.id, schema.ErrSSHFSMissing)
	}
	paths := parseMarkers(out, mountSuccessPrefix)
	if runErr != nil && len(paths) == 0 {
		log.Warn("tunnel mount failed", "err", runErr)
		return nil, newTunnelError(ErrorMount, "mount", c.id, runErr)
	}
	if len(paths) < len(c.params.MountPaths) {
		log.Warn("tunnel mount partial", "mounted", paths, "requested", c.params.MountPaths)
	}
	c.setMounted(paths)
	log.Info("tunnel mount ok", "paths", paths)
	return slices.Clone(paths), nil
}

// ListConnections returns every connection in connect order.
func (m *Manager) ListConnections() []schema.ConnectionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.ConnectionInfo, 0, len(m.order))
	for _, id := range m.order {
		c := m.conns[id]
		out = append(out, schema.ConnectionInfo{
			ID:                c.id,
			Host:              c.params.Host,
			Port:              c.params.Port,
			Username:          c.params.Username,
			IsConnected:       c.alive.Load(),
			IsCurrent:         id == m.current,
			HasPortForwarding: c.forward != nil,
			HasReverseTunnel:  c.reverse != nil,
			MountedPaths:      c.mountedPaths(),
			InUse:             c.holds > 0,
		})
	}
	return out
}

// SwitchConnection makes id the current connection.
func (m *Manager) SwitchConnection(id schema.ConnectionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[id]; !ok {
		return false
	}
	m.current = id
	return true
}

// Current returns the current connection id, or "" when there is none.
func (m *Manager) Current() schema.ConnectionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Client returns the SSH client of id, or of the current connection when id is empty.
func (m *Manager) Client(id schema.ConnectionID) (*ssh.Client, bool) {
	c, err := m.lookup(id)
	if err != nil || !c.alive.Load() {
		return nil, false
	}
	return c.client, true
}

// FileSystem returns the SFTP-backed filesystem of id.
func (m *Manager) FileSystem(id schema.ConnectionID) (afero.Fs, bool) {
	c, err := m.lookup(id)
	if err != nil || c.fs == nil {
		return nil, false
	}
	return c.fs, true
}

// Params returns the normalized parameters of id.
func (m *Manager) Params(id schema.ConnectionID) (schema.ConnectionParams, bool) {
	c, err := m.lookup(id)
	if err != nil {
		return schema.ConnectionParams{}, false
	}
	return c.params, true
}

// ServerInfo describes the embedded SSH/SFTP server.
func (m *Manager) ServerInfo() schema.EmbeddedServerInfo {
	if m.opts.Server == nil {
		return schema.EmbeddedServerInfo{}
	}
	return m.opts.Server.Info()
}

func (m *Manager) lookup(id schema.ConnectionID) (*connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id == "" {
		id = m.current
	}
	if id == "" {
		return nil, schema.ErrNoConnection
	}
	c, ok := m.conns[id]
	if !ok {
		return nil, schema.ErrConnectionNotFound
	}
	return c, nil
}

func (m *Manager) reverseInUse() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reverseInUseLocked()
}

func (m *Manager) reverseInUseLocked() bool {
	for _, c := range m.conns {
		if c.reverse != nil {
			return true
		}
	}
	return false
}

func (c *connection) mountedPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.mounted)
}

func (c *connection) setMounted(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounted = slices.Clone(paths)
}

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/ttyx/schema"
)

// sessionState is an immutable view of every session. Writers replace it whole.
type sessionState struct {
	sessions []schema.SessionSnapshot
	current  schema.SessionID
}

func (s *sessionState) index(id schema.SessionID) int {
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// sessionManager owns the session collection and the focused session id.
// Readers load the state pointer without locking; writers serialize on mu.
type sessionManager struct {
	mu       sync.Mutex
	state    atomic.Pointer[sessionState]
	runtimes map[schema.SessionID]*sessionRuntime
	counters map[schema.TerminalKind]int
	now      func() time.Time
}

func newSessionManager() *sessionManager {
	m := &sessionManager{
		runtimes: make(map[schema.SessionID]*sessionRuntime),
		counters: make(map[schema.TerminalKind]int),
		now:      time.Now,
	}
	m.state.Store(&sessionState{})
	return m
}

// create allocates a NOT_STARTED session, appends it and focuses it.
func (m *sessionManager) create(title string, kind schema.TerminalKind) (schema.SessionSnapshot, *sessionRuntime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[kind]++
	if title == "" {
		title = fmt.Sprintf("%s %d", kindTitle(kind), m.counters[kind])
	}
	snap := schema.SessionSnapshot{
		ID:        newSessionID(),
		Title:     title,
		Kind:      kind,
		Status:    schema.SessionNotStarted,
		InitState: schema.InitStarting,
		CreatedAt: m.now(),
	}
	old := m.state.Load()
	next := &sessionState{
		sessions: make([]schema.SessionSnapshot, 0, len(old.sessions)+1),
		current:  snap.ID,
	}
	next.sessions = append(next.sessions, old.sessions...)
	next.sessions = append(next.sessions, snap)
	rt := newSessionRuntime(snap.ID, kind)
	m.runtimes[snap.ID] = rt
	m.state.Store(next)
	return snap.Clone(), rt
}

func kindTitle(kind schema.TerminalKind) string {
	switch kind {
	case schema.TerminalSSH:
		return "SSH"
	default:
		return "Local"
	}
}

// switchTo focuses id. It reports false when id is unknown.
func (m *sessionManager) switchTo(id schema.SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.state.Load()
	if old.index(id) < 0 {
		return false
	}
	if old.current == id {
		return true
	}
	m.state.Store(&sessionState{sessions: old.sessions, current: id})
	return true
}

// update applies fn to a copy of the session record and publishes the result.
// fn must replace slices and pointers it changes rather than mutate them in place.
func (m *sessionManager) update(id schema.SessionID, fn func(*schema.SessionSnapshot)) (schema.SessionSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.state.Load()
	idx := old.index(id)
	if idx < 0 {
		return schema.SessionSnapshot{}, false
	}
	rec := old.sessions[idx]
	fn(&rec)
	rec.ID = id
	sessions := make([]schema.SessionSnapshot, len(old.sessions))
	copy(sessions, old.sessions)
	sessions[idx] = rec
	m.state.Store(&sessionState{sessions: sessions, current: old.current})
	return rec, true
}

// get returns a deep copy of the session record.
func (m *sessionManager) get(id schema.SessionID) (schema.SessionSnapshot, bool) {
	st := m.state.Load()
	idx := st.index(id)
	if idx < 0 {
		return schema.SessionSnapshot{}, false
	}
	return st.sessions[idx].Clone(), true
}

// peek returns the shared record without copying. Callers must not mutate it.
func (m *sessionManager) peek(id schema.SessionID) (schema.SessionSnapshot, bool) {
	st := m.state.Load()
	idx := st.index(id)
	if idx < 0 {
		return schema.SessionSnapshot{}, false
	}
	return st.sessions[idx], true
}

func (m *sessionManager) current() schema.SessionID {
	return m.state.Load().current
}

// resolve returns id, or the focused session when id is empty.
func (m *sessionManager) resolve(id schema.SessionID) (schema.SessionID, error) {
	st := m.state.Load()
	if id == "" {
		if st.current == "" {
			return "", schema.ErrNoSessions
		}
		return st.current, nil
	}
	if st.index(id) < 0 {
		return "", schema.ErrSessionNotFound
	}
	return id, nil
}

func (m *sessionManager) list() ([]schema.SessionSnapshot, schema.SessionID) {
	st := m.state.Load()
	out := make([]schema.SessionSnapshot, len(st.sessions))
	for i := range st.sessions {
		out[i] = st.sessions[i].Clone()
	}
	return out, st.current
}

func (m *sessionManager) runtime(id schema.SessionID) (*sessionRuntime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[id]
	return rt, ok
}

func (m *sessionManager) runtimesSnapshot() []*sessionRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sessionRuntime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt)
	}
	return out
}

// remove drops the session and moves focus to the first remaining session
// when the removed one was focused.
func (m *sessionManager) remove(id schema.SessionID) (schema.SessionSnapshot, schema.SessionID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runtimes, id)
	old := m.state.Load()
	idx := old.index(id)
	if idx < 0 {
		return schema.SessionSnapshot{}, old.current, false
	}
	removed := old.sessions[idx]
	sessions := make([]schema.SessionSnapshot, 0, len(old.sessions)-1)
	sessions = append(sessions, old.sessions[:idx]...)
	sessions = append(sessions, old.sessions[idx+1:]...)
	current := old.current
	if current == id {
		current = ""
		if len(sessions) > 0 {
			current = sessions[0].ID
		}
	}
	m.state.Store(&sessionState{sessions: sessions, current: current})
	return removed, current, true
}

// close tears down the runtime handles of id and removes it from the collection.
// Closing an unknown or already closed session is a no-op.
func (m *sessionManager) close(ctx context.Context, id schema.SessionID) (schema.SessionSnapshot, schema.SessionID, bool, error) {
	rt, ok := m.runtime(id)
	var err error
	if ok {
		err = rt.shutdown(ctx)
	}
	removed, current, ok := m.remove(id)
	return removed, current, ok, err
}

// sessionRuntime holds the handles exclusively owned by one session.
type sessionRuntime struct {
	id   schema.SessionID
	kind schema.TerminalKind

	// dispatchMu guards the execute-or-queue decision and every write to channel.
	dispatchMu sync.Mutex

	mu       sync.Mutex
	channel  Channel
	provider Provider
	cancel   context.CancelFunc

	readDone  chan struct{}
	wake      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	failed    chan error
	failOnce  sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

func newSessionRuntime(id schema.SessionID, kind schema.TerminalKind) *sessionRuntime {
	return &sessionRuntime{
		id:       id,
		kind:     kind,
		readDone: make(chan struct{}),
		wake:     make(chan struct{}, 1),
		ready:    make(chan struct{}),
		failed:   make(chan error, 1),
	}
}

// attach records the provider channel. It fails once the runtime was closed.
func (rt *sessionRuntime) attach(provider Provider, channel Channel, cancel context.CancelFunc) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed.Load() {
		return schema.ErrSessionClosed
	}
	rt.provider = provider
	rt.channel = channel
	rt.cancel = cancel
	return nil
}

func (rt *sessionRuntime) handles() (Channel, Provider) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.channel, rt.provider
}

// kick asks the dispatcher to look at the queue. It never blocks.
func (rt *sessionRuntime) kick() {
	select {
	case rt.wake <- struct{}{}:
	default:
	}
}

func (rt *sessionRuntime) markReady() {
	rt.readyOnce.Do(func() { close(rt.ready) })
}

func (rt *sessionRuntime) fail(err error) {
	rt.failOnce.Do(func() { rt.failed <- err })
}

// write sends p to the channel. Callers hold dispatchMu.
func (rt *sessionRuntime) write(p []byte) error {
	if rt.closed.Load() {
		return schema.ErrSessionClosed
	}
	channel, _ := rt.handles()
	if channel == nil {
		return schema.ErrProviderUnavailable
	}
	_, err := channel.Write(p)
	return err
}

func (rt *sessionRuntime) mode() (schema.PtyMode, bool) {
	channel, _ := rt.handles()
	if channel == nil || rt.closed.Load() {
		return schema.PtyMode{}, false
	}
	mode, err := channel.Mode()
	if err != nil {
		return schema.PtyMode{}, false
	}
	return mode, true
}

// shutdown cancels the read loop, closes the channel and asks the provider
// to release the session. It runs once; later calls return nil.
func (rt *sessionRuntime) shutdown(ctx context.Context) error {
	var err error
	rt.closeOnce.Do(func() {
		rt.mu.Lock()
		rt.closed.Store(true)
		channel, provider, cancel := rt.channel, rt.provider, rt.cancel
		rt.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		var errs []error
		if channel != nil {
			if cerr := channel.Close(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		if provider != nil {
			if perr := provider.CloseSession(ctx, rt.id); perr != nil {
				errs = append(errs, perr)
			}
		}
		rt.fail(schema.ErrSessionClosed)
		err = errors.Join(errs...)
	})
	return err
}

package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventCommand carries command output and completion.
	EventCommand EventType = "command"
	// EventDirectory carries working directory changes.
	EventDirectory EventType = "directory"
	// EventOutput carries raw terminal bytes.
	EventOutput EventType = "output"
	// EventSession carries session lifecycle updates.
	EventSession EventType = "session"
)

// Event represents a client-facing event emitted by the terminal manager.
type Event struct {
	Type      EventType
	Command   schema.CommandExecutionEvent
	Directory schema.SessionDirectoryEvent
	Output    schema.TerminalOutputEvent
	Session   schema.SessionEvent
}

// SessionID reports the session an event belongs to.
func (e Event) SessionID() schema.SessionID {
	switch e.Type {
	case EventCommand:
		return e.Command.SessionID
	case EventDirectory:
		return e.Directory.SessionID
	case EventOutput:
		return e.Output.SessionID
	default:
		return e.Session.Session.ID
	}
}

// Bus fans events out to per-session subscribers. Subscribers registered
// with an empty session id receive every event. A subscriber whose buffer is
// full is dropped and its channel closed, so a consumer either sees every
// event in order or sees the close and resubscribes.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SessionID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SessionID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the session and returns a channel + cancel.
func (b *Bus) Subscribe(sessionID schema.SessionID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	sessionSubs := b.subs[sessionID]
	if sessionSubs == nil {
		sessionSubs = make(map[chan Event]struct{})
		b.subs[sessionID] = sessionSubs
	}
	sessionSubs[ch] = struct{}{}
	count := len(sessionSubs)
	b.mu.Unlock()
	b.log.With("session", sessionID).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.removeLocked(sessionID, ch)
			b.mu.Unlock()
			b.log.With("session", sessionID).Debug("eventbus unsubscribe")
		})
	}
}

// OnCommandExecution publishes a command event.
func (b *Bus) OnCommandExecution(event schema.CommandExecutionEvent) {
	b.publish(Event{Type: EventCommand, Command: event})
}

// OnSessionDirectory publishes a directory event.
func (b *Bus) OnSessionDirectory(event schema.SessionDirectoryEvent) {
	b.publish(Event{Type: EventDirectory, Directory: event})
}

// OnTerminalOutput publishes raw terminal output.
func (b *Bus) OnTerminalOutput(event schema.TerminalOutputEvent) {
	b.publish(Event{Type: EventOutput, Output: event})
}

// OnSessionEvent publishes a session lifecycle event.
func (b *Bus) OnSessionEvent(event schema.SessionEvent) {
	b.publish(Event{Type: EventSession, Session: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	sessionID := event.SessionID()
	type target struct {
		filter schema.SessionID
		ch     chan Event
	}
	b.mu.Lock()
	subs := make([]target, 0, len(b.subs[sessionID])+len(b.subs[""]))
	for sub := range b.subs[sessionID] {
		subs = append(subs, target{sessionID, sub})
	}
	if sessionID != "" {
		for sub := range b.subs[""] {
			subs = append(subs, target{"", sub})
		}
	}
	evicted := 0
	// Sends happen under the lock so a concurrent cancel cannot close a channel mid-send.
	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			b.removeLocked(sub.filter, sub.ch)
			evicted++
		}
	}
	b.mu.Unlock()
	if evicted > 0 {
		b.log.With("session", sessionID).Warn("eventbus subscriber lagging, dropped", "type", event.Type, "count", evicted)
	}
}

// removeLocked unregisters and closes ch if it is still subscribed.
func (b *Bus) removeLocked(filter schema.SessionID, ch chan Event) {
	subs := b.subs[filter]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(b.subs, filter)
	}
}

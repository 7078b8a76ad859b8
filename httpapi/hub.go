package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq       uint64                        `json:"seq"`
	Type      string                        `json:"type"`
	SessionID schema.SessionID              `json:"session_id,omitempty"`
	Command   *schema.CommandExecutionEvent `json:"command,omitempty"`
	Directory string                        `json:"directory,omitempty"`
	Session   *schema.SessionEvent          `json:"session,omitempty"`
	Snapshot  *SnapshotPayload              `json:"snapshot,omitempty"`
	Timestamp time.Time                     `json:"timestamp"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	Sessions []schema.SessionSnapshot `json:"sessions"`
	Current  schema.SessionID         `json:"current"`
}

const (
	StreamCommand   = "command"
	StreamDirectory = "directory"
	StreamSession   = "session"
	StreamSnapshot  = "snapshot"
	// StreamGap tells a client that events were lost and it should refetch state.
	StreamGap = "gap"
)

// Hub sequences command, directory and session events for SSE clients and
// keeps a bounded history for Last-Event-ID replay. Raw terminal bytes are
// not recorded; they are served by the websocket attach endpoint. A
// subscriber that falls behind is closed instead of skipped; it recovers the
// missed events from the history.
type Hub struct {
	mu          sync.Mutex
	seq         uint64
	history     []StreamEvent
	subs        map[chan StreamEvent]schema.SessionID
	historySize int
	depth       int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		subs:        make(map[chan StreamEvent]schema.SessionID),
		historySize: historySize,
		depth:       256,
	}
}

// OnCommandExecution implements core.EventSink.
func (h *Hub) OnCommandExecution(event schema.CommandExecutionEvent) {
	logx.WithSession(context.Background(), event.SessionID).Trace("hub command event", "command", event.CommandID, "completed", event.IsCompleted)
	h.publish(StreamEvent{
		Type:      StreamCommand,
		SessionID: event.SessionID,
		Command:   &event,
		Timestamp: time.Now(),
	})
}

// OnSessionDirectory implements core.EventSink.
func (h *Hub) OnSessionDirectory(event schema.SessionDirectoryEvent) {
	h.publish(StreamEvent{
		Type:      StreamDirectory,
		SessionID: event.SessionID,
		Directory: event.CurrentDirectory,
		Timestamp: time.Now(),
	})
}

// OnTerminalOutput implements core.EventSink. Raw output is not streamed over SSE.
func (h *Hub) OnTerminalOutput(schema.TerminalOutputEvent) {}

// OnSessionEvent implements core.EventSink.
func (h *Hub) OnSessionEvent(event schema.SessionEvent) {
	logx.WithSession(context.Background(), event.Session.ID).Trace("hub session event", "type", event.Type, "current", event.Current)
	h.publish(StreamEvent{
		Type:      StreamSession,
		SessionID: event.Session.ID,
		Session:   &event,
		Timestamp: event.Timestamp,
	})
}

// Subscribe registers a subscriber. An empty sessionID receives every event.
func (h *Hub) Subscribe(sessionID schema.SessionID) (<-chan StreamEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, h.depth)
	h.subs[ch] = sessionID
	log := logx.WithSession(context.Background(), sessionID)
	log.Info("hub subscribe", "subs", len(h.subs), "history", len(h.history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			remaining := len(h.subs)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub
}

// Replay returns events after the provided seq that match sessionID.
func (h *Hub) Replay(sessionID schema.SessionID, after uint64) []StreamEvent {
	events, _ := h.ReplayFrom(sessionID, after)
	return events
}

// ReplayFrom is Replay that also reports whether the history still reaches
// back to after; false means events were lost.
func (h *Hub) ReplayFrom(sessionID schema.SessionID, after uint64) ([]StreamEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]StreamEvent, 0, len(h.history))
	for _, event := range h.history {
		if event.Seq > after && matches(sessionID, event) {
			events = append(events, event)
		}
	}
	complete := h.seq <= after
	if len(h.history) > 0 {
		complete = h.history[0].Seq <= after+1
	}
	logx.WithSession(context.Background(), sessionID).Debug("hub replay", "after", after, "count", len(events), "complete", complete)
	return events, complete
}

// Seq reports the sequence number of the latest event.
func (h *Hub) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

func matches(filter schema.SessionID, event StreamEvent) bool {
	return filter == "" || event.SessionID == filter
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	h.seq++
	event.Seq = h.seq
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	evicted := 0
	for sub, filter := range h.subs {
		if !matches(filter, event) {
			continue
		}
		select {
		case sub <- event:
		default:
			delete(h.subs, sub)
			close(sub)
			evicted++
		}
	}
	h.mu.Unlock()
	if evicted > 0 {
		logx.WithSession(context.Background(), event.SessionID).Warn("hub subscriber lagging, closed", "type", event.Type, "seq", event.Seq, "count", evicted)
	}
}

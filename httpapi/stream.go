package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

const streamHeartbeat = 15 * time.Second

// handleStream serves sequenced events as SSE. Clients resume with
// Last-Event-ID (or ?last_event_id=) and may filter with ?session_id=.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	ctx := r.Context()
	filter := sessionParam(r)
	log := logx.WithSession(ctx, filter)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("last_event_id"))
	}

	// The snapshot covers everything up to head for fresh clients.
	head := s.hub.Seq()
	// Subscribe before replaying so nothing published in between is lost.
	ch, unsubscribe := s.hub.Subscribe(filter)
	defer func() { unsubscribe() }()

	snapshot := s.buildSnapshot(r)
	_ = writeSSEvent(w, StreamEvent{
		Type:      StreamSnapshot,
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	sent := head
	replayCount := 0
	if lastID > 0 {
		sent = lastID
		replayCount = s.replay(w, filter, &sent)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	log.Info("http stream opened", "last_id", lastID, "replay", replayCount, "sessions", len(snapshot.Sessions))
	for {
		select {
		case <-ctx.Done():
			log.Info("http stream closed")
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				// The hub closed a lagging subscription; resume from history.
				ch, unsubscribe = s.hub.Subscribe(filter)
				n := s.replay(w, filter, &sent)
				flusher.Flush()
				log.Warn("http stream resubscribed", "replay", n, "seq", sent)
				continue
			}
			if event.Seq <= sent {
				continue
			}
			sent = event.Seq
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

// replay writes the history after *sent, preceded by a gap event when the
// history no longer reaches back that far, and advances *sent.
func (s *Server) replay(w http.ResponseWriter, filter schema.SessionID, sent *uint64) int {
	events, complete := s.hub.ReplayFrom(filter, *sent)
	if !complete {
		_ = writeSSEvent(w, StreamEvent{Type: StreamGap, SessionID: filter, Timestamp: time.Now()})
	}
	for _, event := range events {
		_ = writeSSEvent(w, event)
		*sent = event.Seq
	}
	return len(events)
}

func (s *Server) buildSnapshot(r *http.Request) SnapshotPayload {
	resp, err := s.terminals.ListSessions(r.Context(), schema.ListSessionsRequest{})
	if err != nil {
		return SnapshotPayload{}
	}
	return SnapshotPayload{Sessions: resp.Sessions, Current: resp.Current}
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/ttyx/internal/eventbus"
	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

const (
	attachWriteWait  = 10 * time.Second
	attachPongWait   = 60 * time.Second
	attachPingPeriod = attachPongWait * 9 / 10
)

// AttachControl is a text frame sent by attach clients. Binary frames carry
// raw keystrokes.
type AttachControl struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

const (
	AttachInput     = "input"
	AttachResize    = "resize"
	AttachInterrupt = "interrupt"
)

var errAttachUnavailable = errors.New("attach requires the event bus")

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// handleAttach bridges a websocket to the raw byte stream of a session.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, errAttachUnavailable)
		return
	}
	ctx := r.Context()
	got, err := s.terminals.GetSession(ctx, schema.GetSessionRequest{SessionID: sessionParam(r)})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	id := got.Session.ID
	log := logx.WithSession(ctx, id)

	// Subscribe before the upgrade so no output is lost while the scrollback is sent.
	events, unsubscribe := s.bus.Subscribe(id)
	defer unsubscribe()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("http attach upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	log.Info("http attach opened")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.attachReader(ctx, cancel, conn, id)

	if back, err := s.terminals.GetScrollback(ctx, schema.GetScrollbackRequest{SessionID: id, Limit: s.cfg.ScrollbackLines}); err == nil && len(back.Scrollback.Lines) > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(attachWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte(strings.Join(back.Scrollback.Lines, "\r\n")+"\r\n")); err != nil {
			return
		}
	}

	ping := time.NewTicker(attachPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("http attach closed")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(attachWriteWait)); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				// The bus dropped this subscriber for falling behind.
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "output backlog, reattach")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(attachWriteWait))
				log.Warn("http attach ended", "reason", "lagging")
				return
			}
			switch event.Type {
			case eventbus.EventOutput:
				_ = conn.SetWriteDeadline(time.Now().Add(attachWriteWait))
				if err := conn.WriteMessage(websocket.BinaryMessage, event.Output.Data); err != nil {
					log.Debug("http attach write failed", "err", err)
					return
				}
			case eventbus.EventSession:
				if event.Session.Type == schema.SessionEventClosed {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(attachWriteWait))
					log.Info("http attach ended", "reason", "session closed")
					return
				}
			}
		}
	}
}

func (s *Server) attachReader(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id schema.SessionID) {
	defer cancel()
	log := logx.WithSession(ctx, id)
	_ = conn.SetReadDeadline(time.Now().Add(attachPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(attachPongWait))
	})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("http attach read failed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(attachPongWait))
		if kind == websocket.BinaryMessage {
			if _, err := s.terminals.SendInput(ctx, schema.SendInputRequest{SessionID: id, Input: string(data)}); err != nil {
				log.Debug("http attach input failed", "err", err)
				return
			}
			continue
		}
		var ctl AttachControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			log.Debug("http attach control invalid", "err", err)
			continue
		}
		switch ctl.Type {
		case AttachInput:
			_, err = s.terminals.SendInput(ctx, schema.SendInputRequest{SessionID: id, Input: ctl.Data})
		case AttachResize:
			_, err = s.terminals.ResizeSession(ctx, schema.ResizeSessionRequest{SessionID: id, Rows: ctl.Rows, Cols: ctl.Cols})
		case AttachInterrupt:
			_, err = s.terminals.SendInterrupt(ctx, schema.SendInterruptRequest{SessionID: id})
		default:
			log.Debug("http attach control unknown", "type", ctl.Type)
		}
		if err != nil {
			log.Debug("http attach control failed", "type", ctl.Type, "err", err)
			if errors.Is(err, schema.ErrSessionNotFound) {
				return
			}
		}
	}
}

package httpapi

import (
	"net/http"

	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logx.Ctx(ctx)
	switch r.Method {
	case http.MethodGet:
		if id := sessionParam(r); id != "" {
			resp, err := s.terminals.GetSession(ctx, schema.GetSessionRequest{SessionID: id})
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp, err := s.terminals.ListSessions(ctx, schema.ListSessionsRequest{})
		if err != nil {
			log.Warn("http sessions list failed", "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		log.Debug("http sessions list ok", "count", len(resp.Sessions))
	case http.MethodPost:
		var req schema.CreateSessionRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			log.Warn("http sessions decode failed", "err", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := s.terminals.CreateSession(ctx, req)
		if err != nil {
			log.Warn("http sessions create failed", "kind", req.Kind, "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		logx.WithSession(ctx, resp.Session.ID).Info("http sessions create ok", "kind", resp.Session.Kind)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.SwitchSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.terminals.SwitchToSession(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !resp.Switched {
		writeJSON(w, http.StatusNotFound, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.CloseSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.terminals.CloseSession(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	logx.WithSession(r.Context(), req.SessionID).Info("http sessions close ok", "closed", resp.Closed, "current", resp.Current)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.ResizeSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.terminals.ResizeSession(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.SendCommandRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log := logx.WithSession(r.Context(), req.SessionID).With("command_len", len(req.Command))
	resp, err := s.terminals.SendCommand(r.Context(), req)
	if err != nil {
		log.Warn("http command failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http command ok", "command", resp.CommandID, "queued", resp.Queued, "raw", resp.Raw)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.SendInputRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.terminals.SendInput(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.SendInterruptRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.terminals.SendInterrupt(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	logx.WithSession(r.Context(), resp.SessionID).Info("http interrupt ok")
}

// handleScroll returns the scrollback window on GET and stores the offset on POST.
func (s *Server) handleScroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		resp, err := s.terminals.GetScrollback(ctx, schema.GetScrollbackRequest{
			SessionID: sessionParam(r),
			Limit:     parseInt(r.URL.Query().Get("limit"), s.cfg.ScrollbackLines),
		})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req schema.SaveScrollOffsetRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := s.terminals.SaveScrollOffset(ctx, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if !resp.Saved {
			writeJSON(w, http.StatusNotFound, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req schema.FileRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log := logx.WithSession(r.Context(), req.SessionID).With("op", req.Op)
	resp, err := s.terminals.Files(r.Context(), req)
	if err != nil {
		log.Warn("http files failed", "path", req.Path, "err", err)
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http files ok", "path", req.Path)
}

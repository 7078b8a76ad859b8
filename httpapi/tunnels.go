package httpapi

import (
	"errors"
	"net/http"

	"pkt.systems/ttyx/internal/logx"
	"pkt.systems/ttyx/schema"
)

var errTunnelsDisabled = errors.New("tunnels are not configured")

type connectionPayload struct {
	ConnectionID schema.ConnectionID `json:"connection_id,omitempty"`
}

func (s *Server) tunnelsReady(w http.ResponseWriter) bool {
	if s.tunnels == nil {
		writeError(w, http.StatusServiceUnavailable, errTunnelsDisabled)
		return false
	}
	return true
}

func (s *Server) handleTunnels(w http.ResponseWriter, r *http.Request) {
	if !s.tunnelsReady(w) {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"connections": s.tunnels.ListConnections(),
			"current":     s.tunnels.Current(),
		})
	case http.MethodPost:
		params := schema.DefaultConnectionParams()
		if err := decodeJSON(r.Body, &params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id, err := s.tunnels.Connect(ctx, params)
		if err != nil {
			logx.Ctx(ctx).Warn("http tunnel connect failed", "host", params.Host, "err", err)
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, connectionPayload{ConnectionID: id})
		logx.WithConnection(ctx, id).Info("http tunnel connect ok")
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.tunnelsReady(w) {
		return
	}
	var payload connectionPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := payload.ConnectionID
	if id == "" {
		id = s.tunnels.Current()
	}
	if id == "" {
		writeError(w, http.StatusNotFound, schema.ErrNoConnection)
		return
	}
	paths, err := s.tunnels.MountStorage(r.Context(), id)
	if err != nil {
		logx.WithConnection(r.Context(), id).Warn("http tunnel mount failed", "err", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection_id": id, "mounted_paths": paths})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.tunnelsReady(w) {
		return
	}
	var payload connectionPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.tunnels.Disconnect(r.Context(), payload.ConnectionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "current": s.tunnels.Current()})
	logx.WithConnection(r.Context(), payload.ConnectionID).Info("http tunnel disconnect ok")
}

func (s *Server) handleTunnelSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.tunnelsReady(w) {
		return
	}
	var payload connectionPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.tunnels.SwitchConnection(payload.ConnectionID) {
		writeError(w, http.StatusNotFound, schema.ErrConnectionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "current": s.tunnels.Current()})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.tunnelsReady(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.tunnels.ServerInfo())
}

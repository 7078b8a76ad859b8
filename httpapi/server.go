package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/ttyx/core"
	"pkt.systems/ttyx/internal/eventbus"
	"pkt.systems/ttyx/internal/tunnel"
	"pkt.systems/ttyx/schema"
)

// Tunnels is the tunnel surface exposed over HTTP.
type Tunnels interface {
	Connect(ctx context.Context, params schema.ConnectionParams) (schema.ConnectionID, error)
	Disconnect(ctx context.Context, id schema.ConnectionID) error
	MountStorage(ctx context.Context, id schema.ConnectionID) ([]string, error)
	ListConnections() []schema.ConnectionInfo
	SwitchConnection(id schema.ConnectionID) bool
	Current() schema.ConnectionID
	ServerInfo() schema.EmbeddedServerInfo
}

// Deps wires the server to the engine.
type Deps struct {
	Terminals core.TerminalManager
	Tunnels   Tunnels
	Hub       *Hub
	Bus       *eventbus.Bus
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Registerer receives the per-route request collectors when set.
	Registerer prometheus.Registerer
}

// Server serves the HTTP API.
type Server struct {
	cfg       Config
	terminals core.TerminalManager
	tunnels   Tunnels
	hub       *Hub
	bus       *eventbus.Bus
	gatherer  prometheus.Gatherer
	requests  *requestMetrics
	basePath  string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) *Server {
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(cfg.HistorySize)
	}
	return &Server{
		cfg:       cfg,
		terminals: deps.Terminals,
		tunnels:   deps.Tunnels,
		hub:       hub,
		bus:       deps.Bus,
		gatherer:  deps.Gatherer,
		requests:  newRequestMetrics(deps.Registerer),
		basePath:  normalizeBasePath(cfg.BasePath),
	}
}

// Hub returns the SSE hub; register it as an event sink of the terminal manager.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/switch", s.handleSwitch)
	mux.HandleFunc("/api/sessions/close", s.handleClose)
	mux.HandleFunc("/api/sessions/resize", s.handleResize)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/input", s.handleInput)
	mux.HandleFunc("/api/interrupt", s.handleInterrupt)
	mux.HandleFunc("/api/scroll", s.handleScroll)
	mux.HandleFunc("/api/files", s.handleFiles)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/attach", s.handleAttach)

	mux.HandleFunc("/api/tunnels", s.handleTunnels)
	mux.HandleFunc("/api/tunnels/mount", s.handleMount)
	mux.HandleFunc("/api/tunnels/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/tunnels/switch", s.handleTunnelSwitch)
	mux.HandleFunc("/api/server", s.handleServerInfo)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	handler := withRequestLogging(mux, s.requests)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var serr *core.SessionError
	var terr *tunnel.TunnelError
	switch {
	case errors.Is(err, schema.ErrSessionNotFound),
		errors.Is(err, schema.ErrNoSessions),
		errors.Is(err, schema.ErrConnectionNotFound),
		errors.Is(err, schema.ErrNoConnection):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrInvalidTerminalKind),
		errors.Is(err, schema.ErrEmptyCommand),
		errors.Is(err, schema.ErrInvalidConnectionParams):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrBringUpTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, schema.ErrProviderUnavailable),
		errors.Is(err, schema.ErrFileSystemUnavailable),
		errors.Is(err, schema.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, schema.ErrReverseTunnelDisabled),
		errors.Is(err, schema.ErrSSHFSMissing),
		errors.Is(err, schema.ErrConnectionInUse):
		return http.StatusConflict
	case errors.As(err, &terr):
		switch terr.Kind {
		case tunnel.ErrorAuth:
			return http.StatusUnauthorized
		default:
			return http.StatusBadGateway
		}
	case errors.As(err, &serr):
		if serr.Kind == core.SessionErrorNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func sessionParam(r *http.Request) schema.SessionID {
	return schema.SessionID(strings.TrimSpace(r.URL.Query().Get("session_id")))
}

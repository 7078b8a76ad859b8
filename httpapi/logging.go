package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/pslog"
)

// statusWriter captures the response status and size for request logs.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.size += int64(n)
	return n, err
}

// Flush keeps SSE streaming through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestMetrics counts API requests per mux pattern. A nil *requestMetrics records nothing.
type requestMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newRequestMetrics(reg prometheus.Registerer) *requestMetrics {
	if reg == nil {
		return nil
	}
	m := &requestMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ttyx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ttyx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API latency for request/response routes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

func (m *requestMetrics) observe(route, method string, status int, elapsed time.Duration, streaming bool) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	if !streaming {
		m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
	}
}

// streamingRoutes stay open for the lifetime of a client.
var streamingRoutes = map[string]bool{
	"/api/stream": true,
	"/api/attach": true,
}

func withRequestLogging(next http.Handler, metrics *requestMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := pslog.Ctx(r.Context()).With("remote", remoteAddr(r), "method", r.Method, "path", r.URL.Path)
		if id := r.URL.Query().Get("session_id"); id != "" {
			log = log.With("session", id)
		}
		streaming := streamingRoutes[r.URL.Path]
		if streaming {
			log.Debug("http stream open", "ua", r.UserAgent())
		}

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.observe(route, r.Method, status, elapsed, streaming)

		fields := []any{"status", status, "bytes", sw.size, "duration_ms", elapsed.Milliseconds()}
		switch {
		case route == "/metrics":
			log.Debug("http request", fields...)
		case status >= http.StatusInternalServerError:
			log.Warn("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	})
}

// remoteAddr prefers the first X-Forwarded-For hop.
func remoteAddr(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

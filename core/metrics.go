package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pkt.systems/ttyx/schema"
)

// Metrics holds the terminal manager's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive  *prometheus.GaugeVec
	commands        *prometheus.CounterVec
	completions     *prometheus.CounterVec
	bringUp         *prometheus.HistogramVec
	bringUpFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ttyx",
			Name:      "sessions_active",
			Help:      "Number of open terminal sessions.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ttyx",
			Name:      "commands_total",
			Help:      "Commands received, by dispatch path.",
		}, []string{"path"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ttyx",
			Name:      "command_completions_total",
			Help:      "Commands observed to complete, by exit status.",
		}, []string{"status"}),
		bringUp: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ttyx",
			Name:      "session_bring_up_seconds",
			Help:      "Time from session creation to first prompt.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		bringUpFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ttyx",
			Name:      "session_bring_up_failures_total",
			Help:      "Sessions discarded during bring-up.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionsActive, m.commands, m.completions, m.bringUp, m.bringUpFailures)
	}
	return m
}

const (
	dispatchExecuted = "executed"
	dispatchQueued   = "queued"
	dispatchRaw      = "raw"
	dispatchClear    = "clear"
)

func (m *Metrics) sessionOpened(kind schema.TerminalKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) sessionClosed(kind schema.TerminalKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(string(kind)).Dec()
}

func (m *Metrics) command(path string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(path).Inc()
}

func (m *Metrics) completed(exitCode int) {
	if m == nil {
		return
	}
	status := "ok"
	if exitCode != 0 {
		status = "error"
	}
	m.completions.WithLabelValues(status).Inc()
}

func (m *Metrics) bringUpDone(kind schema.TerminalKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bringUp.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) bringUpFailed(kind schema.TerminalKind) {
	if m == nil {
		return
	}
	m.bringUpFailures.WithLabelValues(string(kind)).Inc()
}

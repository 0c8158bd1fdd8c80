package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the session subsystem. A nil *Metrics is a no-op.
//
// Metric naming follows Prometheus conventions:
//   - modeler_session_ prefix
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
type Metrics struct {
	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	waiters         prometheus.Counter
	logins          *prometheus.CounterVec
	state           *prometheus.GaugeVec
}

// Refresh outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomeFailure        = "failure"
	OutcomeNoRefreshToken = "no_refresh_token"
	OutcomeDiscarded      = "discarded"
)

// NewMetrics builds the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeler_session_refreshes_total",
				Help: "Refresh calls made to the backend, by outcome.",
			},
			[]string{"outcome"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "modeler_session_refresh_duration_seconds",
				Help:    "Duration of refresh calls in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		waiters: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "modeler_session_refresh_waiters_total",
				Help: "Callers that joined an in-flight refresh instead of starting one.",
			},
		),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modeler_session_logins_total",
				Help: "Login and register attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "modeler_session_state",
				Help: "1 for the current session state, 0 otherwise.",
			},
			[]string{"state"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.refreshes, m.refreshDuration, m.waiters, m.logins, m.state)
	}
	m.setState(StateAnonymous)
	return m
}

func (m *Metrics) observeRefresh(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.refreshDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) waiterJoined() {
	if m == nil {
		return
	}
	m.waiters.Inc()
}

func (m *Metrics) login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range []State{StateAnonymous, StateAuthenticated, StateRefreshing} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts session lifecycle transitions. A nil *Metrics records nothing.
type Metrics struct {
	active       prometheus.Gauge
	logins       *prometheus.CounterVec
	logouts      *prometheus.CounterVec
	hardLogouts  *prometheus.CounterVec
	forcedClears prometheus.Counter
}

// NewMetrics registers the session metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_sessions_active",
			Help: "Browser sessions currently held in memory",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_logins_total",
			Help: "Interactive sign-in steps by result",
		}, []string{"result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_logouts_total",
			Help: "Sign-outs by kind",
		}, []string{"kind"}),
		hardLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_hard_logouts_total",
			Help: "Forced sign-outs by reason",
		}, []string{"reason"}),
		forcedClears: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "console_session_forced_clears_total",
			Help: "Sessions cleared because the backend answered 401",
		}),
	}
	reg.MustRegister(m.active, m.logins, m.logouts, m.hardLogouts, m.forcedClears)
	return m
}

func (m *Metrics) login(result string) {
	if m != nil {
		m.logins.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) logout(kind string) {
	if m != nil {
		m.logouts.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) hardLogout(reason string) {
	if m != nil {
		m.logouts.WithLabelValues("hard").Inc()
		m.hardLogouts.WithLabelValues(reason).Inc()
	}
}

// ForcedClear counts a 401-triggered clear.
func (m *Metrics) ForcedClear() {
	if m != nil {
		m.forcedClears.Inc()
	}
}

func (m *Metrics) sessions(n int) {
	if m != nil {
		m.active.Set(float64(n))
	}
}

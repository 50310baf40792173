package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "vncrelay_active_connections", Help: "Currently registered client connections"})
	metricActiveSessions    = promauto.NewGauge(prometheus.GaugeOpts{Name: "vncrelay_active_sessions", Help: "Currently open desktop sessions"})
	metricFramesSentTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "vncrelay_frames_sent_total", Help: "Screen update frames sent to clients"})
	metricInputEventsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "vncrelay_input_events_total", Help: "Input events forwarded to session backends"})
	metricErrorsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vncrelay_errors_total", Help: "Errors by type"}, []string{"type"})
)

package ffrtc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for sources and sessions. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	framesTotal      *prometheus.CounterVec
	frameBytesTotal  *prometheus.CounterVec
	transcoders      prometheus.Gauge
	transcoderExits  *prometheus.CounterVec
	discoveryLatency prometheus.Histogram

	sessionsActive     prometheus.Gauge
	stateTransitions   *prometheus.CounterVec
	negotiationLatency prometheus.Histogram
	candidatesTotal    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	const namespace = "ffrtc"

	return &Metrics{
		framesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "frames_total",
			Help:      "Raw frames pushed into media sinks",
		}, []string{"kind"}),
		frameBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "frame_bytes_total",
			Help:      "Raw bytes pushed into media sinks",
		}, []string{"kind"}),
		transcoders: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "transcoders_running",
			Help:      "Number of running transcoder processes",
		}),
		transcoderExits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "transcoder_exits_total",
			Help:      "Transcoder process exits by reason",
		}, []string{"reason"}),
		discoveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "discovery_seconds",
			Help:      "Time from transcoder start to resolved stream parameters",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
		}),

		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions not yet closed",
		}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions",
		}, []string{"from_state", "to_state"}),
		negotiationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "negotiation_seconds",
			Help:      "Time from offer to applied answer",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		candidatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "candidates_total",
			Help:      "ICE candidates relayed by direction",
		}, []string{"direction"}),
	}
}

func (m *Metrics) frame(kind string, n int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(kind).Inc()
	m.frameBytesTotal.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) transcoderStarted() {
	if m == nil {
		return
	}
	m.transcoders.Inc()
}

func (m *Metrics) transcoderExited(reason string) {
	if m == nil {
		return
	}
	m.transcoders.Dec()
	m.transcoderExits.WithLabelValues(reason).Inc()
}

func (m *Metrics) discovered(d time.Duration) {
	if m == nil {
		return
	}
	m.discoveryLatency.Observe(d.Seconds())
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) transition(from, to SessionState) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) negotiated(d time.Duration) {
	if m == nil {
		return
	}
	m.negotiationLatency.Observe(d.Seconds())
}

func (m *Metrics) candidate(direction string) {
	if m == nil {
		return
	}
	m.candidatesTotal.WithLabelValues(direction).Inc()
}

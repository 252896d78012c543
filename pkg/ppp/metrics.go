// This file defines the Prometheus instrumentation for the engine.
package ppp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus metrics. A nil *Metrics is a
// supported no-op.
type Metrics struct {
	framesReceived prometheus.Counter
	framesSent     prometheus.Counter
	fcsErrors      prometheus.Counter
	framesDropped  *prometheus.CounterVec
	negotiations   *prometheus.CounterVec
	authOutcomes   *prometheus.CounterVec
	echoRequests   prometheus.Counter
	echoReplies    prometheus.Counter
}

// NewMetrics creates the engine metrics, registering them with reg when it
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppp_frames_received_total",
			Help: "Valid HDLC frames delivered to the protocol mux",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppp_frames_sent_total",
			Help: "HDLC frames handed to the caller for transmission",
		}),
		fcsErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppp_fcs_errors_total",
			Help: "Frames dropped for FCS mismatch",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppp_frames_dropped_total",
			Help: "Frames dropped before protocol dispatch",
		}, []string{"reason"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppp_negotiations_total",
			Help: "Control protocol negotiation outcomes",
		}, []string{"protocol", "outcome"}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppp_auth_total",
			Help: "PAP authentication outcomes",
		}, []string{"outcome"}),
		echoRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppp_echo_requests_total",
			Help: "LCP Echo-Requests sent",
		}),
		echoReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppp_echo_replies_total",
			Help: "LCP Echo-Replies received",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.framesReceived, m.framesSent, m.fcsErrors, m.framesDropped,
			m.negotiations, m.authOutcomes, m.echoRequests, m.echoReplies,
		)
	}
	return m
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) frameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) fcsError() {
	if m != nil {
		m.fcsErrors.Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) negotiation(protocol, outcome string) {
	if m != nil {
		m.negotiations.WithLabelValues(protocol, outcome).Inc()
	}
}

func (m *Metrics) auth(outcome string) {
	if m != nil {
		m.authOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) echoRequest() {
	if m != nil {
		m.echoRequests.Inc()
	}
}

func (m *Metrics) echoReply() {
	if m != nil {
		m.echoReplies.Inc()
	}
}

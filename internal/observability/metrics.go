package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/battlegrounds/internal/protocol"
	"github.com/danmuck/battlegrounds/internal/protocol/session"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "battlegrounds"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	datagramsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Datagrams read from a transport.",
		},
		[]string{"transport"},
	)
	datagramsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams discarded before or during session handling.",
		},
		[]string{"reason"},
	)
	datagramsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams written to a transport.",
		},
		[]string{"op"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open",
			Help:      "Sessions not yet closed.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		},
		[]string{"from", "to"},
	)
	retransmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "retransmits_total",
			Help:      "Reliable messages sent again after a missed acknowledgment.",
		},
		[]string{"kind"},
	)
	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "delivery_failures_total",
			Help:      "Reliable exchanges abandoned after the retry budget.",
		},
		[]string{"kind"},
	)
	violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_violations_total",
			Help:      "Messages invalid for the session state.",
		},
		[]string{"op"},
	)
	moves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "moves_total",
			Help:      "MOVE_OP outcomes.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			datagramsReceived, datagramsDropped, datagramsSent,
			sessionsActive, sessionTransitions,
			retransmits, deliveryFailures, violations, moves,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordDatagramReceived(transport string) {
	RegisterMetrics()
	datagramsReceived.WithLabelValues(transport).Inc()
}

// RecordDatagramDropped counts a discarded datagram under reason, usually
// protocol.Reason(err) or a session error label.
func RecordDatagramDropped(reason string) {
	RegisterMetrics()
	datagramsDropped.WithLabelValues(reason).Inc()
}

func RecordDatagramSent(op protocol.OpCode) {
	RegisterMetrics()
	datagramsSent.WithLabelValues(op.String()).Inc()
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	sessionsActive.Dec()
}

// SessionObserver feeds session protocol events into the registered metrics.
type SessionObserver struct{}

var _ session.Observer = SessionObserver{}

func (SessionObserver) StateChanged(from, to session.State) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (SessionObserver) Violation(op protocol.OpCode) {
	RegisterMetrics()
	violations.WithLabelValues(op.String()).Inc()
}

func (SessionObserver) Retransmitted(kind string) {
	RegisterMetrics()
	retransmits.WithLabelValues(kind).Inc()
}

func (SessionObserver) DeliveryFailed(kind string) {
	RegisterMetrics()
	deliveryFailures.WithLabelValues(kind).Inc()
}

func (SessionObserver) MoveApplied() {
	RegisterMetrics()
	moves.WithLabelValues("applied").Inc()
}

func (SessionObserver) MoveDropped(reason string) {
	RegisterMetrics()
	moves.WithLabelValues(reason).Inc()
}

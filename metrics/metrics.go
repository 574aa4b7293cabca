package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connect attempt results
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector holds the Prometheus metrics of a reconnecting worker
type Collector struct {
	// Connection metrics
	ConnectAttempts *prometheus.CounterVec
	Reconnects      prometheus.Counter
	ChannelFailures prometheus.Counter

	// Inbound metrics
	DeliveriesReceived prometheus.Counter
	DeliveriesAcked    prometheus.Counter

	// Outbound metrics
	ResponsesQueued    prometheus.Counter
	ResponsesPublished prometheus.Counter
	ResponsesFailed    prometheus.Counter
	MessagesReturned   prometheus.Counter
	OutboundDepth      prometheus.Gauge

	// Worker metrics
	WorkerState prometheus.Gauge
}

// NewCollector registers the worker metrics with reg under namespace. A nil
// reg registers with the default registry.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "amqpkit"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		// Connection metrics
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Broker connect attempts by result",
		}, []string{"result"}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Successful connects after a lost connection",
		}),
		ChannelFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_failures_total",
			Help:      "Failed receives, including channels closed by the broker",
		}),

		// Inbound metrics
		DeliveriesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_received_total",
			Help:      "Deliveries handed to the receive callback",
		}),
		DeliveriesAcked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_acked_total",
			Help:      "Deliveries the receive callback accepted",
		}),

		// Outbound metrics
		ResponsesQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_queued_total",
			Help:      "Responses accepted by PushResponse",
		}),
		ResponsesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_published_total",
			Help:      "Responses handed to the broker",
		}),
		ResponsesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_failed_total",
			Help:      "Response publish attempts that failed and were kept for retry",
		}),
		MessagesReturned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_returned_total",
			Help:      "Messages the broker returned as unroutable",
		}),
		OutboundDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_depth",
			Help:      "Responses waiting to be published",
		}),

		// Worker metrics
		WorkerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "Worker state: 0 disconnected, 1 connecting, 2 connected",
		}),
	}
}

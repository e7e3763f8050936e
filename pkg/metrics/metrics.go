package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Dispatch lifecycle
	Dispatches       *prometheus.CounterVec
	DispatchRetries  prometheus.Counter
	DeliveryDuration prometheus.Histogram
	ProviderSends    *prometheus.CounterVec

	// Trigger watcher
	TriggersScheduled prometheus.Counter
	TriggersFired     prometheus.Counter
	WatcherErrors     prometheus.Counter

	// Inbound queue
	InboundMessages *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates all application metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatches that reached a status, by status",
		}, []string{"status"}),
		DispatchRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_retries_total",
			Help:      "Delivery attempts retried after a transient provider failure",
		}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_delivery_duration_seconds",
			Help:      "Time from acquiring a dispatch to its terminal status",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		ProviderSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_sends_total",
			Help:      "Provider calls by provider and result",
		}, []string{"provider", "result"}),

		TriggersScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_scheduled_total",
			Help:      "Triggers registered for deferred dispatches",
		}),
		TriggersFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Triggers claimed and handed to the fire callback",
		}),
		WatcherErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_watcher_errors_total",
			Help:      "Failed polls of the trigger store",
		}),

		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound queue messages by type and outcome",
		}, []string{"type", "result"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// NewTestMetrics returns metrics bound to a private registry.
func NewTestMetrics() *Metrics {
	return NewMetrics("iris", prometheus.NewRegistry())
}

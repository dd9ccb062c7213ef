package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every locstream collector plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	// PublishedTotal counts records acknowledged by the broker.
	PublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "published_total",
			Help:      "Location updates acknowledged by the broker.",
		},
		[]string{"partition"},
	)

	PublishRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "publish_retries_total",
			Help:      "Produce attempts retried after a broker rejection or timeout.",
		},
	)

	PublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "publish_failures_total",
			Help:      "Publishes abandoned after exhausting retries.",
		},
	)

	BackpressureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "backpressure_total",
			Help:      "Publishes refused because the in-flight window was full.",
		},
	)

	// InFlight is the number of publishes awaiting a broker ack.
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "locstream",
			Name:      "publish_inflight",
			Help:      "Publishes awaiting a broker acknowledgement.",
		},
	)

	ValidationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "validation_errors_total",
			Help:      "Updates rejected at publish time.",
		},
		[]string{"field"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "decode_errors_total",
			Help:      "Records that could not be decoded.",
		},
		[]string{"kind"},
	)

	DeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "deadlettered_total",
			Help:      "Records sent to the dead-letter sink.",
		},
		[]string{"result"},
	)

	DuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "duplicates_total",
			Help:      "Redelivered records suppressed by sequence.",
		},
		[]string{"partition"},
	)

	DeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "delivered_total",
			Help:      "Updates handed to a handler.",
		},
		[]string{"handler"},
	)

	HandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error or panicked.",
		},
		[]string{"handler"},
	)

	FetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "fetch_errors_total",
			Help:      "Failed polls of a partition.",
		},
		[]string{"partition"},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "commits_total",
			Help:      "Checkpoint commits by result.",
		},
		[]string{"partition", "result"},
	)

	// CommittedOffset is the last committed offset per partition.
	CommittedOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "locstream",
			Name:      "committed_offset",
			Help:      "Last committed offset per partition.",
		},
		[]string{"partition"},
	)

	BatchLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "locstream",
			Name:      "batch_latency_seconds",
			Help:      "Time to dispatch and commit one polled batch.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	IngressRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "ingress_requests_total",
			Help:      "Ingress requests by transport and status.",
		},
		[]string{"transport", "status"},
	)

	ResponsesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locstream",
			Name:      "responses_dropped_total",
			Help:      "Responses that could not be queued for a client; the connection is closed.",
		},
		[]string{"transport"},
	)

	TrackingClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "locstream",
			Name:      "tracking_clients",
			Help:      "Connected rider tracking websocket clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PublishedTotal,
		PublishRetriesTotal,
		PublishFailuresTotal,
		BackpressureTotal,
		InFlight,
		ValidationErrorsTotal,
		DecodeErrorsTotal,
		DeadLetteredTotal,
		DuplicatesTotal,
		DeliveredTotal,
		HandlerErrorsTotal,
		FetchErrorsTotal,
		CommitsTotal,
		CommittedOffset,
		BatchLatencySeconds,
		IngressRequestsTotal,
		ResponsesDroppedTotal,
		TrackingClients,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

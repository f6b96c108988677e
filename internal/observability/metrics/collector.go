package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus instruments for the pipeline.
type Collector struct {
	registry *prometheus.Registry

	// Bus metrics
	MessagesPublished *prometheus.CounterVec
	MessagesConsumed  *prometheus.CounterVec
	ProcessingTime    *prometheus.HistogramVec
	DLQForwards       *prometheus.CounterVec

	// CDC metrics
	ChangesExtracted *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	WatermarkLag     *prometheus.GaugeVec

	// Assembly metrics
	ActiveBuffers          prometheus.Gauge
	ConversationsAssembled *prometheus.CounterVec
	BufferEvictions        prometheus.Counter
	BreakerTrips           prometheus.Counter
	BreakerOpen            prometheus.Gauge

	// Indexing metrics
	DocumentsIndexed *prometheus.CounterVec
	BatchFlushes     *prometheus.CounterVec
	SearchRequests   *prometheus.HistogramVec

	// Error handling metrics
	ErrorsHandled     *prometheus.CounterVec
	ErrorsRetried     prometheus.Counter
	PermanentFailures prometheus.Counter
}

// NewCollector creates a collector registered on its own registry, so
// multiple instances can coexist in one process.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Messages published to the bus",
			},
			[]string{"topic", "status"},
		),
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_consumed_total",
				Help:      "Messages consumed from the bus",
			},
			[]string{"group", "topic", "status"},
		),
		ProcessingTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_processing_seconds",
				Help:      "Handler processing time per message",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"group", "stage"},
		),
		DLQForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dlq_forwards_total",
				Help:      "Records forwarded to the dead letter queue",
			},
			[]string{"topic"},
		),

		ChangesExtracted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cdc_changes_extracted_total",
				Help:      "Change events extracted from the changelog",
			},
			[]string{"mode"},
		),
		PollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cdc_poll_duration_seconds",
				Help:      "Duration of a full extract-publish-mark cycle",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		WatermarkLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cdc_watermark_lag_seconds",
				Help:      "Age of the CDC watermark relative to wall clock",
			},
			[]string{"mode"},
		),

		ActiveBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assembly_active_buffers",
			Help:      "Conversation buffers currently held in memory",
		}),
		ConversationsAssembled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversations_assembled_total",
				Help:      "Assembled conversations emitted downstream",
			},
			[]string{"reason"},
		),
		BufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembly_buffer_evictions_total",
			Help:      "Buffers evicted due to the in-memory cap",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assembly_breaker_trips_total",
			Help:      "Circuit breaker trips on poisonous records",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "assembly_breaker_open",
			Help:      "1 while the assembly circuit breaker is open",
		}),

		DocumentsIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_indexed_total",
				Help:      "Documents written to the search engine",
			},
			[]string{"status"},
		),
		BatchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_batch_flushes_total",
				Help:      "Index batch flushes by trigger",
			},
			[]string{"trigger"},
		),
		SearchRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_request_seconds",
				Help:      "Search engine request latency",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"operation"},
		),

		ErrorsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_handled_total",
				Help:      "Dead letter records processed by error type",
			},
			[]string{"error_type"},
		),
		ErrorsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_retried_total",
			Help:      "Dead letter records republished for another attempt",
		}),
		PermanentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permanent_failures_total",
			Help:      "Records that exhausted their retry budget",
		}),
	}

	registry.MustRegister(
		c.MessagesPublished,
		c.MessagesConsumed,
		c.ProcessingTime,
		c.DLQForwards,
		c.ChangesExtracted,
		c.PollDuration,
		c.WatermarkLag,
		c.ActiveBuffers,
		c.ConversationsAssembled,
		c.BufferEvictions,
		c.BreakerTrips,
		c.BreakerOpen,
		c.DocumentsIndexed,
		c.BatchFlushes,
		c.SearchRequests,
		c.ErrorsHandled,
		c.ErrorsRetried,
		c.PermanentFailures,
	)

	return c
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

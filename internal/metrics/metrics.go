package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Decode metrics
	RecordsDecodedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_records_decoded_total",
			Help: "Total number of stream records decoded successfully",
		},
	)

	RecordsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_records_rejected_total",
			Help: "Total number of stream records rejected at decode",
		},
		[]string{"reason"},
	)

	// Scoring metrics
	VerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_verdicts_total",
			Help: "Total number of anomaly verdicts by severity tier",
		},
		[]string{"severity"},
	)

	ModelScoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_model_score_duration_seconds",
			Help:    "Latency of model endpoint invocations",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	ModelUnavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_model_unavailable_total",
			Help: "Total number of verdicts produced without a model score",
		},
	)

	// Alert metrics
	AlertsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_sent_total",
			Help: "Total number of alerts dispatched to the notification channel",
		},
		[]string{"severity"},
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by the cooldown throttle",
		},
		[]string{"severity"},
	)

	AlertsMissedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_alerts_missed_total",
			Help: "Total number of alerts dropped after exhausting notification retries",
		},
	)

	// Sink metrics
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_sink_writes_total",
			Help: "Total number of durable sink writes",
		},
		[]string{"status"}, // status: success, failed
	)

	SinkWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_sink_write_duration_seconds",
			Help:    "Time taken to write a record to the durable sink",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	SinkRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_sink_retries_total",
			Help: "Total number of durable sink write retries",
		},
	)

	DeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_dead_letters_total",
			Help: "Total number of records dead-lettered after exhausting sink retries",
		},
	)

	// Batch metrics
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_batches_total",
			Help: "Total number of batches processed by terminal state",
		},
		[]string{"state"}, // state: success, partial, fatal
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_batch_duration_seconds",
			Help:    "Time taken to process a batch end to end",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_batch_size",
			Help:    "Number of records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Window metrics
	WindowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_windows_active",
			Help: "Number of machine windows currently held in memory",
		},
	)

	// Ingest endpoint metrics
	IngestReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_ingest_readings_total",
			Help: "Total number of readings received on the ingest endpoint",
		},
		[]string{"status"}, // status: accepted, rejected
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

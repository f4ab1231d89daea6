package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PositionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_positions_total",
			Help: "Positions handled by the processor, by outcome.",
		},
		[]string{"outcome"},
	)

	ValidationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_validation_errors_total",
			Help: "Validation rejections by field.",
		},
		[]string{"field"},
	)

	BatchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_batch_flushes_total",
			Help: "Batch flushes by kind, trigger and result.",
		},
		[]string{"kind", "trigger", "result"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpsgateway_batch_size",
			Help:    "Positions per flushed batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"kind"},
	)

	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_queue_jobs_total",
			Help: "Queue jobs by queue and terminal status.",
		},
		[]string{"queue", "status"},
	)

	QueueJobAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_queue_job_attempts_total",
			Help: "Individual job attempts by queue and result.",
		},
		[]string{"queue", "result"},
	)

	QueueJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpsgateway_queue_job_duration_seconds",
			Help:    "Handler latency per job attempt.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpsgateway_queue_depth",
			Help: "Jobs waiting per queue, sampled on enqueue and completion.",
		},
		[]string{"queue"},
	)

	StoreWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpsgateway_store_write_duration_seconds",
			Help:    "Store write latency by shape.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"shape"},
	)

	StorePositionsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_store_positions_written_total",
			Help: "Positions written to the store by shape.",
		},
		[]string{"shape"},
	)

	HistoryLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsgateway_history_length",
			Help: "Global history list length after the most recent append.",
		},
	)

	DedupCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsgateway_dedup_cache_size",
			Help: "Devices tracked by the duplicate cache.",
		},
	)

	LatestRecordsCleanedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsgateway_latest_records_cleaned_total",
			Help: "Inactive per-device records removed by cleanup.",
		},
	)

	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_kafka_messages_total",
			Help: "Messages consumed from the optional Kafka source.",
		},
		[]string{"topic", "outcome"},
	)

	EventBusDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsgateway_eventbus_deliveries_total",
			Help: "Event bus handler invocations by topic and result.",
		},
		[]string{"topic", "result"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		PositionsTotal,
		ValidationErrorsTotal,
		BatchFlushesTotal,
		BatchSize,
		QueueJobsTotal,
		QueueJobAttemptsTotal,
		QueueJobDuration,
		QueueDepth,
		StoreWriteDuration,
		StorePositionsWrittenTotal,
		HistoryLength,
		DedupCacheSize,
		LatestRecordsCleanedTotal,
		KafkaMessagesTotal,
		EventBusDeliveriesTotal,
	)
}

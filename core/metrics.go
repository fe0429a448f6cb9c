package core

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemeral_messages_ingested_total",
		Help: "Messages accepted and broadcast",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemeral_persist_failures_total",
		Help: "Ingested messages whose cache and queue write failed",
	})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemeral_broadcast_drops_total",
		Help: "Events dropped because a connection send queue was full",
	})

	HistoryReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ephemeral_history_reads_total",
		Help: "History pages served by source",
	}, []string{"source"})

	DrainPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemeral_drain_persisted_total",
		Help: "Queue entries written to the durable store",
	})

	DrainRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemeral_drain_requeued_total",
		Help: "Queue entries pushed back for a later attempt",
	})

	DrainDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemeral_drain_dead_lettered_total",
		Help: "Queue entries moved to the dead-letter list",
	})

	DrainErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ephemeral_drain_errors_total",
		Help: "Drain cycles that ended in an error",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ephemeral_queue_depth",
		Help: "Write-behind queue length at the last poll",
	})

	CacheLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ephemeral_cache_duration_seconds",
		Help:    "Redis call latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"operation"})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ephemeral_store_duration_seconds",
		Help:    "Durable store call latency",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"operation"})
)

func observeSince(h *prometheus.HistogramVec, op string, start time.Time) {
	h.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

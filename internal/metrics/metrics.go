// Package metrics exposes render pipeline counters for Prometheus.
//
// Each Collector owns its registry. A nil *Collector is valid and records
// nothing.
package metrics

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bobarin/splitrender/internal/models"
)

const namespace = "splitrender"

// Collector holds the pipeline metrics.
type Collector struct {
	registry *prometheus.Registry

	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec // state
	runsActive   prometheus.Gauge

	chunksDispatched prometheus.Counter
	chunksFinished   *prometheus.CounterVec // status, skipped
	chunksInFlight   prometheus.Gauge
	chunkDuration    prometheus.Histogram

	combineDuration prometheus.Histogram
	cleanupDeleted  prometheus.Counter
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of render runs accepted",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of render runs that reached a terminal state",
		}, []string{"state"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Current number of runs between planning and a terminal state",
		}),
		chunksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dispatched_total",
			Help:      "Total number of chunk jobs handed to a dispatcher",
		}),
		chunksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_finished_total",
			Help:      "Total number of chunk jobs finished, by status",
		}, []string{"status", "skipped"}),
		chunksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunks_in_flight",
			Help:      "Current number of chunk jobs executing in this process",
		}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Chunk job wall time, including render and upload",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		combineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "combine_duration_seconds",
			Help:      "Time to download, concatenate and upload a final video",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_total",
			Help:      "Total number of intermediate chunk objects deleted",
		}),
	}

	c.registry.MustRegister(
		c.runsStarted,
		c.runsFinished,
		c.runsActive,
		c.chunksDispatched,
		c.chunksFinished,
		c.chunksInFlight,
		c.chunkDuration,
		c.combineDuration,
		c.cleanupDeleted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordRunStarted() {
	if c == nil {
		return
	}
	c.runsStarted.Inc()
	c.runsActive.Inc()
}

func (c *Collector) RecordRunFinished(state models.RunState) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(string(state)).Inc()
	c.runsActive.Dec()
}

func (c *Collector) RecordChunkDispatched() {
	if c == nil {
		return
	}
	c.chunksDispatched.Inc()
}

// ChunkStarted marks a chunk job as executing. The returned func records
// its outcome.
func (c *Collector) ChunkStarted() func(result models.ChunkJobResult) {
	if c == nil {
		return func(models.ChunkJobResult) {}
	}
	started := time.Now()
	c.chunksInFlight.Inc()
	return func(result models.ChunkJobResult) {
		c.chunksInFlight.Dec()
		c.chunkDuration.Observe(time.Since(started).Seconds())
		skipped := "false"
		if result.Skipped {
			skipped = "true"
		}
		c.chunksFinished.WithLabelValues(string(result.Status), skipped).Inc()
	}
}

func (c *Collector) RecordCombine(d time.Duration) {
	if c == nil {
		return
	}
	c.combineDuration.Observe(d.Seconds())
}

func (c *Collector) RecordCleanupDeleted(n int) {
	if c == nil {
		return
	}
	c.cleanupDeleted.Add(float64(n))
}

// ObserveQueueDepth exports the number of chunk tasks waiting for a consumer.
// length is called on every scrape; a failed read reports NaN.
func (c *Collector) ObserveQueueDepth(length func(ctx context.Context) (int64, error)) {
	if c == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Chunk tasks waiting in the redis queue",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := length(ctx)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}))
}

// ============================================================================
// tileseed Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: collect and expose seeding, storage and quota metrics
//
// Metric families:
//
//   1. Counters (monotonic):
//      - tileseed_tiles_seeded_total: meta tiles materialized successfully
//      - tileseed_tile_failures_total: backend failures reported to a job
//      - tileseed_tile_retries_total: failed tiles put back on a retry queue
//      - tileseed_tiles_dropped_total: tiles whose retry budget ran out
//      - tileseed_tasks_dispatched_total: tasks submitted to the pool
//      - tileseed_tasks_finished_total{state}: tasks reaching DONE or DEAD
//      - tileseed_jobs_created_total{type}: jobs created by the breeder
//
//   2. Histogram:
//      - tileseed_task_duration_seconds: wall time of one task
//
//   3. Gauges:
//      - tileseed_active_threads: tasks currently in their run body
//      - tileseed_quota_bytes: bytes accounted by the quota store
//
// Query examples:
//
//   # meta tiles per second
//   rate(tileseed_tiles_seeded_total[1m])
//
//   # failure ratio
//   rate(tileseed_tile_failures_total[5m]) / rate(tileseed_tiles_seeded_total[5m])
//
// Every method is safe on a nil *Collector, so components can run without
// metrics wired in (tests, one-shot CLI commands).
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus metrics collector
type Collector struct {
	tilesSeeded     prometheus.Counter
	tileFailures    prometheus.Counter
	tileRetries     prometheus.Counter
	tilesDropped    prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksFinished   *prometheus.CounterVec
	jobsCreated     *prometheus.CounterVec

	taskDuration prometheus.Histogram

	activeThreads prometheus.Gauge
	quotaBytes    prometheus.Gauge
}

// NewCollector creates the collector and registers it with the default registerer.
func NewCollector() *Collector {
	c := &Collector{
		tilesSeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileseed_tiles_seeded_total",
			Help: "Total number of meta tiles materialized successfully",
		}),
		tileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileseed_tile_failures_total",
			Help: "Total number of tile generation failures",
		}),
		tileRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileseed_tile_retries_total",
			Help: "Total number of tiles scheduled for retry",
		}),
		tilesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileseed_tiles_dropped_total",
			Help: "Total number of tiles dropped after exhausting their retries",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tileseed_tasks_dispatched_total",
			Help: "Total number of tasks submitted to the worker pool",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileseed_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal state",
		}, []string{"state"}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tileseed_jobs_created_total",
			Help: "Total number of jobs created",
		}, []string{"type"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tileseed_task_duration_seconds",
			Help:    "Task run time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		activeThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tileseed_active_threads",
			Help: "Current number of tasks running",
		}),
		quotaBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tileseed_quota_bytes",
			Help: "Bytes currently accounted by the quota store",
		}),
	}

	prometheus.MustRegister(
		c.tilesSeeded,
		c.tileFailures,
		c.tileRetries,
		c.tilesDropped,
		c.tasksDispatched,
		c.tasksFinished,
		c.jobsCreated,
		c.taskDuration,
		c.activeThreads,
		c.quotaBytes,
	)

	return c
}

// RecordTileSeeded counts one successful meta tile.
func (c *Collector) RecordTileSeeded() {
	if c == nil {
		return
	}
	c.tilesSeeded.Inc()
}

// RecordTileFailure counts one backend failure.
func (c *Collector) RecordTileFailure() {
	if c == nil {
		return
	}
	c.tileFailures.Inc()
}

// RecordTileRetry counts a tile placed on a retry queue.
func (c *Collector) RecordTileRetry() {
	if c == nil {
		return
	}
	c.tileRetries.Inc()
}

// RecordTileDropped counts a tile given up on.
func (c *Collector) RecordTileDropped() {
	if c == nil {
		return
	}
	c.tilesDropped.Inc()
}

// RecordDispatch counts a task submitted to the pool.
func (c *Collector) RecordDispatch() {
	if c == nil {
		return
	}
	c.tasksDispatched.Inc()
}

// RecordTaskFinished counts a terminal task and observes its run time.
func (c *Collector) RecordTaskFinished(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(state).Inc()
	c.taskDuration.Observe(d.Seconds())
}

// RecordJobCreated counts a job by type.
func (c *Collector) RecordJobCreated(jobType string) {
	if c == nil {
		return
	}
	c.jobsCreated.WithLabelValues(jobType).Inc()
}

// ThreadStarted and ThreadStopped track running tasks.
func (c *Collector) ThreadStarted() {
	if c == nil {
		return
	}
	c.activeThreads.Inc()
}

func (c *Collector) ThreadStopped() {
	if c == nil {
		return
	}
	c.activeThreads.Dec()
}

// SetQuotaBytes publishes the global quota usage.
func (c *Collector) SetQuotaBytes(bytes int64) {
	if c == nil {
		return
	}
	c.quotaBytes.Set(float64(bytes))
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves until Shutdown; it returns nil after a clean shutdown.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.tilesSeeded)
	assert.NotNil(t, collector.tasksFinished)
	assert.NotNil(t, collector.taskDuration)
	assert.NotNil(t, collector.activeThreads)
}

func TestTileCounters(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	for range 3 {
		c.RecordTileSeeded()
	}
	c.RecordTileFailure()
	c.RecordTileFailure()
	c.RecordTileRetry()
	c.RecordTileDropped()

	assert.Equal(t, 3.0, testutil.ToFloat64(c.tilesSeeded))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tileFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tileRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tilesDropped))
}

func TestTaskMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.RecordDispatch()
	c.RecordDispatch()
	c.ThreadStarted()
	c.ThreadStarted()
	c.ThreadStopped()
	c.RecordTaskFinished("DONE", 150*time.Millisecond)
	c.RecordTaskFinished("DEAD", time.Second)
	c.RecordJobCreated("seed")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeThreads))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("DONE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("DEAD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCreated.WithLabelValues("seed")))
}

func TestQuotaGauge(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.SetQuotaBytes(4096)
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.quotaBytes))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTileSeeded()
		c.RecordTileFailure()
		c.RecordTileRetry()
		c.RecordTileDropped()
		c.RecordDispatch()
		c.RecordTaskFinished("DONE", time.Second)
		c.RecordJobCreated("truncate")
		c.ThreadStarted()
		c.ThreadStopped()
		c.SetQuotaBytes(1)
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	NewCollector()
	assert.Panics(t, func() { NewCollector() })
}

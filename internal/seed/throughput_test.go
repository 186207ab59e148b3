package seed

// ============================================================================
// Throughput tests
//
//   - 8 tasks on one job over zoom 0-5 (1365 tiles)
//   - simulated upstream latency: 0-500µs per tile
//   - every tenth tile fails once and is retried
//
// Targets: job DONE, every tile seeded exactly once, failures == retried tiles.
// ============================================================================

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

func pyramid(t testing.TB, zStop int64) *types.TileRange {
	coverages := make([]types.GridCoverage, 0, zStop+1)
	for z := int64(0); z <= zStop; z++ {
		last := int64(1)<<z - 1
		coverages = append(coverages, types.NewGridCoverage(0, 0, last, last, z))
	}
	tr, err := types.NewTileRange("roads", "EPSG:900913", "image/png", nil, coverages)
	require.NoError(t, err)
	return tr
}

func flaky(loc types.GridLoc) bool { return (loc.X*31+loc.Y+loc.Z)%10 == 0 }

func TestSeedThroughputWithRetries(t *testing.T) {
	b := startBreeder(t, func(c *Config) {
		c.PoolSize = 8
		c.Retry = RetryPolicy{
			TileFailureRetryCount:       3,
			TileFailureRetryWaitTime:    time.Millisecond,
			TotalFailuresBeforeAborting: 10_000,
			PreferFreshTiles:            true,
		}
	})
	tr := pyramid(t, 5)

	var mu sync.Mutex
	attempts := make(map[types.GridLoc]int)
	fl := newFakeLayer("roads")
	fl.fail = func(loc types.GridLoc) error {
		time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)
		mu.Lock()
		defer mu.Unlock()
		attempts[loc]++
		if flaky(loc) && attempts[loc] == 1 {
			return assert.AnError
		}
		return nil
	}

	start := time.Now()
	job, err := b.Seed(context.Background(), JobRequest{Range: tr, Layer: fl, Type: types.TypeSeed, ThreadCount: 8})
	require.NoError(t, err)
	select {
	case <-job.Done():
	case <-time.After(30 * time.Second):
		t.Fatalf("job did not finish, state %s", job.State())
	}
	elapsed := time.Since(start)

	var expectedFailures int64
	for _, c := range tr.Coverages() {
		for y := c.MinY(); y <= c.MaxY(); y++ {
			for x := c.MinX(); x <= c.MaxX(); x++ {
				if flaky(types.GridLoc{X: x, Y: y, Z: c.Zoom()}) {
					expectedFailures++
				}
			}
		}
	}

	st := job.Status()
	assert.Equal(t, types.StateDone, st.State)
	assert.Equal(t, expectedFailures, st.Failures)
	assert.Len(t, attempts, int(tr.TileCount()))
	assert.Len(t, fl.seen(), int(tr.TileCount()+expectedFailures))

	t.Logf("%d tiles in %s (%.0f tiles/s), %d retried",
		tr.TileCount(), elapsed, float64(tr.TileCount())/elapsed.Seconds(), expectedFailures)
}

func BenchmarkSeedThroughput(b *testing.B) {
	br, err := NewBreeder(Config{PoolSize: 8, QueueSize: 64, DrainInterval: time.Hour, Retry: DefaultRetryPolicy()})
	require.NoError(b, err)
	require.NoError(b, br.Start())
	defer br.Stop()

	tr := pyramid(b, 6)
	b.ResetTimer()
	for range b.N {
		job, err := br.Seed(context.Background(), JobRequest{Range: tr, Layer: newFakeLayer("roads"), Type: types.TypeSeed, ThreadCount: 8})
		require.NoError(b, err)
		<-job.Done()
	}
	b.StopTimer()
	b.ReportMetric(float64(tr.TileCount()*int64(b.N))/b.Elapsed().Seconds(), "tiles/s")
}

package seed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

var errBackend = errors.New("backend unavailable")

func threeLocations(t *testing.T) *listIterator {
	return &listIterator{
		tr:   testRange(t),
		locs: []types.GridLoc{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}, {X: 7, Y: 8, Z: 9}},
	}
}

func newSeedJobForTest(t *testing.T, b *Breeder, iter *listIterator, threads int) *SeedJob {
	t.Helper()
	job, err := b.CreateJob(JobRequest{
		Range:       testRange(t),
		Layer:       newFakeLayer("roads"),
		Type:        types.TypeSeed,
		ThreadCount: threads,
		Iterator:    iter,
	})
	require.NoError(t, err)
	return job.(*SeedJob)
}

func TestNextLocationYieldsIteratorInOrder(t *testing.T) {
	b := newTestBreeder(t, nil)
	iter := &listIterator{tr: testRange(t), locs: []types.GridLoc{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}}}
	j := newSeedJobForTest(t, b, iter, 1)
	ctx := context.Background()

	req, ok := j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, types.GridLoc{X: 1, Y: 2, Z: 3}, req.Loc())

	req, ok = j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, types.GridLoc{X: 4, Y: 5, Z: 6}, req.Loc())

	for range 3 {
		_, ok = j.NextLocation(ctx)
		assert.False(t, ok)
	}
}

func TestTaskRunReceivesLocationsInOrder(t *testing.T) {
	b := newTestBreeder(t, nil)
	fl := newFakeLayer("roads")
	job, err := b.CreateJob(JobRequest{
		Range:    testRange(t),
		Layer:    fl,
		Type:     types.TypeSeed,
		Iterator: &listIterator{tr: testRange(t), locs: []types.GridLoc{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}}},
	})
	require.NoError(t, err)

	task := job.Tasks()[0]
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, []types.GridLoc{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}}, fl.seen())
	assert.Equal(t, types.StateDone, task.State())
	assert.Equal(t, types.StateDone, job.State())
	assert.Equal(t, int64(2), task.Status().TilesDone)
	assert.Equal(t, int32(1), fl.released.Load(), "dispose releases layer resources")
	waitDone(t, job)
}

func TestRetryCountCapsAttempts(t *testing.T) {
	tests := []struct {
		count   int
		retries int
	}{
		{count: 1, retries: 0},
		{count: 2, retries: 1},
		{count: 4, retries: 3},
	}
	for _, tt := range tests {
		b := newTestBreeder(t, func(c *Config) {
			c.Retry = RetryPolicy{
				TileFailureRetryCount:       tt.count,
				TotalFailuresBeforeAborting: 100,
				PreferFreshTiles:            true,
			}
		})
		j := newSeedJobForTest(t, b, &listIterator{tr: testRange(t), locs: []types.GridLoc{{X: 1, Y: 1, Z: 2}}}, 1)
		task := j.Tasks()[0]

		req, ok := j.NextLocation(context.Background())
		require.True(t, ok)
		retries := 0
		for {
			require.NoError(t, j.Failure(task, req, errBackend))
			if j.RetryQueueLen() == 0 {
				break
			}
			retries++
			req, ok = j.NextLocation(context.Background())
			require.True(t, ok)
		}
		assert.Equal(t, tt.retries, retries, "count %d", tt.count)
		assert.Equal(t, int64(1), j.Dropped())
		assert.Equal(t, types.StateReady, task.State(), "a dropped tile does not kill the task")
	}
}

func TestFailedTileIsRetriedAfterWait(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreeder(t, func(c *Config) {
		c.Retry = RetryPolicy{
			TileFailureRetryCount:       3,
			TileFailureRetryWaitTime:    750 * time.Millisecond,
			TotalFailuresBeforeAborting: 5,
			PreferFreshTiles:            true,
		}
	})
	b.nowFunc = clock.Now
	j := newSeedJobForTest(t, b, threeLocations(t), 2)
	task, sibling := j.Tasks()[0], j.Tasks()[1]
	ctx := context.Background()

	first, ok := j.NextLocation(ctx)
	require.True(t, ok)
	require.Equal(t, types.GridLoc{X: 1, Y: 2, Z: 3}, first.Loc())

	// Fail (1,2,3) three times; it comes back after each of the first two.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, j.Failure(task, first, errBackend))
		clock.Advance(1500 * time.Millisecond)

		again, ok := j.NextLocation(ctx)
		require.True(t, ok)
		assert.Equal(t, types.GridLoc{X: 1, Y: 2, Z: 3}, again.Loc())
		assert.Equal(t, attempt, again.Failures)
		first = again
	}
	require.NoError(t, j.Failure(task, first, errBackend))
	assert.Equal(t, int64(1), j.Dropped(), "third failure drops the tile")
	assert.Zero(t, j.RetryQueueLen())

	second, ok := j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, types.GridLoc{X: 4, Y: 5, Z: 6}, second.Loc(), "dropped tile is not reissued")
	third, ok := j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, types.GridLoc{X: 7, Y: 8, Z: 9}, third.Loc())

	// Fourth job failure still retries; the fifth trips the breaker.
	require.NoError(t, j.Failure(task, second, errBackend))
	assert.Equal(t, 1, j.RetryQueueLen())
	assert.Equal(t, types.StateReady, task.State())

	require.NoError(t, j.Failure(task, third, errBackend))
	assert.Equal(t, types.StateDead, task.State())
	assert.Equal(t, 1, j.RetryQueueLen(), "no retry scheduled for the aborting failure")
	assert.Equal(t, int64(5), j.Failures())
	assert.ErrorIs(t, task.Err(), errBackend)

	// Past the limit, every further failure kills its reporting task.
	require.NoError(t, j.Failure(sibling, second, errBackend))
	assert.Equal(t, types.StateDead, sibling.State())
	assert.Equal(t, types.StateDead, j.State())
}

func TestRetryWaitsForRetryAt(t *testing.T) {
	const wait = 60 * time.Millisecond
	b := newTestBreeder(t, func(c *Config) {
		c.Retry = RetryPolicy{
			TileFailureRetryCount:       2,
			TileFailureRetryWaitTime:    wait,
			TotalFailuresBeforeAborting: 100,
			PreferFreshTiles:            true,
		}
	})
	iter := &listIterator{tr: testRange(t), locs: []types.GridLoc{{X: 1, Y: 1, Z: 1}}}
	j := newSeedJobForTest(t, b, iter, 1)
	ctx := context.Background()

	req, ok := j.NextLocation(ctx)
	require.True(t, ok)
	failedAt := time.Now()
	require.NoError(t, j.Failure(j.Tasks()[0], req, errBackend))

	again, ok := j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, req.Loc(), again.Loc())
	assert.Equal(t, 1, again.Failures)
	assert.GreaterOrEqual(t, time.Since(failedAt), wait-2*time.Millisecond)

	_, ok = j.NextLocation(ctx)
	assert.False(t, ok)
}

func TestFreshTilesPreferredOverPendingRetry(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreeder(t, func(c *Config) {
		c.Retry = RetryPolicy{
			TileFailureRetryCount:       3,
			TileFailureRetryWaitTime:    time.Hour,
			TotalFailuresBeforeAborting: 100,
			PreferFreshTiles:            true,
		}
	})
	b.nowFunc = clock.Now
	j := newSeedJobForTest(t, b, threeLocations(t), 1)
	ctx := context.Background()

	first, _ := j.NextLocation(ctx)
	require.NoError(t, j.Failure(j.Tasks()[0], first, errBackend))

	next, ok := j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, types.GridLoc{X: 4, Y: 5, Z: 6}, next.Loc())
	assert.Equal(t, 1, j.RetryQueueLen(), "pending retry stays queued")

	clock.Advance(2 * time.Hour)
	due, ok := j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, types.GridLoc{X: 1, Y: 2, Z: 3}, due.Loc(), "due retry goes first")
}

func TestPendingRetryFirstWhenFreshTilesNotPreferred(t *testing.T) {
	b := newTestBreeder(t, func(c *Config) {
		c.Retry = RetryPolicy{
			TileFailureRetryCount:       3,
			TileFailureRetryWaitTime:    20 * time.Millisecond,
			TotalFailuresBeforeAborting: 100,
			PreferFreshTiles:            false,
		}
	})
	j := newSeedJobForTest(t, b, threeLocations(t), 1)
	ctx := context.Background()

	first, _ := j.NextLocation(ctx)
	require.NoError(t, j.Failure(j.Tasks()[0], first, errBackend))

	next, ok := j.NextLocation(ctx)
	require.True(t, ok)
	assert.Equal(t, types.GridLoc{X: 1, Y: 2, Z: 3}, next.Loc())
}

func TestNextLocationSleepIsCancellable(t *testing.T) {
	b := newTestBreeder(t, func(c *Config) {
		c.Retry = RetryPolicy{
			TileFailureRetryCount:       3,
			TileFailureRetryWaitTime:    time.Hour,
			TotalFailuresBeforeAborting: 100,
			PreferFreshTiles:            true,
		}
	})
	iter := &listIterator{tr: testRange(t), locs: []types.GridLoc{{X: 1, Y: 1, Z: 1}}}
	j := newSeedJobForTest(t, b, iter, 1)

	req, _ := j.NextLocation(context.Background())
	require.NoError(t, j.Failure(j.Tasks()[0], req, errBackend))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := j.NextLocation(ctx)
	assert.False(t, ok)
	assert.Equal(t, 1, j.RetryQueueLen(), "the retry goes back on the queue")
}

func TestRetriesDisabledEndsTask(t *testing.T) {
	b := newTestBreeder(t, nil)
	fl := newFakeLayer("roads")
	fl.fail = func(types.GridLoc) error { return errBackend }
	job, err := b.CreateJob(JobRequest{Range: testRange(t), Layer: fl, Type: types.TypeSeed})
	require.NoError(t, err)

	task := job.Tasks()[0]
	err = task.Run(context.Background())
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, types.StateDead, task.State())
	assert.Equal(t, types.StateDead, job.State())
	assert.Len(t, fl.seen(), 1, "no retry, no further tiles")
	waitDone(t, job)
}

func TestReseedSkipsCacheCheck(t *testing.T) {
	b := newTestBreeder(t, nil)
	for _, tc := range []struct {
		typ      types.TaskType
		tryCache bool
	}{
		{types.TypeSeed, true},
		{types.TypeReseed, false},
	} {
		fl := newFakeLayer("roads")
		job, err := b.CreateJob(JobRequest{
			Range: testRange(t, types.NewGridCoverage(0, 0, 0, 0, 0)),
			Layer: fl,
			Type:  tc.typ,
		})
		require.NoError(t, err)
		require.NoError(t, job.Tasks()[0].Run(context.Background()))
		assert.Equal(t, []bool{tc.tryCache}, fl.tryCache, "type %s", tc.typ)
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())
	assert.Error(t, RetryPolicy{TileFailureRetryCount: -1}.Validate())
	assert.Error(t, RetryPolicy{TileFailureRetryCount: 2, TotalFailuresBeforeAborting: 0}.Validate())
	assert.Error(t, RetryPolicy{TileFailureRetryWaitTime: -time.Second}.Validate())
}

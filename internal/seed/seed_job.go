// ============================================================================
// tileseed SeedJob - retry queue and failure policy
// ============================================================================
//
// Package: internal/seed
// File: seed_job.go
// Function: hand out tile locations to a job's tasks and decide what
//           happens when one fails
//
// NextLocation:
//   retry queue empty            → fresh location from the iterator
//   head due (now - retryAt > 0) → pop head
//   head not due                 → fresh location if any (PreferFreshTiles),
//                                  else pop head and sleep until it is due
//
// The peek-decide-pop sequence runs under retryMu. retryMu is always taken
// before the iterator's own lock, never the other way round.
//
// Failure:
//   retries disabled             → error ends the task
//   job failures >= abort limit  → reporting task forced DEAD
//   tile failures < retry count  → requeued with retryAt = now + wait
//   otherwise                    → tile dropped, job continues
//
// ============================================================================

package seed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/tileseed/internal/tilerange"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

// RetryPolicy controls per-tile retries and the job-wide abort threshold.
type RetryPolicy struct {
	// TileFailureRetryCount caps the attempts per tile: a tile is requeued
	// while its failure count stays below it, so 1 drops a tile on its first
	// failure and 3 allows two retries. 0 disables failure tolerance: the
	// first failure kills the task.
	TileFailureRetryCount int `yaml:"tile_failure_retry_count"`
	// TileFailureRetryWaitTime delays a failed tile before it is reissued.
	TileFailureRetryWaitTime time.Duration `yaml:"tile_failure_retry_wait_time"`
	// TotalFailuresBeforeAborting is the job-wide circuit breaker.
	TotalFailuresBeforeAborting int64 `yaml:"total_failures_before_aborting"`
	// PreferFreshTiles hands out fresh locations ahead of retries that are
	// not due yet.
	PreferFreshTiles bool `yaml:"prefer_fresh_tiles"`
}

// DefaultRetryPolicy has retries disabled.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		TileFailureRetryCount:       0,
		TileFailureRetryWaitTime:    100 * time.Millisecond,
		TotalFailuresBeforeAborting: 1000,
		PreferFreshTiles:            true,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.TileFailureRetryCount < 0 {
		return fmt.Errorf("tile_failure_retry_count must be >= 0, got %d", p.TileFailureRetryCount)
	}
	if p.TileFailureRetryWaitTime < 0 {
		return fmt.Errorf("tile_failure_retry_wait_time must be >= 0, got %s", p.TileFailureRetryWaitTime)
	}
	if p.TileFailureRetryCount > 0 && p.TotalFailuresBeforeAborting <= 0 {
		return fmt.Errorf("total_failures_before_aborting must be > 0 when retries are enabled, got %d", p.TotalFailuresBeforeAborting)
	}
	return nil
}

// SeedJob seeds or reseeds a tile range with one or more tasks.
type SeedJob struct {
	jobBase

	iter   tilerange.Iterator
	reseed bool
	policy RetryPolicy

	retryMu    sync.Mutex
	retryQueue []*types.TileRequest

	failures atomic.Int64
	dropped  atomic.Int64
}

func newSeedJob(id int64, req JobRequest, iter tilerange.Iterator, policy RetryPolicy, env jobEnv) *SeedJob {
	j := &SeedJob{
		iter:   iter,
		reseed: req.Type == types.TypeReseed,
		policy: policy,
	}
	j.init(j, id, req.Type, req.Range, req.Layer, max(req.ThreadCount, 1), env)
	if req.FilterUpdate {
		j.onFinish = append(j.onFinish, j.updateFilters)
	}
	return j
}

// Reseed reports whether cached tiles are regenerated.
func (j *SeedJob) Reseed() bool { return j.reseed }

// Policy returns the job's retry policy.
func (j *SeedJob) Policy() RetryPolicy { return j.policy }

// Failures returns the job-wide failure count.
func (j *SeedJob) Failures() int64 { return j.failures.Load() }

// Dropped returns the number of tiles given up on.
func (j *SeedJob) Dropped() int64 { return j.dropped.Load() }

// RetryQueueLen returns the number of tiles waiting for a retry.
func (j *SeedJob) RetryQueueLen() int {
	j.retryMu.Lock()
	defer j.retryMu.Unlock()
	return len(j.retryQueue)
}

// NextLocation returns the next tile for a task, or false once both the
// retry queue and the iterator are exhausted or ctx ends. It may block until
// a queued retry is due.
func (j *SeedJob) NextLocation(ctx context.Context) (*types.TileRequest, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	j.retryMu.Lock()
	if len(j.retryQueue) == 0 {
		j.retryMu.Unlock()
		return j.fresh()
	}

	head := j.retryQueue[0]
	delay := j.nowFunc().UnixMilli() - head.RetryAt
	if delay > 0 {
		j.popHead()
		j.retryMu.Unlock()
		return head, true
	}

	if j.policy.PreferFreshTiles {
		if req, ok := j.fresh(); ok {
			j.retryMu.Unlock()
			return req, true
		}
	}
	j.popHead()
	j.retryMu.Unlock()

	if wait := time.Duration(-delay) * time.Millisecond; wait > 0 {
		if !sleepCtx(ctx, wait) {
			j.giveBack(head)
			return nil, false
		}
	}
	return head, true
}

func (j *SeedJob) fresh() (*types.TileRequest, bool) {
	loc, ok := j.iter.NextMetaGridLocation()
	if !ok {
		return nil, false
	}
	return types.NewTileRequest(loc), true
}

// popHead requires retryMu.
func (j *SeedJob) popHead() {
	j.retryQueue[0] = nil
	j.retryQueue = j.retryQueue[1:]
}

// giveBack returns an unprocessed request to the front of the queue.
func (j *SeedJob) giveBack(req *types.TileRequest) {
	j.retryMu.Lock()
	defer j.retryMu.Unlock()
	j.retryQueue = append([]*types.TileRequest{req}, j.retryQueue...)
}

func (j *SeedJob) enqueue(req *types.TileRequest) {
	j.retryMu.Lock()
	defer j.retryMu.Unlock()
	j.retryQueue = append(j.retryQueue, req)
}

// Failure applies the retry policy to a failed tile. A non-nil return ends
// the calling task.
func (j *SeedJob) Failure(t *Task, req *types.TileRequest, err error) error {
	j.metrics.RecordTileFailure()

	if j.policy.TileFailureRetryCount == 0 {
		return fmt.Errorf("seed %s: %w", req.Loc(), err)
	}

	n := j.failures.Add(1)
	if n >= j.policy.TotalFailuresBeforeAborting {
		j.log.Error("Job failure limit reached, aborting task",
			"task", t.ID(), "failures", n, "limit", j.policy.TotalFailuresBeforeAborting, "tile", req.Loc(), "error", err)
		j.setState(t, types.StateDead)
		t.setErr(fmt.Errorf("aborted after %d failures: %w", n, err))
		return nil
	}

	req.Failures++
	if req.Failures < j.policy.TileFailureRetryCount {
		req.RetryAt = j.nowFunc().Add(j.policy.TileFailureRetryWaitTime).UnixMilli()
		j.enqueue(req)
		j.metrics.RecordTileRetry()
		j.log.Warn("Tile failed, will retry",
			"task", t.ID(), "tile", req.Loc(), "failures", req.Failures, "retry_at", req.RetryAt, "error", err)
		return nil
	}

	j.dropped.Add(1)
	j.metrics.RecordTileDropped()
	j.log.Error("Tile failed too many times, giving up",
		"task", t.ID(), "tile", req.Loc(), "failures", req.Failures, "error", err)
	return nil
}

func (j *SeedJob) Status() JobStatus {
	s := j.status()
	s.Failures = j.Failures()
	s.Dropped = j.Dropped()
	s.RetryQueued = j.RetryQueueLen()
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

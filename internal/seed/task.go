// ============================================================================
// tileseed Task - one worker's share of a job
// ============================================================================
//
// Package: internal/seed
// File: task.go
// Function: task state machine and the seed / truncate bodies
//
// State machine:
//   UNSET → READY → RUNNING → DONE
//                          └→ DEAD  (error, panic, terminate, circuit breaker)
//
// Run bookkeeping, in defer order:
//   1. recover panic, force DEAD unless already terminal
//   2. dispose per-task backend resources
//   3. "thread stopped" on the job (once, even on panic)
//
// Progress fields are written only by the goroutine running the task and
// read by status queries; each is an atomic so readers never see a torn value.
//
// ============================================================================

package seed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/tileseed/internal/layer"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

// UnknownRemaining is reported when no remaining-time estimate exists yet.
const UnknownRemaining = time.Duration(-1)

// Task is one execution unit of a job; it occupies one pool worker while it runs.
type Task struct {
	id        atomic.Int64
	typ       types.TaskType
	job       Job // owner, used for reporting and pulling work only
	state     atomic.Int32
	terminate atomic.Bool

	tilesDone     atomic.Int64
	tilesTotal    atomic.Int64
	timeSpent     atomic.Int64 // nanoseconds
	timeRemaining atomic.Int64 // nanoseconds, -1 when unknown
	startedAt     atomic.Int64 // unix nanoseconds

	errMu sync.Mutex
	err   error
}

func newTask(typ types.TaskType, job Job) *Task {
	t := &Task{typ: typ, job: job}
	t.timeRemaining.Store(int64(UnknownRemaining))
	t.state.Store(int32(types.StateReady))
	return t
}

// ID returns the task id; zero until the task is dispatched.
func (t *Task) ID() int64 { return t.id.Load() }

func (t *Task) Type() types.TaskType { return t.typ }

// Job returns the owning job.
func (t *Task) Job() Job { return t.job }

func (t *Task) State() types.State { return types.State(t.state.Load()) }

// Terminate asks the task to stop at its next safe point.
func (t *Task) Terminate() { t.terminate.Store(true) }

// Terminated reports whether Terminate was called.
func (t *Task) Terminated() bool { return t.terminate.Load() }

// Err returns the error that ended the task, if any.
func (t *Task) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *Task) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// forceState moves a non-terminal task to s. It returns false when the task
// had already finished.
func (t *Task) forceState(s types.State) bool {
	for {
		cur := t.state.Load()
		if types.State(cur).Terminal() {
			return false
		}
		if t.state.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}

func (t *Task) finishDone() bool {
	return t.state.CompareAndSwap(int32(types.StateRunning), int32(types.StateDone))
}

// Run executes the task body. It fails with ErrIllegalState unless the task
// is READY.
func (t *Task) Run(ctx context.Context) (err error) {
	if !t.state.CompareAndSwap(int32(types.StateReady), int32(types.StateRunning)) {
		return fmt.Errorf("%w: task %d is %s", ErrIllegalState, t.ID(), t.State())
	}

	b := t.job.base()
	release := b.threadStarted(t)
	defer release()
	defer t.dispose()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked: %v", t.ID(), r)
		}
		if err != nil {
			t.setErr(err)
		}
		if t.forceState(types.StateDead) {
			b.log.Warn("Task ended abnormally", "task", t.ID(), "type", t.typ, "error", err)
		}
	}()

	switch j := t.job.(type) {
	case *SeedJob:
		return t.runSeed(ctx, j)
	case *TruncateJob:
		return t.runTruncate(ctx, j)
	default:
		return fmt.Errorf("task %d: unsupported job %T", t.ID(), t.job)
	}
}

func (t *Task) dispose() {
	if r, ok := t.job.base().layer.(layer.Releaser); ok {
		r.Release()
	}
}

func (t *Task) runSeed(ctx context.Context, j *SeedJob) error {
	tryCache := !j.reseed
	metaX, metaY := j.iter.MetaTilingFactors()
	perCall := int64(metaX) * int64(metaY)
	total := j.tr.TileCount()
	t.tilesTotal.Store(total)

	var calls int64
	for !t.terminate.Load() {
		req, ok := j.NextLocation(ctx)
		if !ok {
			break
		}
		if t.terminate.Load() {
			j.giveBack(req)
			break
		}

		if err := j.layer.SeedTile(ctx, j.tr, req.Loc(), tryCache); err != nil {
			if ferr := j.Failure(t, req, err); ferr != nil {
				return ferr
			}
			if t.State() == types.StateDead {
				return nil
			}
		} else {
			j.metrics.RecordTileSeeded()
		}

		calls++
		t.updateProgress(&j.jobBase, calls*perCall, total)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if t.terminate.Load() {
		if t.forceState(types.StateDead) {
			j.log.Info("Task terminated", "task", t.ID(), "tiles_done", t.tilesDone.Load())
		}
		return nil
	}
	t.finishDone()
	return nil
}

func (t *Task) updateProgress(b *jobBase, done, total int64) {
	spent := b.nowFunc().Sub(b.FirstStart())
	t.tilesDone.Store(done)
	t.timeSpent.Store(int64(spent))

	remaining := UnknownRemaining
	active := b.ActiveThreads()
	if total > 0 && done > 0 && active > 0 {
		est := float64(spent)*(float64(total)/float64(active))/float64(done) - float64(spent)
		remaining = time.Duration(max(est, 0))
	}
	t.timeRemaining.Store(int64(remaining))
}

func (t *Task) runTruncate(ctx context.Context, j *TruncateJob) error {
	total := j.tr.TileCount()
	t.tilesTotal.Store(total)
	start := j.nowFunc()

	if err := j.storage.DeleteRange(ctx, j.tr); err != nil {
		t.setErr(err)
		t.forceState(types.StateDead)
		j.log.Error("Truncate failed", "task", t.ID(), "layer", j.tr.Layer, "error", err)
		return nil
	}

	t.tilesDone.Store(max(total, 0))
	t.timeSpent.Store(int64(j.nowFunc().Sub(start)))
	t.timeRemaining.Store(0)
	t.finishDone()
	return nil
}

// Status returns a point-in-time copy of the task's progress.
func (t *Task) Status() TaskStatus {
	s := TaskStatus{
		ID:            t.ID(),
		JobID:         t.job.ID(),
		Type:          t.typ,
		State:         t.State(),
		Layer:         t.job.TileRange().Layer,
		TilesDone:     t.tilesDone.Load(),
		TilesTotal:    t.tilesTotal.Load(),
		TimeSpent:     time.Duration(t.timeSpent.Load()),
		TimeRemaining: time.Duration(t.timeRemaining.Load()),
		Terminated:    t.terminate.Load(),
	}
	if err := t.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

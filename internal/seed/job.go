package seed

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/tileseed/internal/layer"
	"github.com/ChuLiYu/tileseed/internal/metrics"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

// Job is a group of tasks working through one tile range. The two
// implementations are *SeedJob and *TruncateJob.
type Job interface {
	ID() int64
	Type() types.TaskType
	TileRange() *types.TileRange
	Layer() layer.Layer
	Tasks() []*Task
	// State folds the task states.
	State() types.State
	ActiveThreads() int
	// Terminate sets the terminate flag of every task.
	Terminate()
	// Done is closed after the job's completion hook ran.
	Done() <-chan struct{}
	Status() JobStatus

	base() *jobBase
}

// jobBase holds what seed and truncate jobs share: identity, the task
// array, thread accounting and the completion hook.
type jobBase struct {
	id    int64
	typ   types.TaskType
	tr    *types.TileRange
	layer layer.Layer
	tasks []*Task

	activeThreads atomic.Int32
	firstStart    atomic.Int64 // unix nanoseconds, 0 until the first task starts
	finishedAt    atomic.Int64
	dispatched    atomic.Bool
	finishOnce    sync.Once
	done          chan struct{}
	onFinish      []func()

	// setState is the breeder's state setter, used to force tasks DEAD.
	setState func(*Task, types.State) bool
	log      *slog.Logger
	metrics  *metrics.Collector
	nowFunc  func() time.Time
}

type jobEnv struct {
	log      *slog.Logger
	metrics  *metrics.Collector
	nowFunc  func() time.Time
	setState func(*Task, types.State) bool
}

func (b *jobBase) init(self Job, id int64, typ types.TaskType, tr *types.TileRange, l layer.Layer, taskCount int, env jobEnv) {
	b.id = id
	b.typ = typ
	b.tr = tr
	b.layer = l
	b.done = make(chan struct{})
	b.log = env.log.With("job", id, "type", string(typ), "layer", tr.Layer)
	b.metrics = env.metrics
	b.nowFunc = env.nowFunc
	b.setState = env.setState
	if b.setState == nil {
		b.setState = (*Task).forceState
	}

	b.tasks = make([]*Task, taskCount)
	for i := range b.tasks {
		b.tasks[i] = newTask(typ, self)
	}
}

func (b *jobBase) ID() int64 { return b.id }

func (b *jobBase) Type() types.TaskType { return b.typ }

func (b *jobBase) TileRange() *types.TileRange { return b.tr }

func (b *jobBase) Layer() layer.Layer { return b.layer }

func (b *jobBase) Tasks() []*Task {
	out := make([]*Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

func (b *jobBase) State() types.State {
	states := make([]types.State, len(b.tasks))
	for i, t := range b.tasks {
		states[i] = t.State()
	}
	s, err := CombineState(states...)
	if err != nil {
		// Jobs are always built with at least one task.
		panic(err)
	}
	return s
}

func (b *jobBase) ActiveThreads() int { return int(b.activeThreads.Load()) }

// FirstStart returns when the first task started, or the zero time.
func (b *jobBase) FirstStart() time.Time {
	ns := b.firstStart.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// FinishedAt returns when the completion hook ran, or the zero time.
func (b *jobBase) FinishedAt() time.Time {
	ns := b.finishedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (b *jobBase) Terminate() {
	for _, t := range b.tasks {
		t.Terminate()
	}
}

func (b *jobBase) Done() <-chan struct{} { return b.done }

func (b *jobBase) base() *jobBase { return b }

// threadStarted registers a running task and returns the matching release.
// The release is safe to call more than once; only the first call counts.
func (b *jobBase) threadStarted(t *Task) func() {
	now := b.nowFunc()
	b.activeThreads.Add(1)
	b.firstStart.CompareAndSwap(0, now.UnixNano())
	t.startedAt.Store(now.UnixNano())
	b.metrics.ThreadStarted()

	var once sync.Once
	return func() {
		once.Do(func() { b.threadStopped(t) })
	}
}

func (b *jobBase) threadStopped(t *Task) {
	b.metrics.ThreadStopped()
	b.metrics.RecordTaskFinished(t.State().String(), b.nowFunc().Sub(time.Unix(0, t.startedAt.Load())))
	if b.activeThreads.Add(-1) == 0 {
		b.checkFinished()
	}
}

// checkFinished runs the completion hook once no task is running and every
// task reached a terminal state.
func (b *jobBase) checkFinished() {
	if b.activeThreads.Load() != 0 {
		return
	}
	for _, t := range b.tasks {
		if !t.State().Terminal() {
			return
		}
	}
	b.finishOnce.Do(b.finish)
}

func (b *jobBase) finish() {
	b.finishedAt.Store(b.nowFunc().UnixNano())
	b.log.Info("Job finished", "state", b.State())
	for _, fn := range b.onFinish {
		fn()
	}
	close(b.done)
}

func (b *jobBase) status() JobStatus {
	s := JobStatus{
		ID:            b.id,
		Type:          b.typ,
		Layer:         b.tr.Layer,
		State:         b.State(),
		ActiveThreads: b.ActiveThreads(),
		StartedAt:     b.FirstStart(),
		FinishedAt:    b.FinishedAt(),
		TilesTotal:    b.tr.TileCount(),
		Tasks:         make([]TaskStatus, 0, len(b.tasks)),
	}
	for _, t := range b.tasks {
		ts := t.Status()
		s.TilesDone += ts.TilesDone
		s.Tasks = append(s.Tasks, ts)
	}
	return s
}

// updateFilters runs the layer's filter refresh after a seed job.
func (b *jobBase) updateFilters() {
	fu, ok := b.layer.(layer.FilterUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := fu.UpdateFilters(ctx, b.tr); err != nil {
		b.log.Error("Filter update failed", "error", err)
	}
}

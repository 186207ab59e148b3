// ============================================================================
// tileseed Breeder - job scheduler and registry
// ============================================================================
//
// Package: internal/seed
// File: breeder.go
// Function: create jobs, dispatch their tasks to the worker pool, answer
//           status queries and terminate work cooperatively
//
// Lifecycle of a job:
//   CreateJob   - job id assigned, tasks READY, nothing registered
//   DispatchJob - task ids assigned, tasks submitted, job registered
//   running     - at least one task RUNNING
//   finished    - every task DONE or DEAD, completion hook ran once
//   drained     - removed from the registry after the retention period
//
// Loops:
//   drainLoop - every DrainInterval, drop finished entries
//
// Stop ordering:
//   1. close stopCh (drainLoop exits)
//   2. terminate every registered task
//   3. stop the pool (running tasks see their context canceled)
//   4. wait for loops
//
// ============================================================================

package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/tileseed/internal/layer"
	"github.com/ChuLiYu/tileseed/internal/metrics"
	"github.com/ChuLiYu/tileseed/internal/tilerange"
	"github.com/ChuLiYu/tileseed/internal/worker"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

// Config Breeder configuration
type Config struct {
	PoolSize      int           // worker goroutines shared by all jobs
	QueueSize     int           // tasks waiting for a worker before Submit blocks
	DrainInterval time.Duration // how often finished entries are dropped
	Retention     time.Duration // how long a finished job stays queryable
	Retry         RetryPolicy
	Storage       RangeDeleter // used by truncate jobs
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

// DefaultConfig returns the configuration used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		PoolSize:      16,
		QueueSize:     256,
		DrainInterval: 30 * time.Second,
		Retention:     10 * time.Minute,
		Retry:         DefaultRetryPolicy(),
	}
}

// JobRequest describes a job to create.
type JobRequest struct {
	Range       *types.TileRange
	Layer       layer.Layer
	Type        types.TaskType
	ThreadCount int
	// Mask limits seeding to cells holding at least one masked tile.
	Mask tilerange.Mask
	// Iterator replaces the range iterator built from Range and Mask.
	Iterator tilerange.Iterator
	// FilterUpdate runs the layer's filter refresh when the job finishes.
	FilterUpdate bool
}

// Breeder creates and tracks seeding jobs.
type Breeder struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector
	pool    *worker.Pool
	reg     *registry

	jobSeq  atomic.Int64
	taskSeq atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	loopWg  sync.WaitGroup

	nowFunc func() time.Time
}

// NewBreeder validates cfg and builds a breeder. Zero fields take their
// DefaultConfig values.
func NewBreeder(cfg Config) (*Breeder, error) {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Breeder{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		pool:    worker.NewPool(cfg.QueueSize),
		reg:     newRegistry(),
		stopCh:  make(chan struct{}),
		nowFunc: time.Now,
	}, nil
}

// Start starts the worker pool and the drain loop.
func (b *Breeder) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBreederStopped
	}
	if b.started {
		return errors.New("breeder already started")
	}
	if err := b.pool.Start(b.cfg.PoolSize); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	b.started = true

	b.loopWg.Add(1)
	go b.drainLoop()

	b.log.Info("Breeder started", "pool_size", b.cfg.PoolSize, "queue_size", b.cfg.QueueSize)
	return nil
}

// Stop terminates all tasks and waits for the pool to wind down.
func (b *Breeder) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	b.mu.Unlock()

	b.log.Info("Stopping breeder...")
	close(b.stopCh)
	n := b.TerminateAll()
	if started {
		b.pool.Stop()
	}
	for _, job := range b.reg.jobList("") {
		for _, e := range b.reg.entriesOf(job.ID()) {
			b.reapUnrun(e)
		}
	}
	b.loopWg.Wait()
	b.log.Info("Breeder stopped", "terminated_jobs", n)
}

// Running reports whether the breeder accepts jobs.
func (b *Breeder) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started && !b.stopped
}

func (b *Breeder) env() jobEnv {
	return jobEnv{
		log:      b.log,
		metrics:  b.metrics,
		nowFunc:  b.nowFunc,
		setState: b.setTaskState,
	}
}

// CreateJob builds a job with READY tasks. Nothing is registered until the
// job is dispatched.
func (b *Breeder) CreateJob(req JobRequest) (Job, error) {
	if req.Range == nil {
		return nil, errors.New("job request without tile range")
	}

	id := b.jobSeq.Add(1)
	var job Job
	switch req.Type {
	case types.TypeSeed, types.TypeReseed:
		if req.Layer == nil {
			return nil, fmt.Errorf("%s job for %q without layer", req.Type, req.Range.Layer)
		}
		iter := req.Iterator
		if iter == nil {
			mx, my := req.Layer.MetaTilingFactors()
			if req.Mask != nil {
				iter = tilerange.NewDiscontinuous(req.Range, mx, my, req.Mask)
			} else {
				iter = tilerange.New(req.Range, mx, my)
			}
		}
		job = newSeedJob(id, req, iter, b.cfg.Retry, b.env())
	case types.TypeTruncate:
		if b.cfg.Storage == nil {
			return nil, errors.New("truncate job without storage")
		}
		job = newTruncateJob(id, req, b.cfg.Storage, b.env())
	default:
		return nil, fmt.Errorf("unknown job type %q", req.Type)
	}

	b.metrics.RecordJobCreated(string(req.Type))
	b.log.Info("Job created",
		"job", id,
		"type", req.Type,
		"layer", req.Range.Layer,
		"tasks", len(job.Tasks()),
		"tiles", req.Range.TileCount())
	return job, nil
}

// DispatchJob assigns task ids, submits every task to the pool and registers
// the job. If the pool refuses a task, that task and the rest are marked DEAD.
func (b *Breeder) DispatchJob(ctx context.Context, job Job) error {
	if !b.Running() {
		if b.isStopped() {
			return ErrBreederStopped
		}
		return worker.ErrPoolNotStarted
	}
	if !job.base().dispatched.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: job %d already dispatched", ErrIllegalState, job.ID())
	}

	b.drain()
	b.reg.addJob(job)

	var submitErr error
	for _, t := range job.Tasks() {
		t.id.Store(b.taskSeq.Add(1))
		if submitErr != nil {
			b.setTaskState(t, types.StateDead)
			continue
		}
		h, err := b.pool.Submit(ctx, worker.Unit{ID: t.ID(), Run: t.Run})
		if err != nil {
			submitErr = err
			t.setErr(err)
			b.setTaskState(t, types.StateDead)
			continue
		}
		b.metrics.RecordDispatch()
		e := &taskEntry{task: t, handle: h}
		b.reg.addTask(e)
		// Stop may have swept the registry before this entry landed.
		if b.isStopped() {
			b.terminateEntry(e)
			b.reapUnrun(e)
		}
	}

	if submitErr != nil {
		job.base().checkFinished()
		return fmt.Errorf("dispatch job %d: %w", job.ID(), submitErr)
	}
	b.log.Debug("Job dispatched", "job", job.ID(), "tasks", len(job.Tasks()))
	return nil
}

// Seed creates and dispatches a seed or reseed job.
func (b *Breeder) Seed(ctx context.Context, req JobRequest) (Job, error) {
	job, err := b.CreateJob(req)
	if err != nil {
		return nil, err
	}
	if err := b.DispatchJob(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// TruncateSync deletes a tile range on the calling goroutine. The job is
// registered so status queries see it.
func (b *Breeder) TruncateSync(ctx context.Context, tr *types.TileRange) (Job, error) {
	job, err := b.CreateJob(JobRequest{Range: tr, Type: types.TypeTruncate})
	if err != nil {
		return nil, err
	}
	job.base().dispatched.Store(true)
	t := job.Tasks()[0]
	t.id.Store(b.taskSeq.Add(1))
	b.reg.addJob(job)
	b.reg.addTask(&taskEntry{task: t})

	if err := job.(*TruncateJob).RunSync(ctx); err != nil {
		return job, err
	}
	if t.State() == types.StateDead {
		return job, fmt.Errorf("truncate job %d: %w", job.ID(), t.Err())
	}
	return job, nil
}

// setTaskState forces a task into a state unless it already finished.
func (b *Breeder) setTaskState(t *Task, s types.State) bool {
	if !t.forceState(s) {
		return false
	}
	b.log.Info("Task state set", "task", t.ID(), "job", t.Job().ID(), "state", s)
	return true
}

func (b *Breeder) isStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// ============================================================================
// Termination
// ============================================================================

// terminateEntry flags the task and, when it never started, cancels it in
// the pool and marks it DEAD.
func (b *Breeder) terminateEntry(e *taskEntry) bool {
	if e.task.State().Terminal() {
		return false
	}
	e.task.Terminate()
	if e.handle != nil && e.handle.Cancel() {
		b.setTaskState(e.task, types.StateDead)
		e.task.Job().base().checkFinished()
	}
	return true
}

// reapUnrun marks a task DEAD when the pool finished its handle without
// running it, as it does for units still queued when the pool stops.
func (b *Breeder) reapUnrun(e *taskEntry) {
	if e.handle == nil || !e.handle.Done() || e.task.State() != types.StateReady {
		return
	}
	if err := e.handle.Err(); err != nil {
		e.task.setErr(err)
	}
	if b.setTaskState(e.task, types.StateDead) {
		e.task.Job().base().checkFinished()
	}
}

// TerminateTask asks one task to stop. It reports whether the task was
// still live.
func (b *Breeder) TerminateTask(id int64) (bool, error) {
	e, ok := b.reg.task(id)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return b.terminateEntry(e), nil
}

// TerminateJob asks every task of a job to stop.
func (b *Breeder) TerminateJob(id int64) error {
	job, ok := b.reg.job(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	b.terminateJob(job)
	return nil
}

func (b *Breeder) terminateJob(job Job) bool {
	job.Terminate()
	live := false
	for _, e := range b.reg.entriesOf(job.ID()) {
		if b.terminateEntry(e) {
			live = true
		}
	}
	if live {
		b.log.Info("Job terminated", "job", job.ID(), "layer", job.TileRange().Layer)
	}
	return live
}

// TerminateLayer terminates every job of a layer and returns how many were live.
func (b *Breeder) TerminateLayer(layer string) int {
	n := 0
	for _, job := range b.reg.jobList(layer) {
		if b.terminateJob(job) {
			n++
		}
	}
	return n
}

// TerminateAll terminates every registered job.
func (b *Breeder) TerminateAll() int {
	return b.TerminateLayer("")
}

// ============================================================================
// Status
// ============================================================================

// JobStatus returns the status of one job.
func (b *Breeder) JobStatus(id int64) (JobStatus, error) {
	job, ok := b.reg.job(id)
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return job.Status(), nil
}

// Job looks a registered job up.
func (b *Breeder) Job(id int64) (Job, error) {
	job, ok := b.reg.job(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return job, nil
}

// JobStatuses lists jobs by id; an empty layer lists all of them.
func (b *Breeder) JobStatuses(layer string) []JobStatus {
	jobs := b.reg.jobList(layer)
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}

// TaskStatus returns the status of one dispatched task.
func (b *Breeder) TaskStatus(id int64) (TaskStatus, error) {
	e, ok := b.reg.task(id)
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return e.task.Status(), nil
}

// TaskStatuses lists the tasks of registered jobs; an empty layer lists all.
func (b *Breeder) TaskStatuses(layer string) []TaskStatus {
	var out []TaskStatus
	for _, j := range b.reg.jobList(layer) {
		for _, t := range j.Tasks() {
			out = append(out, t.Status())
		}
	}
	return out
}

// Stats counts registered tasks per state.
func (b *Breeder) Stats() map[string]int {
	stats := map[string]int{
		"ready":   0,
		"running": 0,
		"done":    0,
		"dead":    0,
	}
	jobs := b.reg.jobList("")
	for _, j := range jobs {
		for _, t := range j.Tasks() {
			switch t.State() {
			case types.StateRunning:
				stats["running"]++
			case types.StateDone:
				stats["done"]++
			case types.StateDead:
				stats["dead"]++
			default:
				stats["ready"]++
			}
		}
	}
	stats["jobs"] = len(jobs)
	stats["queued"] = b.pool.Queued()
	return stats
}

// ============================================================================
// Drain
// ============================================================================

// Drain drops finished entries now.
func (b *Breeder) Drain() (int, int) {
	return b.drain()
}

func (b *Breeder) drain() (int, int) {
	tasks, jobs := b.reg.drain(b.nowFunc(), b.cfg.Retention)
	if tasks > 0 || jobs > 0 {
		b.log.Debug("Drained finished entries", "tasks", tasks, "jobs", jobs)
	}
	return tasks, jobs
}

func (b *Breeder) drainLoop() {
	defer b.loopWg.Done()
	ticker := time.NewTicker(b.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.drain()
		}
	}
}

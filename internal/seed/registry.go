// ============================================================================
// tileseed registry - live jobs and dispatched tasks
// ============================================================================
//
// Package: internal/seed
// File: registry.go
// Function: breeder bookkeeping of what was dispatched
//
// Data structures:
//   tasks map[taskID]*taskEntry - task plus its pool handle
//   jobs  map[jobID]Job         - dispatched jobs
//
// Concurrency:
//   - sync.RWMutex guards both maps
//   - status readers take RLock only while copying pointers out
//   - dispatch and drain take Lock
//
// Drain:
//   a task entry leaves once its handle is done (or, for a synchronous
//   truncate without handle, once the task is terminal); a job leaves once
//   its completion hook ran at least `retention` ago.
//
// ============================================================================

package seed

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/tileseed/internal/worker"
)

type taskEntry struct {
	task   *Task
	handle *worker.Handle // nil for synchronous runs
}

func (e *taskEntry) done() bool {
	if e.handle == nil {
		return e.task.State().Terminal()
	}
	return e.handle.Done()
}

type registry struct {
	mu    sync.RWMutex
	tasks map[int64]*taskEntry
	jobs  map[int64]Job
}

func newRegistry() *registry {
	return &registry{
		tasks: make(map[int64]*taskEntry),
		jobs:  make(map[int64]Job),
	}
}

func (r *registry) addJob(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID()] = job
}

func (r *registry) addTask(e *taskEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[e.task.ID()] = e
}

func (r *registry) task(id int64) (*taskEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	return e, ok
}

func (r *registry) job(id int64) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// jobList returns the registered jobs ordered by id; an empty layer matches all.
func (r *registry) jobList(layer string) []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if layer == "" || j.TileRange().Layer == layer {
			out = append(out, j)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Job) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// entriesOf returns the task entries belonging to a job.
func (r *registry) entriesOf(jobID int64) []*taskEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*taskEntry
	for _, e := range r.tasks {
		if e.task.Job().ID() == jobID {
			out = append(out, e)
		}
	}
	return out
}

// drain removes finished entries and returns how many tasks and jobs went.
func (r *registry) drain(now time.Time, retention time.Duration) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := 0
	for id, e := range r.tasks {
		if e.done() {
			delete(r.tasks, id)
			tasks++
		}
	}
	jobs := 0
	for id, j := range r.jobs {
		finished := j.base().FinishedAt()
		if !finished.IsZero() && now.Sub(finished) >= retention {
			delete(r.jobs, id)
			jobs++
		}
	}
	return tasks, jobs
}

func (r *registry) size() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks), len(r.jobs)
}

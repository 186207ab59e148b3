// ============================================================================
// Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: runs submitted units, one at a time, in its own goroutine
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for sub := range taskCh      │   │
//   │  │   ├─ claim handle            │   │
//   │  │   ├─ unit.Run(ctx)           │   │
//   │  │   └─ finish handle           │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// A unit that was canceled before a worker reached it is skipped. Units still
// queued when the pool stops are finished with ErrPoolClosed. Panics inside a
// unit are recovered and reported through the handle.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

type submission struct {
	unit   Unit
	handle *Handle
}

// Worker represents a work execution unit
type Worker struct {
	id     int
	taskCh <-chan submission
	ctx    context.Context
}

func newWorker(id int, ctx context.Context, taskCh <-chan submission) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		ctx:    ctx,
	}
}

// Run is the main loop of Worker; it returns when the task channel closes.
func (w *Worker) Run() {
	for sub := range w.taskCh {
		if !sub.handle.claim() {
			continue // canceled while queued
		}
		if w.ctx.Err() != nil {
			sub.handle.finish(ErrPoolClosed, 0)
			continue
		}

		start := time.Now()
		err := w.execute(sub.unit)
		sub.handle.finish(err, time.Since(start))

		if err != nil {
			log.Debug("Unit finished with error", "worker", w.id, "unit", sub.unit.ID, "error", err)
		}
	}
}

func (w *Worker) execute(u Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %d panicked: %v", u.ID, r)
			log.Error("Recovered panic in worker", "worker", w.id, "unit", u.ID, "panic", r)
		}
	}()
	return u.Run(w.ctx)
}

// ============================================================================
// Worker Pool - bounded executor for seeding tasks
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: fixed number of worker goroutines fed from one queue
//
// Architecture:
//   ┌─────────────┐
//   │  Breeder    │ --Submit()--> taskCh --> Handle
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool(queueSize) - create the queue
//   2. Start(n)           - start n workers
//   3. Submit(unit)       - enqueue, get a cancelable Handle back
//   4. Stop()             - cancel the run context, close the queue, wait
//
// Shutdown ordering:
//   Stop closes stopCh before taking the write lock. A Submit blocked on a
//   full queue holds the read lock and is released by stopCh, so taskCh is
//   only closed once no sender can touch it.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

var (
	// ErrPoolClosed is returned by Submit after Stop
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrCanceled is the handle error of a unit canceled before it ran
	ErrCanceled = errors.New("unit canceled before start")
)

// Pool manages a fixed set of workers.
type Pool struct {
	workers  []*Worker
	taskCh   chan submission
	stopCh   chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.RWMutex
}

// NewPool creates a pool whose queue holds up to queueSize pending units.
func NewPool(queueSize int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan submission, max(queueSize, 0)),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.taskCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit queues a unit and returns its handle. It blocks while the queue is
// full, until ctx ends or the pool stops.
func (p *Pool) Submit(ctx context.Context, u Unit) (*Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return nil, ErrPoolNotStarted
	}
	if p.stopped {
		return nil, ErrPoolClosed
	}

	h := newHandle(u.ID)
	select {
	case p.taskCh <- submission{unit: u, handle: h}:
		return h, nil
	case <-p.stopCh:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels the context handed to running units, finishes queued units
// with ErrPoolClosed and waits for every worker to exit.
func (p *Pool) Stop() {
	p.mu.RLock()
	if !p.started || p.stopped {
		p.mu.RUnlock()
		return
	}
	p.mu.RUnlock()

	p.cancel()
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

// Queued returns the number of units waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.taskCh)
}

package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	phasePending int32 = iota
	phaseStarted
	phaseCanceled
)

// Unit is one piece of work submitted to the pool. A dispatched seeding task
// occupies one worker for the whole of its Run.
type Unit struct {
	ID  int64                           // caller-assigned identifier, used for logging
	Run func(ctx context.Context) error // the work itself
}

// Handle tracks a submitted Unit.
type Handle struct {
	id    int64
	phase atomic.Int32
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	err      error
	duration time.Duration
}

func newHandle(id int64) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the identifier of the submitted unit.
func (h *Handle) ID() int64 { return h.id }

// Done reports whether the unit finished, or was canceled before it started.
func (h *Handle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until Done, or until ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoneCh is closed once the unit is done.
func (h *Handle) DoneCh() <-chan struct{} { return h.done }

// Err returns the unit's error once done.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Duration returns how long the unit ran.
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.duration
}

// Cancel prevents the unit from starting. It returns true when the unit had
// not started yet and will never run; a running unit is never interrupted.
func (h *Handle) Cancel() bool {
	if !h.phase.CompareAndSwap(phasePending, phaseCanceled) {
		return false
	}
	h.finish(ErrCanceled, 0)
	return true
}

// Started reports whether a worker picked the unit up.
func (h *Handle) Started() bool {
	return h.phase.Load() == phaseStarted
}

// claim marks the unit as started. It fails when the unit was canceled.
func (h *Handle) claim() bool {
	return h.phase.CompareAndSwap(phasePending, phaseStarted)
}

func (h *Handle) finish(err error, d time.Duration) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.duration = d
		h.mu.Unlock()
		close(h.done)
	})
}

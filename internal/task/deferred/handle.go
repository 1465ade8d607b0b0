package deferred

import (
	"context"
	"sync/atomic"
)

// Handle is the in-process side of one scheduled action. It is never
// persisted.
type Handle struct {
	id     int64
	done   chan struct{}
	cancel context.CancelFunc

	claimed atomic.Bool
	// start marks the resolved handle a dormant chain begins with.
	start bool
}

func newHandle(id int64, cancel context.CancelFunc) *Handle {
	return &Handle{id: id, done: make(chan struct{}), cancel: cancel}
}

// resolvedHandle is an already-finished handle used as the head of a
// dormant chain.
func resolvedHandle() *Handle {
	h := &Handle{done: make(chan struct{}), cancel: func() {}, start: true}
	close(h.done)
	return h
}

func (h *Handle) ID() int64 { return h.id }

// Done is closed when the handle's goroutine has finished, whether the
// action fired, was cancelled or the scheduler stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Claimed reports whether the action has been claimed for firing or
// cancellation.
func (h *Handle) Claimed() bool { return h.claimed.Load() }

// claim is the single transition both the wake path and Cancel race for.
func (h *Handle) claim() bool { return h.claimed.CompareAndSwap(false, true) }

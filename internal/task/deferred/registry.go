package deferred

import (
	"slices"
	"sync"
)

// Registry tracks which actions have a live timer in this process.
type Registry struct {
	mu     sync.Mutex
	timers map[int64]*Handle
}

func NewRegistry() *Registry {
	return &Registry{timers: map[int64]*Handle{}}
}

// Register adds h unless its id already has a live handle.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.timers[h.id]; ok {
		return ErrAlreadyActive
	}
	r.timers[h.id] = h
	return nil
}

// Unregister removes id only while it still maps to h, so a finishing
// goroutine never evicts a newer handle for the same id.
func (r *Registry) Unregister(id int64, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.timers[id]; ok && cur == h {
		delete(r.timers, id)
		return true
	}
	return false
}

func (r *Registry) IsActive(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}

// Cancel claims and cancels the live handle for id and removes it. It
// returns false when there is none or it is already firing.
func (r *Registry) Cancel(id int64) bool {
	return r.tryCancel(id) == cancelled
}

type cancelOutcome int

const (
	notFound cancelOutcome = iota
	cancelled
	firing
)

func (r *Registry) tryCancel(id int64) cancelOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.timers[id]
	if !ok {
		return notFound
	}
	if !h.claim() {
		return firing
	}
	delete(r.timers, id)
	h.cancel()
	return cancelled
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// IDs returns the live ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (r *Registry) handles() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.timers))
	for _, h := range r.timers {
		out = append(out, h)
	}
	return out
}

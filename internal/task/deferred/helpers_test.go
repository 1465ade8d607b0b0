package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

type fireRecord struct {
	id int64
	at time.Time
}

// recorder is an Executor that remembers every call.
type recorder struct {
	mu    sync.Mutex
	fires []fireRecord
	ch    chan fireRecord
	err   error
}

func newRecorder() *recorder { return &recorder{ch: make(chan fireRecord, 256)} }

func (r *recorder) Execute(_ context.Context, a storage.ScheduledAction) error {
	rec := fireRecord{id: a.ID, at: time.Now()}
	r.mu.Lock()
	r.fires = append(r.fires, rec)
	err := r.err
	r.mu.Unlock()
	r.ch <- rec
	return err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *recorder) next(t *testing.T, within time.Duration) fireRecord {
	t.Helper()
	select {
	case rec := <-r.ch:
		return rec
	case <-time.After(within):
		t.Fatalf("no fire within %v", within)
		return fireRecord{}
	}
}

type testEnv struct {
	s     *Scheduler
	store *storage.Memory
	rec   *recorder
	bus   eventbus.Bus
}

func newTestEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	store := storage.NewMemory()
	bus := eventbus.New()
	opts = append([]Option{WithAuditor(store)}, opts...)
	s := New(cfg, store, nil, logx.Nop(), bus, opts...)
	rec := newRecorder()
	s.RegisterExecutor("test", rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return &testEnv{s: s, store: store, rec: rec, bus: bus}
}

func (e *testEnv) create(t *testing.T, due time.Time) storage.ScheduledAction {
	t.Helper()
	a, err := e.store.CreateAction(context.Background(), storage.NewAction{Kind: "test", DueAt: due})
	if err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	return a
}

func (e *testEnv) stored(t *testing.T, id int64) bool {
	t.Helper()
	_, ok, err := e.store.GetAction(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	return ok
}

func waitDone(t *testing.T, h *Handle, within time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(within):
		t.Fatalf("handle %d not done within %v", h.ID(), within)
	}
}

func waitInactive(t *testing.T, s *Scheduler, id int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.IsActive(id) {
		if time.Now().After(deadline) {
			t.Fatalf("action %d still active", id)
		}
		time.Sleep(time.Millisecond)
	}
}

// fakeClock only moves when Advance is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at   time.Time
	ch   chan time.Time
	dead bool
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Timer(d time.Duration) (<-chan time.Time, func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTimer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, ft)
	c.fireLocked()
	return ft.ch, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !ft.dead
		ft.dead = true
		return was
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.fireLocked()
}

func (c *fakeClock) fireLocked() {
	for _, ft := range c.timers {
		if !ft.dead && !ft.at.After(c.now) {
			ft.dead = true
			ft.ch <- c.now
		}
	}
}

// pending counts armed timers.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ft := range c.timers {
		if !ft.dead {
			n++
		}
	}
	return n
}

func (c *fakeClock) waitPending(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d armed timers (have %d)", n, c.pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func within(t *testing.T, got, want, tol time.Duration) {
	t.Helper()
	if got < want-tol || got > want+tol {
		t.Fatalf("elapsed %v, want %v ± %v", got, want, tol)
	}
}

var errBoom = errors.New("boom")

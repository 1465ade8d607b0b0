package deferred

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
)

func testHandle(id int64) (*Handle, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return newHandle(id, cancel), ctx
}

func TestRegistryRegisterRejectsDuplicate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h1, _ := testHandle(1)
	h2, _ := testHandle(1)
	if err := r.Register(h1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(h2); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Register = %v, want ErrAlreadyActive", err)
	}
	if !r.IsActive(1) || r.Len() != 1 {
		t.Fatal("registry should hold exactly one handle")
	}
}

func TestRegistryConcurrentRegisterSingleWinner(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, _ := testHandle(7)
			if r.Register(h) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("%d registrations won, want 1", wins)
	}
}

func TestRegistryUnregisterOnlyOwnHandle(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	old, _ := testHandle(3)
	_ = r.Register(old)
	r.Cancel(3)
	cur, _ := testHandle(3)
	_ = r.Register(cur)

	if r.Unregister(3, old) {
		t.Fatal("stale handle evicted the current one")
	}
	if !r.IsActive(3) {
		t.Fatal("current handle lost")
	}
	if !r.Unregister(3, cur) || r.IsActive(3) {
		t.Fatal("current handle not removed")
	}
}

func TestRegistryCancel(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h, ctx := testHandle(5)
	_ = r.Register(h)

	if !r.Cancel(5) {
		t.Fatal("Cancel = false for live handle")
	}
	if ctx.Err() == nil {
		t.Fatal("handle context not cancelled")
	}
	if r.IsActive(5) || !h.Claimed() {
		t.Fatal("cancelled handle should be claimed and removed")
	}
	if r.Cancel(5) {
		t.Fatal("second Cancel = true")
	}
}

func TestRegistryCancelLosesToClaim(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h, ctx := testHandle(9)
	_ = r.Register(h)
	if !h.claim() {
		t.Fatal("claim failed")
	}
	if got := r.tryCancel(9); got != firing {
		t.Fatalf("tryCancel = %v, want firing", got)
	}
	if ctx.Err() != nil || !r.IsActive(9) {
		t.Fatal("firing handle must stay untouched")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	for _, id := range []int64{5, 1, 3} {
		h, _ := testHandle(id)
		_ = r.Register(h)
	}
	if got := r.IDs(); !slices.Equal(got, []int64{1, 3, 5}) {
		t.Fatalf("IDs = %v", got)
	}
}

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddScheduleRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logxNop())
	noop := func(context.Context) error { return nil }

	if err := s.AddSchedule("", "1h", 0, noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.AddSchedule("x", "1h", 0, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
	if err := s.AddSchedule("x", "61 * * * *", 0, noop); err == nil {
		t.Fatal("expected error for invalid cron")
	}
	if err := s.AddSchedule("x", "@hourly", 0, noop); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("x", "2h", 0, noop); err != nil {
		t.Fatalf("AddSchedule replace: %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Spec != "@every 2h0m0s" {
		t.Fatalf("unexpected jobs: %+v", snap.Jobs)
	}
	if !s.Remove("x") || s.Remove("x") {
		t.Fatal("Remove should succeed exactly once")
	}
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logxNop())
	var calls atomic.Int32
	fail := errors.New("disk full")
	_ = s.AddSchedule("ok", "1h", time.Second, func(context.Context) error { calls.Add(1); return nil })
	_ = s.AddSchedule("bad", "1h", time.Second, func(context.Context) error { return fail })
	_ = s.AddSchedule("boom", "1h", time.Second, func(context.Context) error { panic("kaboom") })

	for _, name := range []string{"ok", "bad", "boom"} {
		if !s.RunNow(name) {
			t.Fatalf("RunNow(%s) = false", name)
		}
	}
	if s.RunNow("missing") {
		t.Fatal("RunNow for unknown job should be false")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	byName := map[string]JobInfo{}
	for _, j := range s.Snapshot().Jobs {
		byName[j.Name] = j
	}
	if j := byName["ok"]; j.Runs != 1 || j.Failed != 0 {
		t.Fatalf("ok stats: %+v", j)
	}
	if j := byName["bad"]; j.Failed != 1 || j.LastErr != "disk full" {
		t.Fatalf("bad stats: %+v", j)
	}
	if j := byName["boom"]; j.Failed != 1 || j.LastErr == "" {
		t.Fatalf("boom stats: %+v", j)
	}
}

func TestJobDoesNotOverlap(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logxNop())
	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.AddSchedule("slow", "1h", 0, func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		s.RunNow("slow")
		close(done)
	}()
	<-started
	s.RunNow("slow")
	close(release)
	<-done

	j := s.Snapshot().Jobs[0]
	if j.Runs != 1 || j.Skipped != 1 {
		t.Fatalf("runs=%d skipped=%d, want 1/1", j.Runs, j.Skipped)
	}
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logxNop())
	_ = s.AddSchedule("stuck", "1h", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.RunNow("stuck")
	if j := s.Snapshot().Jobs[0]; j.LastErr != context.DeadlineExceeded.Error() {
		t.Fatalf("LastErr = %q", j.LastErr)
	}
}

func TestStartStopAndApply(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logxNop())
	_ = s.AddSchedule("nightly", "0 3 * * *", 0, func(context.Context) error { return nil })

	ctx := context.Background()
	s.Start(ctx)
	if s.Snapshot().Running {
		t.Fatal("disabled service must not start")
	}

	s.Apply(ctx, Config{Enabled: true, Timezone: "UTC"})
	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("unexpected snapshot after enable: %+v", snap)
	}
	next := snap.Jobs[0].Next
	if next.IsZero() || next.UTC().Hour() != 3 {
		t.Fatalf("next run = %v, want 03:00 UTC", next)
	}

	s.Apply(ctx, Config{Enabled: true, Timezone: "Asia/Jakarta"})
	if next := s.Snapshot().Jobs[0].Next; next.UTC().Hour() != 20 {
		t.Fatalf("next run after tz change = %v, want 20:00 UTC", next)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Apply(stopCtx, Config{Enabled: false})
	if s.Snapshot().Running {
		t.Fatal("service still running after disable")
	}
}

package deferred

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/storage"
)

func TestScheduleFiresOnTimeUnderLoad(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	// Background noise: many concurrent timers that must not delay the probe.
	for range 200 {
		a := env.create(t, time.Now().Add(time.Hour))
		if _, err := env.s.Schedule(a); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	start := time.Now()
	id, err := env.s.ScheduleNow(context.Background(), storage.NewAction{Kind: "test", DueAt: start.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("ScheduleNow: %v", err)
	}
	rec := env.rec.next(t, 4*time.Second)
	if rec.id != id {
		t.Fatalf("fired %d, want %d", rec.id, id)
	}
	within(t, rec.at.Sub(start), 2*time.Second, 150*time.Millisecond)
}

func TestScheduleRejectsSecondTimer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	a := env.create(t, time.Now().Add(time.Hour))

	h, err := env.s.Schedule(a)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := env.s.Schedule(a); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Schedule = %v, want ErrAlreadyActive", err)
	}
	if _, err := env.s.ScheduleDormant(a, nil); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("ScheduleDormant on active id = %v, want ErrAlreadyActive", err)
	}
	if got := env.s.Registry().Len(); got != 1 {
		t.Fatalf("registry len = %d, want 1", got)
	}
	if !env.s.IsActive(h.ID()) {
		t.Fatal("IsActive = false")
	}
}

func TestConcurrentScheduleSingleTimer(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	a := env.create(t, time.Now().Add(200*time.Millisecond))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.s.Schedule(a); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d timers started, want 1", wins.Load())
	}
	env.rec.next(t, 2*time.Second)
	time.Sleep(200 * time.Millisecond)
	if n := env.rec.count(); n != 1 {
		t.Fatalf("executor ran %d times, want 1", n)
	}
}

func TestCancelBeforeWakeNeverExecutes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id, err := env.s.ScheduleNow(ctx, storage.NewAction{Kind: "test", DueAt: time.Now().Add(300 * time.Millisecond)})
	if err != nil {
		t.Fatalf("ScheduleNow: %v", err)
	}
	ok, err := env.s.Cancel(ctx, id)
	if !ok || err != nil {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	time.Sleep(600 * time.Millisecond)
	if n := env.rec.count(); n != 0 {
		t.Fatalf("executor ran %d times after cancel", n)
	}
	if env.stored(t, id) || env.s.IsActive(id) {
		t.Fatal("cancelled action still stored or active")
	}
}

func TestCancelOrphanRecordAndUnknown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	orphan := env.create(t, time.Now().Add(time.Hour))

	ok, err := env.s.Cancel(ctx, orphan.ID)
	if !ok || err != nil {
		t.Fatalf("Cancel(orphan) = %v, %v", ok, err)
	}
	if env.stored(t, orphan.ID) {
		t.Fatal("orphan record not deleted")
	}
	ok, err = env.s.Cancel(ctx, 4242)
	if ok || !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("Cancel(unknown) = %v, %v", ok, err)
	}
}

func TestCancelWhileFiringIsNotAnError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	env.s.RegisterExecutor("slow", ExecutorFunc(func(context.Context, storage.ScheduledAction) error {
		close(entered)
		<-release
		return nil
	}))
	a, _ := env.store.CreateAction(ctx, storage.NewAction{Kind: "slow", DueAt: time.Now().Add(50 * time.Millisecond)})
	h, err := env.s.Schedule(a)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-entered

	ok, err := env.s.Cancel(ctx, a.ID)
	if ok || err != nil {
		t.Fatalf("Cancel while firing = %v, %v; want false, nil", ok, err)
	}
	close(release)
	waitDone(t, h, 2*time.Second)
	if env.stored(t, a.ID) || env.s.IsActive(a.ID) {
		t.Fatal("fired action not retired")
	}
}

func TestRetireOnFire(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		exec Executor
	}{
		{"success", ExecutorFunc(func(context.Context, storage.ScheduledAction) error { return nil })},
		{"error", ExecutorFunc(func(context.Context, storage.ScheduledAction) error { return errBoom })},
		{"panic", ExecutorFunc(func(context.Context, storage.ScheduledAction) error { panic("kaboom") })},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, Config{})
			env.s.RegisterExecutor("k", tc.exec)
			a, _ := env.store.CreateAction(context.Background(), storage.NewAction{Kind: "k", DueAt: time.Now().Add(50 * time.Millisecond)})
			h, err := env.s.Schedule(a)
			if err != nil {
				t.Fatalf("Schedule: %v", err)
			}
			waitDone(t, h, 2*time.Second)
			if env.stored(t, a.ID) {
				t.Fatal("record still in store after firing")
			}
			if env.s.IsActive(a.ID) {
				t.Fatal("handle still registered after firing")
			}
		})
	}
}

func TestUnknownKindAtFireIsRetired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	a, _ := env.store.CreateAction(context.Background(), storage.NewAction{Kind: "gone", DueAt: time.Now().Add(20 * time.Millisecond)})
	h, _ := env.s.Schedule(a)
	waitDone(t, h, 2*time.Second)
	if env.stored(t, a.ID) {
		t.Fatal("record with unknown kind not retired")
	}
	audit := env.store.Audit()
	if len(audit) == 0 || audit[len(audit)-1].Event != storage.AuditFailed {
		t.Fatalf("expected failed audit entry, got %+v", audit)
	}
}

func TestRetireFirstDeletesBeforeExecute(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	var presentDuringExec atomic.Bool
	env.s.RegisterExecutor("once", ExecutorFunc(func(ctx context.Context, a storage.ScheduledAction) error {
		_, ok, _ := env.store.GetAction(ctx, a.ID)
		presentDuringExec.Store(ok)
		return nil
	}), RetireFirst())
	env.s.RegisterExecutor("default", ExecutorFunc(func(ctx context.Context, a storage.ScheduledAction) error {
		_, ok, _ := env.store.GetAction(ctx, a.ID)
		if !ok {
			return errors.New("record missing during at-least-once execute")
		}
		return nil
	}))

	a, _ := env.store.CreateAction(context.Background(), storage.NewAction{Kind: "once", DueAt: time.Now().Add(20 * time.Millisecond)})
	h, _ := env.s.Schedule(a)
	waitDone(t, h, 2*time.Second)
	if presentDuringExec.Load() {
		t.Fatal("RetireFirst executor saw its own record")
	}

	b, _ := env.store.CreateAction(context.Background(), storage.NewAction{Kind: "default", DueAt: time.Now().Add(20 * time.Millisecond)})
	h, _ = env.s.Schedule(b)
	waitDone(t, h, 2*time.Second)
	audit := env.store.Audit()
	if last := audit[len(audit)-1]; last.ActionID != b.ID || last.Event != storage.AuditFired {
		t.Fatalf("last audit = %+v, want fired for %d", last, b.ID)
	}
}

func TestScheduleNowValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	if _, err := env.s.ScheduleNow(ctx, storage.NewAction{Kind: "test", DueAt: time.Now().Add(-time.Second)}); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("past due = %v, want ErrInvalidDuration", err)
	}
	if _, err := env.s.ScheduleNow(ctx, storage.NewAction{Kind: "test", DueAt: MaxDueAt.Add(time.Second)}); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("due past year 9999 = %v, want ErrInvalidDuration", err)
	}
	if _, err := env.s.ScheduleNow(ctx, storage.NewAction{Kind: "nope", DueAt: time.Now().Add(time.Hour)}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind = %v, want ErrUnknownKind", err)
	}
	all, _ := env.store.LoadActions(ctx)
	if len(all) != 0 {
		t.Fatalf("rejected actions were persisted: %+v", all)
	}
}

func TestOverdueScheduleWaitsDegeneracyDelay(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{DegeneracyDelay: 300 * time.Millisecond})
	a := env.create(t, time.Now().Add(-time.Hour))
	start := time.Now()
	if _, err := env.s.Schedule(a); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	rec := env.rec.next(t, 2*time.Second)
	within(t, rec.at.Sub(start), 300*time.Millisecond, 150*time.Millisecond)
}

func TestReschedule(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	id, err := env.s.ScheduleNow(ctx, storage.NewAction{Kind: "test", DueAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("ScheduleNow: %v", err)
	}
	if err := env.s.Reschedule(ctx, id, MaxDueAt.AddDate(1, 0, 0)); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("Reschedule(year 10000) = %v, want ErrInvalidDuration", err)
	}
	if !env.s.IsActive(id) {
		t.Fatalf("rejected reschedule dropped the live timer")
	}
	start := time.Now()
	newDue := start.Add(300 * time.Millisecond)
	if err := env.s.Reschedule(ctx, id, newDue); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got := env.s.Registry().Len(); got != 1 {
		t.Fatalf("registry len = %d after reschedule", got)
	}
	a, _, _ := env.store.GetAction(ctx, id)
	if a.DueAt.UnixMilli() != newDue.UnixMilli() {
		t.Fatalf("stored due = %v, want %v", a.DueAt, newDue)
	}
	rec := env.rec.next(t, 2*time.Second)
	within(t, rec.at.Sub(start), 300*time.Millisecond, 150*time.Millisecond)
	waitInactive(t, env.s, id)

	if err := env.s.Reschedule(ctx, id, time.Now().Add(time.Hour)); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("Reschedule(fired) = %v, want ErrUnknownAction", err)
	}
	if err := env.s.Reschedule(ctx, id, time.Now().Add(-time.Hour)); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("Reschedule(past) = %v, want ErrInvalidDuration", err)
	}
}

func TestStopKeepsRecords(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	id, _ := env.s.ScheduleNow(ctx, storage.NewAction{Kind: "test", DueAt: time.Now().Add(time.Hour)})

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := env.s.Stop(sctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if env.s.Registry().Len() != 0 {
		t.Fatal("timers survived Stop")
	}
	if !env.stored(t, id) {
		t.Fatal("Stop deleted a pending record")
	}
	if _, err := env.s.ScheduleNow(ctx, storage.NewAction{Kind: "test", DueAt: time.Now().Add(time.Hour)}); !errors.Is(err, ErrStopped) {
		t.Fatalf("ScheduleNow after Stop = %v, want ErrStopped", err)
	}
	if !env.s.Snapshot().Stopped {
		t.Fatal("snapshot not marked stopped")
	}
}

func TestFirePublishesEvent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	events, unsub := env.bus.Subscribe(16)
	defer unsub()

	id, _ := env.s.ScheduleNow(context.Background(), storage.NewAction{Kind: "test", DueAt: time.Now().Add(30 * time.Millisecond)})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.ActionFired {
				continue
			}
			if d := e.Data.(eventbus.ActionData); d.ID != id || d.Kind != "test" {
				t.Fatalf("unexpected event data %+v", d)
			}
			return
		case <-deadline:
			t.Fatal("no action.fired event")
		}
	}
}

func TestApplyChangesDelays(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	env.s.Apply(Config{DegeneracyDelay: 5 * time.Second})
	cfg := env.s.Snapshot().Config
	if cfg.DegeneracyDelay != 5*time.Second || cfg.MaxDelta != DefaultMaxDelta || cfg.ExecTimeout != DefaultExecTimeout {
		t.Fatalf("config after Apply = %+v", cfg)
	}
}

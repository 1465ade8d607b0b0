package app

import (
	"context"
	"testing"
	"time"

	"modbot/internal/actions"
	"modbot/internal/storage"
)

func TestFindOrphans(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	payload, _ := actions.Encode(actions.ReminderPayload{Text: "x"})
	mk := func(due time.Time) storage.ScheduledAction {
		a, err := hs.store.CreateAction(ctx, storage.NewAction{Kind: actions.KindReminder, DueAt: due, Payload: payload, OwnerID: 5})
		if err != nil {
			t.Fatalf("CreateAction: %v", err)
		}
		return a
	}
	orphan := mk(now.Add(time.Hour))
	overdue := mk(now.Add(-time.Hour))
	mk(now.Add(10 * time.Second)) // inside the grace window
	mk(now.Add(-10 * time.Second))
	live := mk(now.Add(2 * time.Hour))
	if _, err := hs.sched.Schedule(live); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	stored, orphans, err := findOrphans(ctx, hs.sched, hs.store)
	if err != nil {
		t.Fatalf("findOrphans: %v", err)
	}
	if stored != 5 || len(orphans) != 2 || orphans[0].ID != orphan.ID || orphans[1].ID != overdue.ID {
		t.Fatalf("stored=%d orphans=%+v", stored, orphans)
	}
	if err := auditJob(hs.sched, hs.store, hs.router.log)(ctx); err != nil {
		t.Fatalf("auditJob: %v", err)
	}
}

func TestCompactJob(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir() + "/modbot"}, hsLog())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	if err := compactJob(st)(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
}

package app

import (
	"context"
	"time"

	"modbot/internal/storage"
	"modbot/internal/task/deferred"
	logx "modbot/pkg/logx"
)

const (
	jobCompact = "storage.compact"
	jobAudit   = "deferred.audit"

	defaultCompactEvery = "0 4 * * *"
	defaultAuditEvery   = "@every 30m"

	// Records due within this window of now may be mid-fire; the audit
	// ignores them.
	auditGrace = time.Minute
)

func compactJob(store storage.Store) func(ctx context.Context) error {
	return store.Compact
}

// findOrphans returns stored actions that have no live timer and are not
// due within auditGrace of now. Long-overdue records count: they are what a
// failed retire leaves behind.
func findOrphans(ctx context.Context, sched *deferred.Scheduler, store storage.Store) (int, []storage.ScheduledAction, error) {
	list, err := store.LoadActions(ctx)
	if err != nil {
		return 0, nil, err
	}
	now := sched.Clock().Now()
	var orphans []storage.ScheduledAction
	for _, a := range list {
		if sched.IsActive(a.ID) || inGrace(a.DueAt, now) {
			continue
		}
		orphans = append(orphans, a)
	}
	return len(list), orphans, nil
}

func inGrace(due, now time.Time) bool {
	d := due.Sub(now)
	return d >= -auditGrace && d <= auditGrace
}

func auditJob(sched *deferred.Scheduler, store storage.Store, log logx.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		stored, orphans, err := findOrphans(ctx, sched, store)
		if err != nil {
			return err
		}
		for _, a := range orphans {
			log.Warn("orphaned action: stored but no live timer",
				logx.Int64("id", a.ID),
				logx.String("ref", a.Ref),
				logx.String("kind", a.Kind),
				logx.Time("due_at", a.DueAt),
			)
		}
		log.Debug("deferred audit done", logx.Int("stored", stored), logx.Int("orphans", len(orphans)))
		return nil
	}
}

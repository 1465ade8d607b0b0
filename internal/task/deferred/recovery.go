package deferred

import (
	"context"
	"fmt"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// RecoveryReport counts what one Recover pass did.
type RecoveryReport struct {
	Loaded  int           `json:"loaded"`
	Future  int           `json:"future"`
	Dormant int           `json:"dormant"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Took    time.Duration `json:"took"`
}

// Recovery re-adopts stored actions at process start.
type Recovery struct {
	s   *Scheduler
	log logx.Logger
}

func NewRecovery(s *Scheduler) *Recovery {
	return &Recovery{s: s, log: s.log.With(logx.String("phase", "recovery"))}
}

// Recover loads every stored action and starts timers for those without
// one. Future actions wait for their own due time. Overdue actions are
// chained in store order (ascending id): the first fires immediately and
// each next one DegeneracyDelay after its predecessor finishes.
//
// Actions that already have a live timer are skipped, so calling Recover
// twice is harmless.
func (r *Recovery) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	started := r.s.clock.Now()

	actions, err := r.s.store.LoadActions(ctx)
	if err != nil {
		return rep, fmt.Errorf("recover: load actions: %w", err)
	}
	rep.Loaded = len(actions)

	now := r.s.clock.Now()
	var dormant []storage.ScheduledAction
	for _, a := range actions {
		if r.s.IsActive(a.ID) {
			rep.Skipped++
			continue
		}
		if !a.DueAt.After(now) {
			dormant = append(dormant, a)
			continue
		}
		if _, err := r.s.Schedule(a); err != nil {
			rep.Failed++
			r.log.Warn("schedule failed", logx.Int64("id", a.ID), logx.Err(err))
			continue
		}
		rep.Future++
	}

	prev := resolvedHandle()
	for _, a := range dormant {
		h, err := r.s.ScheduleDormant(a, prev)
		if err != nil {
			rep.Failed++
			r.log.Warn("schedule dormant failed", logx.Int64("id", a.ID), logx.Err(err))
			continue
		}
		prev = h
		rep.Dormant++
	}

	rep.Took = r.s.clock.Now().Sub(started)
	r.log.Info("recovery done",
		logx.Int("loaded", rep.Loaded),
		logx.Int("future", rep.Future),
		logx.Int("dormant", rep.Dormant),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("drain_eta", time.Duration(max(rep.Dormant-1, 0))*r.s.config().DegeneracyDelay),
	)
	r.s.bus.Publish(eventbus.Event{Type: eventbus.RecoveryDone, Time: r.s.clock.Now(), Data: rep})
	return rep, nil
}

package deferred

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"modbot/internal/eventbus"
	"modbot/internal/runtime/supervisor"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

const storeTimeout = 10 * time.Second

type Scheduler struct {
	store ActionStore
	audit Auditor
	sup   *supervisor.Supervisor
	log   logx.Logger
	bus   eventbus.Bus
	clock Clock
	reg   *Registry

	// opMu serializes Cancel and Reschedule so each is atomic with respect
	// to the other.
	opMu sync.Mutex

	mu      sync.Mutex
	cfg     Config
	execs   map[string]executorEntry
	stopped bool
}

// New creates a scheduler whose goroutines run under sup. A nil sup gets a
// private supervisor.
func New(cfg Config, store ActionStore, sup *supervisor.Supervisor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if sup == nil {
		sup = supervisor.New(context.Background(), supervisor.WithLogger(log))
	}
	s := &Scheduler{
		store: store,
		sup:   sup,
		log:   log.With(logx.String("comp", "deferred")),
		bus:   bus,
		clock: RealClock{},
		reg:   NewRegistry(),
		cfg:   cfg.withDefaults(),
		execs: map[string]executorEntry{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterExecutor binds kind to exec, replacing any previous binding.
func (s *Scheduler) RegisterExecutor(kind string, exec Executor, opts ...ExecutorOption) {
	e := executorEntry{exec: exec}
	for _, o := range opts {
		o(&e)
	}
	s.mu.Lock()
	s.execs[kind] = e
	s.mu.Unlock()
}

func (s *Scheduler) HasExecutor(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.execs[kind]
	return ok
}

// Apply swaps the tunables. Running waits keep the values they started with.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Debug("config applied",
		logx.Duration("max_delta", cfg.MaxDelta),
		logx.Duration("degeneracy_delay", cfg.DegeneracyDelay),
		logx.Duration("exec_timeout", cfg.ExecTimeout),
	)
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) Clock() Clock { return s.clock }

func (s *Scheduler) IsActive(id int64) bool { return s.reg.IsActive(id) }

func (s *Scheduler) Registry() *Registry { return s.reg }

// Schedule starts the timer for a stored action. An overdue action fires
// after DegeneracyDelay.
func (s *Scheduler) Schedule(a storage.ScheduledAction) (*Handle, error) {
	return s.start(a, nil)
}

// ScheduleDormant fires a once after finishes. When after is the head of a
// dormant chain (or nil) a fires at once; otherwise it waits
// DegeneracyDelay after its predecessor is done.
func (s *Scheduler) ScheduleDormant(a storage.ScheduledAction, after *Handle) (*Handle, error) {
	if after == nil {
		after = resolvedHandle()
	}
	return s.start(a, after)
}

func (s *Scheduler) start(a storage.ScheduledAction, after *Handle) (*Handle, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	ctx, cancel := context.WithCancel(s.sup.Context())
	h := newHandle(a.ID, cancel)
	if err := s.reg.Register(h); err != nil {
		cancel()
		return nil, fmt.Errorf("schedule %d: %w", a.ID, err)
	}
	s.sup.Go0("deferred."+strconv.FormatInt(a.ID, 10), func(context.Context) {
		s.run(ctx, h, a, after)
	})
	return h, nil
}

func (s *Scheduler) run(ctx context.Context, h *Handle, a storage.ScheduledAction, after *Handle) {
	defer close(h.done)
	defer s.reg.Unregister(h.id, h)
	defer h.cancel()

	log := s.actionLog(a)
	if err := s.wait(ctx, a, after); err != nil || ctx.Err() != nil {
		log.Debug("wait ended without firing", logx.Err(ctx.Err()))
		return
	}
	if !h.claim() {
		log.Debug("lost claim to cancel")
		return
	}
	// The executor must not be torn down by Stop halfway through a side
	// effect; it gets its own deadline instead.
	s.fire(context.WithoutCancel(ctx), a)
}

func (s *Scheduler) wait(ctx context.Context, a storage.ScheduledAction, after *Handle) error {
	cfg := s.config()
	if after != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-after.Done():
		}
		if after.start {
			return ctx.Err()
		}
		return sleep(ctx, s.clock, cfg.DegeneracyDelay)
	}
	due := a.DueAt
	if now := s.clock.Now(); !due.After(now) {
		due = now.Add(cfg.DegeneracyDelay)
	}
	s.actionLog(a).Debug("sleeping", logx.Time("until", due), logx.Int("segments", len(Segments(s.clock.Now(), due, cfg.MaxDelta))))
	return SleepUntil(ctx, s.clock, due, cfg.MaxDelta)
}

func (s *Scheduler) fire(ctx context.Context, a storage.ScheduledAction) {
	cfg := s.config()
	s.mu.Lock()
	entry, ok := s.execs[a.Kind]
	s.mu.Unlock()

	log := s.actionLog(a)
	started := s.clock.Now()

	if entry.retireFirst {
		s.retire(ctx, a)
	}
	var err error
	if !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownKind, a.Kind)
	} else {
		ectx, cancel := context.WithTimeout(ctx, cfg.ExecTimeout)
		err = safeExecute(ectx, entry.exec, a)
		cancel()
	}
	if !entry.retireFirst {
		s.retire(ctx, a)
	}

	took := s.clock.Now().Sub(started)
	data := eventbus.ActionData{ID: a.ID, Kind: a.Kind, DueAt: a.DueAt}
	entryAudit := storage.AuditEntry{ActionID: a.ID, Ref: a.Ref, Kind: a.Kind, Event: storage.AuditFired, ChatID: a.ChatID, TookMS: took.Milliseconds()}
	if err != nil {
		err = &ExecError{ID: a.ID, Kind: a.Kind, Err: err}
		log.Error("action failed", logx.Err(err), logx.Duration("took", took))
		data.Err = err.Error()
		entryAudit.Event, entryAudit.Error = storage.AuditFailed, err.Error()
		s.publish(eventbus.ActionFailed, data)
	} else {
		log.Info("action fired", logx.Duration("took", took), logx.Duration("late", started.Sub(a.DueAt).Round(time.Millisecond)))
		s.publish(eventbus.ActionFired, data)
	}
	s.appendAudit(ctx, entryAudit)
}

func safeExecute(ctx context.Context, exec Executor, a storage.ScheduledAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v\n%s", r, debug.Stack())
		}
	}()
	return exec.Execute(ctx, a)
}

// retire deletes the record. Failures are logged; the record is then
// re-adopted on the next start.
func (s *Scheduler) retire(ctx context.Context, a storage.ScheduledAction) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if _, err := s.store.DeleteAction(ctx, a.ID); err != nil {
		s.actionLog(a).Error("retire failed", logx.Err(err))
	}
}

// Cancel stops the action's timer and deletes its record.
//
// It returns true when a live timer was cancelled or an orphaned record was
// deleted, false with a nil error when the action is already firing, and
// ErrUnknownAction when neither a timer nor a record exists.
func (s *Scheduler) Cancel(ctx context.Context, id int64) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch s.reg.tryCancel(id) {
	case firing:
		return false, nil
	case cancelled:
		if _, err := s.store.DeleteAction(ctx, id); err != nil {
			return true, fmt.Errorf("cancel %d: delete record: %w", id, err)
		}
	default:
		found, err := s.store.DeleteAction(ctx, id)
		if err != nil {
			return false, fmt.Errorf("cancel %d: %w", id, err)
		}
		if !found {
			return false, fmt.Errorf("cancel %d: %w", id, ErrUnknownAction)
		}
	}
	s.log.Info("action cancelled", logx.Int64("id", id))
	s.publish(eventbus.ActionCancelled, eventbus.ActionData{ID: id})
	s.appendAudit(ctx, storage.AuditEntry{ActionID: id, Event: storage.AuditCancelled})
	return true, nil
}

// MaxDueAt is the latest due time every store can round-trip.
var MaxDueAt = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

func (s *Scheduler) validDue(t time.Time) bool {
	return t.After(s.clock.Now()) && !t.After(MaxDueAt)
}

// ScheduleNow persists a new action and starts its timer.
func (s *Scheduler) ScheduleNow(ctx context.Context, na storage.NewAction) (int64, error) {
	if !s.validDue(na.DueAt) {
		return 0, ErrInvalidDuration
	}
	if !s.HasExecutor(na.Kind) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, na.Kind)
	}
	a, err := s.store.CreateAction(ctx, na)
	if err != nil {
		return 0, fmt.Errorf("create action: %w", err)
	}
	// A stopped scheduler leaves the record for the next start to adopt.
	if _, err := s.Schedule(a); err != nil {
		return a.ID, err
	}
	s.actionLog(a).Info("action scheduled", logx.Time("due_at", a.DueAt))
	s.publish(eventbus.ActionScheduled, eventbus.ActionData{ID: a.ID, Kind: a.Kind, DueAt: a.DueAt})
	s.appendAudit(ctx, storage.AuditEntry{ActionID: a.ID, Ref: a.Ref, Kind: a.Kind, Event: storage.AuditScheduled, ChatID: a.ChatID})
	return a.ID, nil
}

// Reschedule moves an action to dueAt: the old timer is cancelled, the
// record updated and a new timer started, all under one lock.
func (s *Scheduler) Reschedule(ctx context.Context, id int64, dueAt time.Time) error {
	if !s.validDue(dueAt) {
		return ErrInvalidDuration
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	a, ok, err := s.store.GetAction(ctx, id)
	if err != nil {
		return fmt.Errorf("reschedule %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("reschedule %d: %w", id, ErrUnknownAction)
	}
	outcome := s.reg.tryCancel(id)
	if outcome == firing {
		return fmt.Errorf("reschedule %d: %w", id, ErrFiring)
	}
	if err := s.store.UpdateActionDue(ctx, id, dueAt); err != nil {
		if outcome == cancelled {
			// Put the old timer back; the record still has its old due time.
			if _, serr := s.Schedule(a); serr != nil {
				s.actionLog(a).Error("restoring timer failed", logx.Err(serr))
			}
		}
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("reschedule %d: %w", id, ErrUnknownAction)
		}
		return fmt.Errorf("reschedule %d: %w", id, err)
	}
	a.DueAt = dueAt
	if _, err := s.Schedule(a); err != nil {
		return err
	}
	s.actionLog(a).Info("action rescheduled", logx.Time("due_at", dueAt))
	s.publish(eventbus.ActionRescheduled, eventbus.ActionData{ID: a.ID, Kind: a.Kind, DueAt: dueAt})
	s.appendAudit(ctx, storage.AuditEntry{ActionID: a.ID, Ref: a.Ref, Kind: a.Kind, Event: storage.AuditRescheduled, ChatID: a.ChatID})
	return nil
}

// Stop aborts every pending wait and waits for in-flight executors, bounded
// by ctx. Records are kept so the next process re-adopts them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	hs := s.reg.handles()
	for _, h := range hs {
		h.cancel()
	}
	for _, h := range hs {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("scheduler stopped", logx.Int("timers", len(hs)))
	return nil
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	kinds := make([]string, 0, len(s.execs))
	for k := range s.execs {
		kinds = append(kinds, k)
	}
	snap := Snapshot{Config: s.cfg, Stopped: s.stopped}
	s.mu.Unlock()
	sort.Strings(kinds)
	snap.Kinds = kinds
	snap.ActiveIDs = s.reg.IDs()
	snap.Active = len(snap.ActiveIDs)
	return snap
}

func (s *Scheduler) actionLog(a storage.ScheduledAction) logx.Logger {
	return s.log.With(logx.Int64("id", a.ID), logx.String("kind", a.Kind), logx.String("ref", a.Ref))
}

func (s *Scheduler) publish(typ string, d eventbus.ActionData) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: d})
}

func (s *Scheduler) appendAudit(ctx context.Context, e storage.AuditEntry) {
	if s.audit == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := s.audit.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.Int64("id", e.ActionID), logx.Err(err))
	}
}

package deferred

import (
	"context"
	"time"

	"modbot/internal/storage"
)

const (
	DefaultMaxDelta        = 40 * 24 * time.Hour
	DefaultDegeneracyDelay = time.Second
	DefaultExecTimeout     = 30 * time.Second
)

// Config holds the live-tunable scheduler settings. Zero fields use the
// defaults above.
type Config struct {
	MaxDelta        time.Duration
	DegeneracyDelay time.Duration
	ExecTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDelta <= 0 {
		c.MaxDelta = DefaultMaxDelta
	}
	if c.DegeneracyDelay <= 0 {
		c.DegeneracyDelay = DefaultDegeneracyDelay
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = DefaultExecTimeout
	}
	return c
}

// ActionStore is the slice of storage.Store the scheduler needs.
type ActionStore interface {
	LoadActions(ctx context.Context) ([]storage.ScheduledAction, error)
	CreateAction(ctx context.Context, a storage.NewAction) (storage.ScheduledAction, error)
	DeleteAction(ctx context.Context, id int64) (bool, error)
	UpdateActionDue(ctx context.Context, id int64, dueAt time.Time) error
	GetAction(ctx context.Context, id int64) (storage.ScheduledAction, bool, error)
}

// Auditor receives one entry per lifecycle step. Optional.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Executor performs the side effect of one action kind.
type Executor interface {
	Execute(ctx context.Context, a storage.ScheduledAction) error
}

type ExecutorFunc func(ctx context.Context, a storage.ScheduledAction) error

func (f ExecutorFunc) Execute(ctx context.Context, a storage.ScheduledAction) error { return f(ctx, a) }

type ExecutorOption func(*executorEntry)

// RetireFirst deletes the record before the executor runs. A crash during
// execution then loses the action instead of repeating it on restart.
func RetireFirst() ExecutorOption {
	return func(e *executorEntry) { e.retireFirst = true }
}

type executorEntry struct {
	exec        Executor
	retireFirst bool
}

type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithAuditor(a Auditor) Option { return func(s *Scheduler) { s.audit = a } }

// Snapshot is a diagnostic view of the scheduler.
type Snapshot struct {
	Active    int      `json:"active"`
	ActiveIDs []int64  `json:"active_ids"`
	Kinds     []string `json:"kinds"`
	Config    Config   `json:"config"`
	Stopped   bool     `json:"stopped"`
}

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "modbot/pkg/logx"
)

// Store is the persistence API of the bot.
type Store interface {
	// LoadActions returns every action in ascending id order.
	LoadActions(ctx context.Context) ([]ScheduledAction, error)
	CreateAction(ctx context.Context, a NewAction) (ScheduledAction, error)
	// DeleteAction reports whether a record existed.
	DeleteAction(ctx context.Context, id int64) (bool, error)
	// UpdateActionDue returns ErrNotFound for unknown ids.
	UpdateActionDue(ctx context.Context, id int64, dueAt time.Time) error
	GetAction(ctx context.Context, id int64) (ScheduledAction, bool, error)
	// ActionsByOwner lists an owner's actions of one kind (any kind when
	// kind is empty), soonest first.
	ActionsByOwner(ctx context.Context, ownerID int64, kind string) ([]ScheduledAction, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	// Compact folds journals and checkpoints logs. Safe to call any time.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory", "none":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "modbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Pragmas in the DSN apply to every pooled connection.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)", path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path), logx.Duration("busy_timeout", busy))
	return s, nil
}

const actionCols = `id, kind, due_at, payload, owner_id, chat_id, ref, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (ScheduledAction, error) {
	var (
		a       ScheduledAction
		due, at int64
		payload sql.NullString
	)
	if err := r.Scan(&a.ID, &a.Kind, &due, &payload, &a.OwnerID, &a.ChatID, &a.Ref, &at); err != nil {
		return ScheduledAction{}, err
	}
	a.DueAt = time.UnixMilli(due).UTC()
	a.CreatedAt = time.UnixMilli(at).UTC()
	if payload.Valid && payload.String != "" {
		a.Payload = []byte(payload.String)
	}
	return a, nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]ScheduledAction, error) {
	var out []ScheduledAction
	err := retryOp(ctx, defaultRetry, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAction(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *sqliteStore) LoadActions(ctx context.Context) ([]ScheduledAction, error) {
	return s.query(ctx, `SELECT `+actionCols+` FROM actions ORDER BY id`)
}

func (s *sqliteStore) ActionsByOwner(ctx context.Context, ownerID int64, kind string) ([]ScheduledAction, error) {
	if kind == "" {
		return s.query(ctx, `SELECT `+actionCols+` FROM actions WHERE owner_id = ? ORDER BY due_at, id`, ownerID)
	}
	return s.query(ctx, `SELECT `+actionCols+` FROM actions WHERE owner_id = ? AND kind = ? ORDER BY due_at, id`, ownerID, kind)
}

func (s *sqliteStore) CreateAction(ctx context.Context, a NewAction) (ScheduledAction, error) {
	sa := ScheduledAction{
		Kind:      a.Kind,
		DueAt:     a.DueAt.UTC().Truncate(time.Millisecond),
		Payload:   a.Payload,
		OwnerID:   a.OwnerID,
		ChatID:    a.ChatID,
		Ref:       uuid.NewString(),
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	err := retryOp(ctx, defaultRetry, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO actions(kind, due_at, payload, owner_id, chat_id, ref, created_at) VALUES(?,?,?,?,?,?,?)`,
			sa.Kind, sa.DueAt.UnixMilli(), nullStr(string(sa.Payload)), sa.OwnerID, sa.ChatID, sa.Ref, sa.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		sa.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return ScheduledAction{}, err
	}
	return sa, nil
}

func (s *sqliteStore) DeleteAction(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := retryOp(ctx, defaultRetry, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n > 0, err
}

func (s *sqliteStore) UpdateActionDue(ctx context.Context, id int64, dueAt time.Time) error {
	var n int64
	err := retryOp(ctx, defaultRetry, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE actions SET due_at = ? WHERE id = ?`, dueAt.UTC().UnixMilli(), id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetAction(ctx context.Context, id int64) (ScheduledAction, bool, error) {
	var (
		a     ScheduledAction
		found bool
	)
	err := retryOp(ctx, defaultRetry, func() error {
		var err error
		a, err = scanAction(s.db.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		found = err == nil
		return err
	})
	return a, found, err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return retryOp(ctx, defaultRetry, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit(at, action_id, ref, kind, event, chat_id, err, took_ms) VALUES(?,?,?,?,?,?,?,?)`,
			e.At.UnixMilli(), e.ActionID, nullStr(e.Ref), e.Kind, e.Event, e.ChatID, nullStr(e.Error), e.TookMS,
		)
		return err
	})
}

// Compact checkpoints the WAL back into the main database file.
func (s *sqliteStore) Compact(ctx context.Context) error {
	return retryOp(ctx, defaultRetry, func() error {
		_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
		return err
	})
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

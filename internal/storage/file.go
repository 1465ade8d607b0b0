package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "modbot/pkg/logx"
)

const fileCompactEvery = 500

// fileStore keeps actions in memory and makes them durable with:
//   - <prefix>.actions.snapshot.json  (rewritten on compaction)
//   - <prefix>.actions.journal.jsonl  (append-only, fsynced per write)
//   - <prefix>.audit.jsonl            (append-only)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex
	ix *actionIndex

	snapshotPath string
	journal      *os.File
	audit        *os.File
	writes       int
}

type journalOp struct {
	Op     string           `json:"op"` // put | del | due
	Action *ScheduledAction `json:"action,omitempty"`
	ID     int64            `json:"id,omitempty"`
	Due    int64            `json:"due,omitempty"` // unix ms
}

type fileSnapshot struct {
	NextID  int64             `json:"next_id"`
	Actions []ScheduledAction `json:"actions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, ix: newActionIndex(), snapshotPath: prefix + ".actions.snapshot.json"}
	journalPath := prefix + ".actions.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, torn, err := s.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if torn >= 0 {
		// Appending after a torn tail would glue the next record onto it.
		if err := os.Truncate(journalPath, torn); err != nil {
			return nil, err
		}
		log.Warn("truncated torn journal tail", logx.String("path", journalPath), logx.Int64("offset", torn))
	}

	if s.journal, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		return nil, err
	}
	if s.audit, err = os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		_ = s.journal.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("actions", len(s.ix.actions)), logx.Int("replayed", replayed))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, a := range snap.Actions {
		s.ix.put(a)
	}
	s.ix.nextID = max(s.ix.nextID, snap.NextID)
	return nil
}

// replay applies journal records on top of the snapshot. A torn final line
// from a crash mid-write is skipped and its start offset returned as torn;
// torn is -1 when the journal ends on a newline.
func (s *fileStore) replay(path string) (n int, torn int64, err error) {
	torn = -1
	f, err := os.Open(path)
	if err != nil {
		return 0, torn, err
	}
	defer f.Close()
	r := bufio.NewReaderSize(f, 64*1024)
	var off int64
	for {
		line, rerr := r.ReadBytes('\n')
		if rerr == io.EOF && len(line) > 0 {
			s.log.Warn("skipping torn journal tail", logx.Int("bytes", len(line)))
			return n, off, nil
		}
		if len(line) > 0 {
			off += int64(len(line))
			var op journalOp
			if err := json.Unmarshal(line, &op); err != nil {
				s.log.Warn("skipping corrupt journal line", logx.Err(err))
			} else {
				s.apply(op)
				n++
			}
		}
		if rerr == io.EOF {
			return n, torn, nil
		}
		if rerr != nil {
			return n, torn, rerr
		}
	}
}

func (s *fileStore) apply(op journalOp) {
	switch op.Op {
	case "put":
		if op.Action != nil {
			s.ix.put(*op.Action)
		}
	case "del":
		s.ix.remove(op.ID)
	case "due":
		s.ix.setDue(op.ID, time.UnixMilli(op.Due))
	}
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadActions(context.Context) ([]ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.ix.all(), nil
}

func (s *fileStore) CreateAction(_ context.Context, a NewAction) (ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ScheduledAction{}, ErrClosed
	}
	sa := s.ix.create(a, time.Now())
	if err := s.appendLocked(journalOp{Op: "put", Action: &sa}); err != nil {
		// Keep the id burnt; nextID must never move backwards.
		s.ix.remove(sa.ID)
		return ScheduledAction{}, err
	}
	return sa, nil
}

func (s *fileStore) DeleteAction(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if _, ok := s.ix.actions[id]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "del", ID: id}); err != nil {
		return false, err
	}
	s.ix.remove(id)
	return true, nil
}

func (s *fileStore) UpdateActionDue(_ context.Context, id int64, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.ix.actions[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalOp{Op: "due", ID: id, Due: dueAt.UnixMilli()}); err != nil {
		return err
	}
	s.ix.setDue(id, dueAt)
	return nil
}

func (s *fileStore) GetAction(_ context.Context, id int64) (ScheduledAction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ScheduledAction{}, false, ErrClosed
	}
	a, ok := s.ix.actions[id]
	return a, ok, nil
}

func (s *fileStore) ActionsByOwner(_ context.Context, ownerID int64, kind string) ([]ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	return s.ix.byOwner(ownerID, kind), nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.audit).Encode(e)
}

func (s *fileStore) Compact(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

// compactLocked writes a fresh snapshot (tmp + rename) and truncates the
// journal. A crash between the two replays already-applied records, which
// is idempotent.
func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{NextID: s.ix.nextID, Actions: s.ix.all()}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
		s.journal = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}

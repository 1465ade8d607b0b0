package storage

import (
	"context"
	"sync"
	"time"
)

const memoryAuditCap = 1000

// Memory is a non-durable Store. Audit entries are kept in a bounded ring.
type Memory struct {
	mu     sync.Mutex
	ix     *actionIndex
	audit  []AuditEntry
	closed bool
}

func NewMemory() *Memory {
	return &Memory{ix: newActionIndex()}
}

func (m *Memory) LoadActions(context.Context) ([]ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.ix.all(), nil
}

func (m *Memory) CreateAction(_ context.Context, a NewAction) (ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ScheduledAction{}, ErrClosed
	}
	return m.ix.create(a, time.Now()), nil
}

func (m *Memory) DeleteAction(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	return m.ix.remove(id), nil
}

func (m *Memory) UpdateActionDue(_ context.Context, id int64, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.ix.setDue(id, dueAt) {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) GetAction(_ context.Context, id int64) (ScheduledAction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ScheduledAction{}, false, ErrClosed
	}
	a, ok := m.ix.actions[id]
	return a, ok, nil
}

func (m *Memory) ActionsByOwner(_ context.Context, ownerID int64, kind string) ([]ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.ix.byOwner(ownerID, kind), nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if len(m.audit) >= memoryAuditCap {
		m.audit = append(m.audit[:0], m.audit[1:]...)
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Compact(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

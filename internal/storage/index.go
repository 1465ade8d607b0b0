package storage

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

// actionIndex is the in-memory table shared by the memory and file drivers.
// Callers hold their own lock.
type actionIndex struct {
	actions map[int64]ScheduledAction
	nextID  int64
}

func newActionIndex() *actionIndex {
	return &actionIndex{actions: map[int64]ScheduledAction{}, nextID: 1}
}

func (ix *actionIndex) create(a NewAction, now time.Time) ScheduledAction {
	sa := ScheduledAction{
		ID:        ix.nextID,
		Kind:      a.Kind,
		DueAt:     a.DueAt.UTC().Truncate(time.Millisecond),
		Payload:   slices.Clone(a.Payload),
		OwnerID:   a.OwnerID,
		ChatID:    a.ChatID,
		Ref:       uuid.NewString(),
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}
	ix.nextID++
	ix.actions[sa.ID] = sa
	return sa
}

// put inserts a replayed record and keeps nextID ahead of it.
func (ix *actionIndex) put(a ScheduledAction) {
	ix.actions[a.ID] = a
	if a.ID >= ix.nextID {
		ix.nextID = a.ID + 1
	}
}

func (ix *actionIndex) remove(id int64) bool {
	if _, ok := ix.actions[id]; !ok {
		return false
	}
	delete(ix.actions, id)
	return true
}

func (ix *actionIndex) setDue(id int64, due time.Time) bool {
	a, ok := ix.actions[id]
	if !ok {
		return false
	}
	a.DueAt = due.UTC().Truncate(time.Millisecond)
	ix.actions[id] = a
	return true
}

func (ix *actionIndex) all() []ScheduledAction {
	out := make([]ScheduledAction, 0, len(ix.actions))
	for _, a := range ix.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (ix *actionIndex) byOwner(ownerID int64, kind string) []ScheduledAction {
	var out []ScheduledAction
	for _, a := range ix.actions {
		if a.OwnerID == ownerID && (kind == "" || a.Kind == kind) {
			out = append(out, a)
		}
	}
	sortByDue(out)
	return out
}

func sortByDue(out []ScheduledAction) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
}

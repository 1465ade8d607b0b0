package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStagger = 30 * time.Second

// staggered holds back the first run of an interval job by an offset
// derived from its name, so jobs added together at boot spread out and
// keep the same spacing across restarts.
type staggered struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s staggered) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

func staggerInterval(name string, every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	secs := uint64(min(every, maxStagger) / time.Second)
	if secs == 0 {
		return base, 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	off := time.Duration(uint64(h.Sum32())%secs) * time.Second
	return staggered{every: base, first: now.Add(every + off)}, off
}

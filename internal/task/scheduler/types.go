package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means local
}

// Job is one registered maintenance task.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string // normalized cron spec or "@every <d>"
	timeout time.Duration
	run     Job
	entryID cron.EntryID
	stagger time.Duration
	stats   *jobStats
}

type jobStats struct {
	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
	lastErr atomic.Value // string
	lastDur atomic.Int64
}

type JobInfo struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Timeout      time.Duration `json:"timeout"`
	Stagger      time.Duration `json:"stagger,omitempty"`
	Next         time.Time     `json:"next"`
	Prev         time.Time     `json:"prev"`
	Running      bool          `json:"running"`
	Runs         uint64        `json:"runs"`
	Skipped      uint64        `json:"skipped"`
	Failed       uint64        `json:"failed"`
	LastErr      string        `json:"last_err,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

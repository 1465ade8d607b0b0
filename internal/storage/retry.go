package storage

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetry = retryConfig{maxRetries: 3, baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}

// isTransientSQLiteErr matches lock and WAL short-read errors that
// busy_timeout does not absorb. modernc.org/sqlite only exposes them in the
// message text.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",
		"(6)",
		"(522)",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// retryOp runs fn, retrying transient errors with exponential backoff and
// jitter until ctx is done.
func retryOp(ctx context.Context, cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isTransientSQLiteErr(err) || attempt >= cfg.maxRetries {
			return err
		}
		t := time.NewTimer(backoffDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	d := min(cfg.baseDelay<<uint(attempt), cfg.maxDelay)
	return d + time.Duration(rand.Int63n(int64(cfg.baseDelay)))
}

package deferred

import (
	"context"
	"time"
)

// Segments plans the sleeps SleepUntil would make: full maxDelta segments
// while more than maxDelta remains, then the remainder. Nothing is returned
// for a target that is not in the future.
func Segments(now, dueAt time.Time, maxDelta time.Duration) []time.Duration {
	remaining := dueAt.Sub(now)
	if remaining <= 0 {
		return nil
	}
	if maxDelta <= 0 {
		return []time.Duration{remaining}
	}
	out := make([]time.Duration, 0, remaining/maxDelta+1)
	for remaining > maxDelta {
		out = append(out, maxDelta)
		remaining -= maxDelta
	}
	return append(out, remaining)
}

// SleepUntil blocks until dueAt. No single timer is armed for longer than
// maxDelta; the remaining time is recomputed from the clock after each full
// segment, so wall-clock drift during long waits is absorbed. It returns
// ctx.Err() if ctx is cancelled first.
func SleepUntil(ctx context.Context, clock Clock, dueAt time.Time, maxDelta time.Duration) error {
	for {
		remaining := dueAt.Sub(clock.Now())
		if remaining <= 0 {
			return nil
		}
		last := maxDelta <= 0 || remaining <= maxDelta
		step := remaining
		if !last {
			step = maxDelta
		}
		if err := sleep(ctx, clock, step); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}

func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	c, stop := clock.Timer(d)
	select {
	case <-ctx.Done():
		stop()
		return ctx.Err()
	case <-c:
		return nil
	}
}

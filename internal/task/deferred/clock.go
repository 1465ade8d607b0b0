package deferred

import "time"

// Clock abstracts time so waits can be tested without sleeping.
type Clock interface {
	Now() time.Time
	// Timer returns a channel that fires once after d and a stop function.
	Timer(d time.Duration) (<-chan time.Time, func() bool)
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Timer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Package deferred runs persisted "do X at time T" actions.
//
// Every scheduled action gets one supervised goroutine that sleeps until the
// action is due, claims it, runs the executor registered for its kind and
// retires it from the store. Sleeps longer than Config.MaxDelta are split
// into segments.
//
// At startup Recovery re-adopts every stored action. Actions that came due
// while the process was down fire one after another in id order, spaced by
// Config.DegeneracyDelay, so a rate-limited chat API is not hit by a burst.
//
// The Registry guarantees at most one live timer per action id; a claim flag
// on each Handle makes the executor run at most once even when a cancel
// races the wake-up.
package deferred

// Package retry implements a bounded fixed-interval retry combinator. It is
// deliberately simple: no backoff, no jitter. Callers with a short deadline
// horizon (a few minutes) get predictable timing and trivially testable
// behavior with a fake clock.
package retry

import (
	"context"
	"time"
)

// Outcome is the terminal state of a retry loop.
type Outcome int

const (
	// Ready means the operation succeeded at least once.
	Ready Outcome = iota
	// Exhausted means every attempt failed and the attempt budget is spent.
	Exhausted
	// Canceled means the context was canceled between attempts.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Policy bounds a retry loop: at most Attempts tries, spaced Interval apart.
// No wait follows the final attempt.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Result reports how the loop ended. Attempts counts operations actually
// executed; LastErr is the error from the final failed attempt, nil when the
// outcome is Ready.
type Result struct {
	Outcome  Outcome
	Attempts int
	LastErr  error
}

// Clock abstracts time for testing. The real clock is used unless the caller
// provides one via DoWithClock.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Do runs op until it returns nil, the attempt budget is exhausted, or ctx
// is canceled while waiting between attempts.
func Do(ctx context.Context, policy Policy, op func(context.Context) error) Result {
	return DoWithClock(ctx, policy, realClock{}, op)
}

// DoWithClock is Do with an injectable clock.
func DoWithClock(
	ctx context.Context,
	policy Policy,
	clock Clock,
	op func(context.Context) error,
) Result {
	var lastErr error

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if err := op(ctx); err == nil {
			return Result{Outcome: Ready, Attempts: attempt}
		} else {
			lastErr = err
		}

		if attempt == policy.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return Result{Outcome: Canceled, Attempts: attempt, LastErr: ctx.Err()}
		case <-clock.After(policy.Interval):
		}
	}

	return Result{Outcome: Exhausted, Attempts: policy.Attempts, LastErr: lastErr}
}

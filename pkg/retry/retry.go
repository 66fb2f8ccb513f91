// Package retry provides the shared retry/backoff loop used by the provider
// client and the storage write wrapper. Callers classify each error; the
// loop decides whether and how long to wait.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Decision tells the loop what to do with a failed attempt.
type Decision int

const (
	// Stop surfaces the error immediately without further attempts.
	Stop Decision = iota
	// Backoff retries after an exponential delay with jitter.
	Backoff
	// After retries after the explicit delay returned by the classifier
	// (e.g. a Retry-After header from a rate limiter).
	After
)

// Classifier inspects an error and returns the decision plus, for After,
// the explicit wait duration.
type Classifier func(err error) (Decision, time.Duration)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // initial backoff delay, doubled per retry
	MaxDelay    time.Duration // backoff cap (explicit After delays are not capped)

	// Sleep is overridable in tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the backoff delay for the given retry (0-based): base
// doubled per retry, capped at MaxDelay, plus up to 25% random jitter.
func (p Policy) Delay(retry int) time.Duration {
	d := p.BaseDelay << uint(retry)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

// Do runs fn until it succeeds, the classifier stops the loop, or the
// attempt budget is exhausted. The last error is returned.
func (p Policy) Do(ctx context.Context, classify Classifier, fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		decision, wait := classify(err)
		if decision == Stop || attempt == p.MaxAttempts-1 {
			return err
		}
		if decision == Backoff {
			wait = p.Delay(attempt)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

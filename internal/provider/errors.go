package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/attendwise/syncengine/pkg/retry"
)

// ErrAuthInvalid means the provider rejected the connection's credentials.
// Never retried; the job should fail immediately with a re-auth message.
var ErrAuthInvalid = errors.New("provider: credentials rejected")

// ErrPageCeiling means a stream produced more pages than the configured cap
// allows, which indicates an inconsistent hasMore/cursor pair upstream.
var ErrPageCeiling = errors.New("provider: page ceiling exceeded")

// RateLimitedError is an HTTP 429 from the provider. RetryAfter is zero when
// the provider gave no explicit value.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider: rate limited, retry after %s", e.RetryAfter)
	}
	return "provider: rate limited"
}

// TransientError covers timeouts, network failures and 5xx responses.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: transient: %s: %v", e.Reason, e.Err)
	}
	return "provider: transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is an unrecoverable provider failure: unexpected 4xx, a
// malformed response, or an exhausted retry budget.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: fatal: %s: %v", e.Reason, e.Err)
	}
	return "provider: fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Classify maps provider errors onto retry decisions: rate limits wait the
// provider-supplied interval (backoff when absent), transient failures back
// off, everything else stops the loop.
func Classify(err error) (retry.Decision, time.Duration) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 {
			return retry.After, rl.RetryAfter
		}
		return retry.Backoff, 0
	}
	var tr *TransientError
	if errors.As(err, &tr) {
		return retry.Backoff, 0
	}
	return retry.Stop, 0
}

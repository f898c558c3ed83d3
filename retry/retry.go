// Package retry provides the one bounded-backoff policy shared by every
// caller that talks to flaky collaborators, instead of ad hoc timers at each
// call site.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy bounds how often and how long Do keeps trying.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy suits short HTTP call-outs: a few tries within seconds.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error so Do stops retrying and returns it immediately.
// Use it for failures where a retry cannot help (rejected payloads) or must
// not happen (non-idempotent side effects).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do invokes fn until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or ctx is done. The delay doubles per attempt up to MaxDelay.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	delay := p.InitialDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

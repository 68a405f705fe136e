// Package retry wraps outbound calls with a per-call-class timeout and
// exponential-backoff retry, classifying errors as retryable or fatal.
package retry

import (
	"context"
	"time"

	perr "beatbridge/internal/platform/errors"
	"beatbridge/internal/platform/logger"
)

// Class names the call being wrapped, selecting its default timeout
// (§4.D "Timeout").
type Class int

const (
	ClassAPI Class = iota
	ClassBatch
	ClassUpload
)

// Timeouts maps call class to default deadline; overridable per field.
type Timeouts struct {
	API    time.Duration
	Batch  time.Duration
	Upload time.Duration
}

// DefaultTimeouts matches §4.D's stated defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		API:    15 * time.Second,
		Batch:  30 * time.Second,
		Upload: 60 * time.Second,
	}
}

func (t Timeouts) forClass(c Class) time.Duration {
	switch c {
	case ClassAPI:
		return orDefault(t.API, 15*time.Second)
	case ClassUpload:
		return orDefault(t.Upload, 60*time.Second)
	default:
		return orDefault(t.Batch, 30*time.Second)
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Policy configures the retry engine (§4.D "Retry").
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	MaxDelay    time.Duration
	Timeouts    Timeouts
}

// DefaultPolicy matches §4.D's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Initial:     1 * time.Second,
		MaxDelay:    30 * time.Second,
		Timeouts:    DefaultTimeouts(),
	}
}

// Engine runs calls under Policy, logging each attempt.
type Engine struct {
	policy Policy
	sleep  func(context.Context, time.Duration) error
	log    *logger.Logger
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSleepFunc overrides the backoff sleep primitive, for deterministic tests.
func WithSleepFunc(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// New constructs an Engine.
func New(policy Policy, opts ...Option) *Engine {
	e := &Engine{
		policy: policy,
		sleep:  ctxSleep,
		log:    logger.Named("retry"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn under a per-class deadline, retrying on retryable errors with
// exponential backoff up to MaxAttempts (§4.D). A 429 is not classified
// here — callers that want governor-driven 429 handling detect it
// themselves and loop at a higher level; Do treats a 429 slipping through
// (an error that IsRetryable accepts) as retryable, per §4.D's note.
func (e *Engine) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	attempts := e.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		callCtx, cancel := context.WithTimeout(ctx, e.policy.Timeouts.forClass(class))
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			lastErr = perr.Wrapf(err, perr.ErrorCodeUnavailable, "retry: call timed out")
		}

		if !perr.IsRetryable(lastErr) {
			return lastErr
		}
		if i == attempts {
			break
		}

		delay := backoffDelay(i, e.policy.Initial, e.policy.MaxDelay)
		e.log.Warn().Err(lastErr).Int("attempt", i).Dur("backoff", delay).Msg("retry: retryable error, backing off")
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return perr.Wrapf(sleepErr, perr.ErrorCodeCancelled, "retry: interrupted during backoff")
		}
	}
	return lastErr
}

// backoffDelay is delay_i = min(maxDelay, initial * 2^(i-1)) (§4.D "Retry").
func backoffDelay(attempt int, initial, maxDelay time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

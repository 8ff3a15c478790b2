// Package retry runs outbound calls with a small, fixed number of attempts and
// exponential backoff between them.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/11PRIMUS/memento3/internal/port"
)

// Policy configures attempts and delays.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each delay (0 = exact delays).
	Jitter float64
}

// Default is three attempts waiting 2s then 4s (8s cap).
func Default() Policy {
	return Policy{
		MaxTries:        3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	if b.InitialInterval <= 0 {
		b.InitialInterval = 2 * time.Second
	}
	if b.Multiplier <= 1 {
		b.Multiplier = 2
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval * 4
	}
	return b
}

// Observer is notified before each retry.
type Observer func(op string, attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, returns a permanent error, the context ends, or
// the policy's attempts are exhausted. The last error is returned.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error), observers ...Observer) (T, error) {
	tries := p.MaxTries
	if tries == 0 {
		tries = 3
	}

	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if port.IsPermanent(err) || ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("retrying after failure", "op", op, "attempt", attempt, "wait", wait, "error", err)
		for _, o := range observers {
			o(op, attempt, err, wait)
		}
	}

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(tries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		// backoff wraps permanent errors; callers match on the cause.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
	}
	return v, err
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11PRIMUS/memento3/internal/port"
)

func fastPolicy() Policy {
	return Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(), "test", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxTries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("attempt %d failed", calls)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.EqualError(t, err, "attempt 3 failed")
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", &port.UpstreamError{Service: "github", StatusCode: 404, Body: "Not Found"}},
		{"bad request", &port.UpstreamError{Service: "github", StatusCode: 400}},
		{"invalid input", fmt.Errorf("parse: %w", port.ErrInvalidInput)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := Do(context.Background(), fastPolicy(), "test", func(ctx context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			assert.Equal(t, 1, calls)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(), "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, &port.UpstreamError{Service: "github", StatusCode: 502}
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, port.ErrUpstream)
}

func TestDoNotifiesObservers(t *testing.T) {
	var attempts []int
	observer := func(op string, attempt int, err error, wait time.Duration) {
		assert.Equal(t, "fetch", op)
		attempts = append(attempts, attempt)
	}
	_, _ = Do(context.Background(), fastPolicy(), "fetch", func(ctx context.Context) (int, error) {
		return 0, errors.New("boom")
	}, observer)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxTries: 3, InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 2}, "test",
		func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("boom")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	assert.Equal(t, uint(3), p.MaxTries)
	assert.Equal(t, 2*time.Second, p.InitialInterval)

	b := p.backOff()
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 8*time.Second, b.NextBackOff())
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }

	fail := func(context.Context) (int, error) { return 0, NewTransientError(errors.New("503"), 503) }
	ok := func(context.Context) (int, error) { return 1, nil }
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, fail)
	assert.Equal(t, CircuitClosed, cb.State())
	_, _ = ExecuteVal(ctx, cb, fail)
	assert.Equal(t, CircuitOpen, cb.State())

	_, err := ExecuteVal(ctx, cb, ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	now = now.Add(time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	v, err := ExecuteVal(ctx, cb, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
			return 0, errors.New("invalid request")
		})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }
	fail := func(context.Context) (int, error) { return 0, NewTransientError(errors.New("x"), 500) }

	_, _ = ExecuteVal(context.Background(), cb, fail)
	now = now.Add(2 * time.Second)
	_, _ = ExecuteVal(context.Background(), cb, fail)
	assert.Equal(t, CircuitOpen, cb.State())
}

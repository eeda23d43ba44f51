package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker(&Config{
		Name:                "pinata",
		MinCalls:            4,
		FailureThreshold:    0.5,
		ConsecutiveFailures: 3,
		Cooldown:            time.Minute,
		HalfOpenProbes:      1,
	})
	cb.now = func() time.Time { return *now }
	return cb
}

func fail(ctx context.Context) error    { return errUpstream }
func succeed(ctx context.Context) error { return nil }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), succeed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.GetHTTPStatusCode(err))
}

func TestCircuitBreaker_UserErrorsDoNotTrip(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)

	for i := 0; i < 10; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			return apperrors.NewInvalidInputError("bad file")
		})
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeClosesCircuit(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	now = now.Add(2 * time.Minute)
	_ = cb.Execute(context.Background(), fail)

	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)
}

func TestCircuitBreaker_FailureRate(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now)

	_ = cb.Execute(context.Background(), succeed)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), succeed)
	assert.Equal(t, StateClosed, cb.State())
	_ = cb.Execute(context.Background(), fail)

	assert.Equal(t, StateOpen, cb.State())
}

func TestRegistry_ReturnsSameBreaker(t *testing.T) {
	r := NewRegistry()
	a := r.Get("avs")
	assert.Same(t, a, r.Get("avs"))
	assert.NotSame(t, a, r.Get("pinata"))
	assert.Len(t, r.Stats(), 2)
}

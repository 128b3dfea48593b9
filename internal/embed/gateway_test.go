package embed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docgraph/docgraph/internal/log"
)

// fakeCapability is a scriptable EmbedFunc with call tracking.
type fakeCapability struct {
	calls    int
	failNext int // number of leading calls that fail
	err      error
	vector   []float32
	lastText string
}

func (f *fakeCapability) fn() EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		f.calls++
		f.lastText = text
		if f.calls <= f.failNext {
			return nil, f.err
		}
		return f.vector, nil
	}
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestGateway_Embed(t *testing.T) {
	ctx := context.Background()

	t.Run("returns vector on success", func(t *testing.T) {
		cap := &fakeCapability{vector: []float32{1, 2, 3}}
		g := NewGateway(cap.fn(), Config{Dimension: 3, Retry: fastRetry()}, log.NewNop())

		vec, err := g.Embed(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3}, vec)
		assert.Equal(t, 1, cap.calls)
		assert.Equal(t, "hello", cap.lastText)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		cap := &fakeCapability{
			failNext: 2,
			err:      errors.New("503 service unavailable"),
			vector:   []float32{1, 2, 3},
		}
		g := NewGateway(cap.fn(), Config{Dimension: 3, Retry: fastRetry()}, log.NewNop())

		vec, err := g.Embed(ctx, "x")
		require.NoError(t, err)
		assert.Len(t, vec, 3)
		assert.Equal(t, 3, cap.calls)
		assert.Equal(t, CircuitClosed, g.State())
	})

	t.Run("non-retryable error fails immediately", func(t *testing.T) {
		cap := &fakeCapability{failNext: 10, err: errors.New("invalid api key")}
		g := NewGateway(cap.fn(), Config{Dimension: 3, Retry: fastRetry()}, log.NewNop())

		_, err := g.Embed(ctx, "x")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
		assert.Equal(t, 1, cap.calls)
	})

	t.Run("dimension mismatch rejected", func(t *testing.T) {
		cap := &fakeCapability{vector: []float32{1, 2}}
		g := NewGateway(cap.fn(), Config{Dimension: 3, Retry: fastRetry()}, log.NewNop())

		_, err := g.Embed(ctx, "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch")
		assert.NotErrorIs(t, err, ErrEmbeddingUnavailable)
	})

	t.Run("breaker opens after threshold and fails fast", func(t *testing.T) {
		cap := &fakeCapability{failNext: 1000, err: errors.New("503")}
		g := NewGateway(cap.fn(), Config{
			Dimension: 3,
			Retry:     fastRetry(),
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 2,
				SuccessThreshold: 1,
				Cooldown:         time.Hour,
			},
		}, log.NewNop())

		for i := 0; i < 2; i++ {
			_, err := g.Embed(ctx, "x")
			assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
		}
		require.Equal(t, CircuitOpen, g.State())
		callsBefore := cap.calls

		// Open circuit: fail fast without touching the capability.
		_, err := g.Embed(ctx, "x")
		assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
		assert.Equal(t, callsBefore, cap.calls)
	})

	t.Run("half-open probe recovers the breaker", func(t *testing.T) {
		cap := &fakeCapability{failNext: 3, err: errors.New("503"), vector: []float32{1, 2, 3}}
		g := NewGateway(cap.fn(), Config{
			Dimension: 3,
			Retry:     RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
			Breaker: CircuitBreakerConfig{
				FailureThreshold: 3,
				SuccessThreshold: 1,
				Cooldown:         5 * time.Millisecond,
			},
		}, log.NewNop())

		for i := 0; i < 3; i++ {
			_, _ = g.Embed(ctx, "x")
		}
		require.Equal(t, CircuitOpen, g.State())

		time.Sleep(10 * time.Millisecond)

		vec, err := g.Embed(ctx, "x")
		require.NoError(t, err)
		assert.Len(t, vec, 3)
		assert.Equal(t, CircuitClosed, g.State())
	})
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("closed allows", func(t *testing.T) {
		cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
		assert.NoError(t, cb.Allow())
		assert.Equal(t, CircuitClosed, cb.State())
	})

	t.Run("opens at failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})
		cb.Failure()
		cb.Failure()
		assert.Equal(t, CircuitClosed, cb.State())
		cb.Failure()
		assert.Equal(t, CircuitOpen, cb.State())
		assert.ErrorIs(t, cb.Allow(), ErrEmbeddingUnavailable)
	})

	t.Run("success in closed resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2})
		cb.Failure()
		cb.Success()
		cb.Failure()
		assert.Equal(t, CircuitClosed, cb.State())
	})

	t.Run("half-open admits one trial call at a time", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Millisecond})
		cb.Failure()
		require.Equal(t, CircuitOpen, cb.State())

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, cb.Allow())
		require.Equal(t, CircuitHalfOpen, cb.State())

		// The trial call is still in flight; further callers are rejected.
		assert.ErrorIs(t, cb.Allow(), ErrEmbeddingUnavailable)
		assert.ErrorIs(t, cb.Allow(), ErrEmbeddingUnavailable)

		// Its outcome frees the slot for the next trial.
		cb.Success()
		require.Equal(t, CircuitHalfOpen, cb.State())
		assert.NoError(t, cb.Allow())
		assert.ErrorIs(t, cb.Allow(), ErrEmbeddingUnavailable)

		cb.Success()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.NoError(t, cb.Allow())
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Millisecond})
		cb.Failure()
		require.Equal(t, CircuitOpen, cb.State())

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, cb.Allow())
		require.Equal(t, CircuitHalfOpen, cb.State())

		cb.Failure()
		assert.Equal(t, CircuitOpen, cb.State())
	})

	t.Run("reset closes", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
		cb.Failure()
		cb.Reset()
		assert.Equal(t, CircuitClosed, cb.State())
	})

	t.Run("state strings", func(t *testing.T) {
		assert.Equal(t, "closed", CircuitClosed.String())
		assert.Equal(t, "open", CircuitOpen.String())
		assert.Equal(t, "half-open", CircuitHalfOpen.String())
		assert.Equal(t, "unknown", CircuitState(42).String())
	})
}

func TestRetryableError(t *testing.T) {
	assert.False(t, retryableError(nil))
	assert.True(t, retryableError(errors.New("429 Too Many Requests")))
	assert.True(t, retryableError(errors.New("rate limit exceeded")))
	assert.True(t, retryableError(errors.New("connection reset by peer")))
	assert.True(t, retryableError(context.DeadlineExceeded))
	assert.False(t, retryableError(errors.New("invalid request")))
}

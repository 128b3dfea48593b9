// Package embed wraps the external embedding capability behind a gateway
// with per-call timeouts, bounded exponential-backoff retries, optional rate
// limiting, and a circuit breaker. Callers never block indefinitely and can
// distinguish "embedding is down" from ordinary errors via
// ErrEmbeddingUnavailable.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/docgraph/docgraph/internal/log"
)

// ErrEmbeddingUnavailable is returned when the circuit is open or the
// capability keeps failing past the retry budget. Callers defer the affected
// work and retry on a later reconciliation pass.
var ErrEmbeddingUnavailable = errors.New("embedding capability unavailable")

// EmbedFunc is the external embedding capability: text in, fixed-dimension
// vector out. May fail transiently.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// RetryConfig configures retry behavior for embedding calls.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for embedding API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// Config configures the gateway.
type Config struct {
	// Dimension is the vector width every response must match.
	Dimension int
	// Timeout bounds each individual embedding attempt. Default 30s.
	Timeout time.Duration
	// Retry is the per-call retry budget before the breaker counts a failure.
	Retry RetryConfig
	// Breaker configures the circuit breaker.
	Breaker CircuitBreakerConfig
	// RequestsPerSecond rate-limits attempts; 0 disables the limiter.
	RequestsPerSecond float64
}

// Gateway is the resilient front of the embedding capability.
type Gateway struct {
	embed   EmbedFunc
	cfg     Config
	breaker *CircuitBreaker
	limiter *rate.Limiter
	logger  log.Logger
}

// NewGateway creates a gateway around fn. logger may be nil.
func NewGateway(fn EmbedFunc, cfg Config, logger log.Logger) *Gateway {
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialInterval == 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Gateway{
		embed:   fn,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.Breaker),
		limiter: limiter,
		logger:  logger,
	}
}

// Embed returns the embedding for text.
//
// Fails fast with ErrEmbeddingUnavailable while the circuit is open. A call
// that exhausts its retry budget counts one failure toward the breaker; a
// success while half-open moves the breaker back toward closed.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("circuit open: %w", err)
	}

	vec, err := g.embedWithRetry(ctx, text)
	if err != nil {
		g.breaker.Failure()
		if g.breaker.State() != CircuitClosed {
			g.logger.Warn("embedding circuit opened", "error", err)
		}
		return nil, errors.Join(ErrEmbeddingUnavailable, err)
	}

	if g.cfg.Dimension > 0 && len(vec) != g.cfg.Dimension {
		// Configuration fault, not a transient failure: neither a breaker
		// success nor a failure, and it must never reach the index.
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d",
			len(vec), g.cfg.Dimension)
	}

	g.breaker.Success()
	return vec, nil
}

// State exposes the breaker state for logging and stats.
func (g *Gateway) State() CircuitState {
	return g.breaker.State()
}

// embedWithRetry executes the capability with exponential backoff.
// Each attempt is rate-limited and carries its own timeout.
func (g *Gateway) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := g.cfg.Retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= g.cfg.Retry.MaxRetries; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		vec, err := g.attempt(ctx, text)
		if err == nil {
			g.logger.Debug("text embedded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return vec, nil
		}

		lastErr = err

		if !retryableError(err) {
			return nil, fmt.Errorf("embed: %w", err)
		}
		if attempt == g.cfg.Retry.MaxRetries {
			break
		}

		g.logger.Debug("retrying embedding after error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, g.cfg.Retry.MaxInterval)
		}
	}

	return nil, fmt.Errorf("embed after %d retries (elapsed: %v): %w",
		g.cfg.Retry.MaxRetries, time.Since(start), lastErr)
}

func (g *Gateway) attempt(ctx context.Context, text string) ([]float32, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.embed(attemptCtx, text)
}

// retryableError determines if an error should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	// Rate limit errors
	if containsAny(errStr, "rate limit", "quota exceeded", "429") {
		return true
	}
	// Transient server errors
	if containsAny(errStr, "500", "502", "503", "504", "unavailable") {
		return true
	}
	// Network errors
	if containsAny(errStr, "connection reset", "timeout", "temporary") {
		return true
	}

	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

package reqpipe

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sethvargo/go-retry"
)

// DefaultRetryableStatuses are the response statuses retried automatically.
var DefaultRetryableStatuses = []int{408, 429, 500, 502, 503, 504}

// AttemptFunc performs a single transport attempt.
type AttemptFunc func(ctx context.Context) (*ResponseEnvelope, error)

// RetryManager decides retry eligibility and runs the bounded retry loop of one
// logical request.
type RetryManager struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterRatio float64
	retryable   map[int]struct{}
	logger      *slog.Logger
	stats       *retryStats

	// onRetry is called before each backoff wait with the upcoming retry number.
	onRetry func(d *Descriptor, attempt int, err error)
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetryManager creates a RetryManager from the retry section of the configuration.
func NewRetryManager(cfg RetryConfig, logger *slog.Logger) *RetryManager {
	if logger == nil {
		logger = slog.Default()
	}
	statuses := cfg.RetryableStatuses
	if statuses == nil {
		statuses = DefaultRetryableStatuses
	}
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return &RetryManager{
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		jitterRatio: cfg.JitterRatio,
		retryable:   set,
		logger:      logger,
		stats:       &retryStats{},
	}
}

// IsRetryable reports whether a failure after attemptsSoFar retries should be
// retried under a budget of maxRetries.
func (m *RetryManager) IsRetryable(err error, attemptsSoFar, maxRetries int) bool {
	if attemptsSoFar >= maxRetries {
		return false
	}
	return m.isTransient(err)
}

// isTransient reports whether err means "no response" or a retryable status.
func (m *RetryManager) isTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context errors come from the caller or a superseding request; retrying with
	// the same context would fail immediately.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if businessFailure(err) {
		return false
	}

	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return true
	}
	if pkgerrors.IsTimeout(err) {
		return true
	}

	status := extractStatusCode(err)
	if status == 0 {
		// No response received.
		return true
	}
	_, ok := m.retryable[status]
	return ok
}

// ComputeDelay returns the backoff before retry number attempt (1 for the first
// retry): min(base*2^(attempt-1), max) plus jitter drawn from [0, ratio*delay].
func (m *RetryManager) ComputeDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := m.baseDelay
	for i := 1; i < attempt && delay < m.maxDelay; i++ {
		delay *= 2
	}
	if delay > m.maxDelay {
		delay = m.maxDelay
	}

	jitterMax := int64(float64(delay) * m.jitterRatio)
	if jitterMax <= 0 {
		return delay
	}
	jitterBig, err := rand.Int(rand.Reader, big.NewInt(jitterMax+1))
	if err != nil {
		// Fallback to no jitter if crypto/rand fails
		return delay
	}
	return delay + time.Duration(jitterBig.Int64())
}

// Run executes attempt until it succeeds, fails with a non-retryable error, or the
// retry budget of d is spent. d.RetryCount is incremented before every retry and is
// never reset. Backoff waits abort when ctx is done.
func (m *RetryManager) Run(ctx context.Context, d *Descriptor, attempt AttemptFunc) (*ResponseEnvelope, error) {
	remaining := d.MaxRetries - d.RetryCount
	if remaining < 0 {
		remaining = 0
	}

	backoff := retry.WithMaxRetries(
		uint64(remaining), // #nosec G115 - bounds checked above
		retry.BackoffFunc(func() (time.Duration, bool) {
			return m.ComputeDelay(d.RetryCount), false
		}),
	)

	var response *ResponseEnvelope
	attempts := 0

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		m.stats.mu.Lock()
		m.stats.totalAttempts++
		if attempts > 1 {
			m.stats.totalRetries++
		}
		m.stats.lastAttemptTime = time.Now()
		m.stats.mu.Unlock()

		resp, err := attempt(ctx)
		if err == nil {
			if attempts > 1 {
				m.logger.Info("request succeeded after retry",
					"method", d.Method,
					"url", d.URL,
					"attempts", attempts)
			}
			response = resp
			return nil
		}

		if !m.IsRetryable(err, d.RetryCount, d.MaxRetries) {
			if d.RetryCount > 0 && d.RetryCount >= d.MaxRetries && m.isTransient(err) {
				return maxRetryExceeded(err, attempts)
			}
			m.logger.Debug("non-retryable error, giving up",
				"error", err,
				"attempts", attempts)
			return err
		}

		d.RetryCount++
		if m.onRetry != nil {
			m.onRetry(d, d.RetryCount, err)
		}
		m.logger.Debug("retrying request after delay",
			"method", d.Method,
			"url", d.URL,
			"retry", d.RetryCount,
			"max_retries", d.MaxRetries,
			"error", err)

		return retry.RetryableError(err)
	})
	if err != nil {
		m.stats.mu.Lock()
		m.stats.totalFailures++
		m.stats.lastError = err
		m.stats.mu.Unlock()
		return nil, err
	}

	m.stats.mu.Lock()
	m.stats.totalSuccesses++
	m.stats.mu.Unlock()

	return response, nil
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful logical requests
	TotalSuccesses int64

	// TotalFailures is the number of failed logical requests (after all retries)
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error encountered (if any)
	LastError error
}

// Stats returns a snapshot of the retry statistics.
func (m *RetryManager) Stats() RetryStats {
	m.stats.mu.RLock()
	defer m.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   m.stats.totalAttempts,
		TotalRetries:    m.stats.totalRetries,
		TotalSuccesses:  m.stats.totalSuccesses,
		TotalFailures:   m.stats.totalFailures,
		LastAttemptTime: m.stats.lastAttemptTime,
		LastError:       m.stats.lastError,
	}
}

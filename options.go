package reqpipe

import (
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

// CacheConfig holds response cache options.
type CacheConfig struct {
	// Capacity is the maximum number of cached responses.
	// Default: 100
	Capacity int

	// TTL is the lifetime of a cached response unless the request sets its own.
	// Default: 5 minutes
	TTL time.Duration

	// Reads enables caching for every GET and HEAD request. When false, requests opt
	// in with WithCacheTTL.
	// Default: false
	Reads bool
}

// RetryConfig holds retry options.
type RetryConfig struct {
	// MaxRetries is the retry budget of a request, not counting the first attempt.
	// Default: 3
	MaxRetries int

	// BaseDelay is the delay before the first retry. Each further retry doubles it.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 5 seconds
	MaxDelay time.Duration

	// JitterRatio is the upper bound of the random addition to each delay, as a
	// fraction of the delay.
	// Default: 0.1
	JitterRatio float64

	// RetryableStatuses lists response statuses that trigger retries.
	// Default: 408, 429, 500, 502, 503, 504
	RetryableStatuses []int
}

// PerformanceConfig holds request timing options.
type PerformanceConfig struct {
	// SlowThreshold marks requests taking at least this long as slow.
	// Default: 2 seconds
	SlowThreshold time.Duration

	// MaxDataPoints is the number of samples retained.
	// Default: 100
	MaxDataPoints int
}

// Config holds pipeline configuration. It is resolved once by New; per-request
// overrides live on the Descriptor.
type Config struct {
	// BaseURL is prepended to relative request URLs by the default HTTP transport.
	BaseURL string

	// DefaultTimeout applies when no timeout rule matches.
	// Default: 15 seconds
	DefaultTimeout time.Duration

	// TimeoutRules are evaluated in order; the first match wins.
	// Default: DefaultTimeoutRules()
	TimeoutRules []TimeoutRule

	Cache       CacheConfig
	Retry       RetryConfig
	Performance PerformanceConfig

	// CircuitBreaker guards the transport when set.
	// Default: nil (disabled)
	CircuitBreaker *CircuitBreakerConfig

	// DebounceWindow suppresses identical notifications shown within the window.
	// Default: 1 second
	DebounceWindow time.Duration

	// MaxErrors is the number of records kept by the error journal.
	// Default: 10
	MaxErrors int

	// Transport issues single requests.
	// Default: NewHTTPTransport(BaseURL)
	Transport Transport

	// Notifier receives user-visible messages.
	// Default: nil (messages are dropped)
	Notifier Notifier

	// Reauthenticator runs the re-login flow after authentication failures.
	Reauthenticator Reauthenticator

	// TokenSource supplies the access token attached to every request.
	TokenSource oauth2.TokenSource

	// Metrics receives Prometheus metrics when set.
	Metrics *MetricsCollector

	// Logger for pipeline operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time
}

// Option is a functional option for configuring the pipeline.
type Option func(*Config)

// DefaultConfig returns pipeline configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: DefaultTimeout,
		TimeoutRules:   DefaultTimeoutRules(),
		Cache: CacheConfig{
			Capacity: DefaultCacheCapacity,
			TTL:      DefaultCacheTTL,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         time.Second,
			MaxDelay:          5 * time.Second,
			JitterRatio:       0.1,
			RetryableStatuses: append([]int(nil), DefaultRetryableStatuses...),
		},
		Performance: PerformanceConfig{
			SlowThreshold: DefaultSlowThreshold,
			MaxDataPoints: DefaultMaxDataPoints,
		},
		DebounceWindow: DefaultDebounceWindow,
		MaxErrors:      DefaultMaxErrors,
		Logger:         slog.Default(),
		Clock:          time.Now,
	}
}

// WithBaseURL sets the base URL of the default HTTP transport.
//
// Example:
//
//	reqpipe.WithBaseURL("https://campus.example.com/api")
func WithBaseURL(baseURL string) Option {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithDefaultTimeout sets the timeout used when no rule matches.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.DefaultTimeout = timeout
	}
}

// WithTimeoutRule appends a timeout rule after the existing ones.
//
// Example:
//
//	reqpipe.WithTimeoutRule(reqpipe.TimeoutRule{
//	    Name:    "reports",
//	    Match:   reqpipe.PathContains("/reports"),
//	    Timeout: 90 * time.Second,
//	})
func WithTimeoutRule(rule TimeoutRule) Option {
	return func(c *Config) {
		c.TimeoutRules = append(c.TimeoutRules, rule)
	}
}

// WithTimeoutRules replaces the timeout rules.
func WithTimeoutRules(rules ...TimeoutRule) Option {
	return func(c *Config) {
		c.TimeoutRules = rules
	}
}

// WithCacheCapacity sets the maximum number of cached responses.
func WithCacheCapacity(capacity int) Option {
	return func(c *Config) {
		c.Cache.Capacity = capacity
	}
}

// WithDefaultCacheTTL sets the lifetime of cached responses.
func WithDefaultCacheTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.Cache.TTL = ttl
	}
}

// WithReadCaching enables caching for every GET and HEAD request.
func WithReadCaching(enabled bool) Option {
	return func(c *Config) {
		c.Cache.Reads = enabled
	}
}

// WithMaxRetries sets the retry budget. Zero disables retries.
//
// Example:
//
//	reqpipe.WithMaxRetries(5) // up to 6 attempts in total
func WithMaxRetries(maxRetries int) Option {
	return func(c *Config) {
		c.Retry.MaxRetries = maxRetries
	}
}

// WithExponentialBackoff sets the base and maximum retry delay.
//
// Example:
//
//	reqpipe.WithExponentialBackoff(time.Second, 5*time.Second)
//	// ~1s, ~2s, ~4s, 5s, 5s
func WithExponentialBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.Retry.BaseDelay = baseDelay
		c.Retry.MaxDelay = maxDelay
	}
}

// WithJitterRatio sets the jitter bound as a fraction of each delay.
func WithJitterRatio(ratio float64) Option {
	return func(c *Config) {
		c.Retry.JitterRatio = ratio
	}
}

// WithRetryableStatuses replaces the set of retried response statuses.
func WithRetryableStatuses(statuses ...int) Option {
	return func(c *Config) {
		c.Retry.RetryableStatuses = statuses
	}
}

// WithCircuitBreaker guards the transport with a circuit breaker.
//
// Example:
//
//	reqpipe.WithCircuitBreaker(
//	    reqpipe.WithMaxRequests(5),
//	    reqpipe.WithOpenTimeout(60*time.Second),
//	)
func WithCircuitBreaker(opts ...CircuitBreakerOption) Option {
	return func(c *Config) {
		cb := DefaultCircuitBreakerConfig()
		for _, opt := range opts {
			opt(cb)
		}
		c.CircuitBreaker = cb
	}
}

// WithDebounceWindow sets the window within which identical notifications are dropped.
func WithDebounceWindow(window time.Duration) Option {
	return func(c *Config) {
		c.DebounceWindow = window
	}
}

// WithMaxErrors sets the number of records kept by the error journal.
func WithMaxErrors(maxErrors int) Option {
	return func(c *Config) {
		c.MaxErrors = maxErrors
	}
}

// WithSlowRequestThreshold sets the duration from which a request counts as slow.
func WithSlowRequestThreshold(threshold time.Duration) Option {
	return func(c *Config) {
		c.Performance.SlowThreshold = threshold
	}
}

// WithPerformanceDataPoints sets the number of timing samples retained.
func WithPerformanceDataPoints(n int) Option {
	return func(c *Config) {
		c.Performance.MaxDataPoints = n
	}
}

// WithTransport replaces the default HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Config) {
		c.Transport = t
	}
}

// WithNotifier sets the sink for user-visible messages.
func WithNotifier(n Notifier) Option {
	return func(c *Config) {
		c.Notifier = n
	}
}

// WithReauthenticator sets the re-login flow.
func WithReauthenticator(r Reauthenticator) Option {
	return func(c *Config) {
		c.Reauthenticator = r
	}
}

// WithTokenSource sets the credential provider.
//
// Example:
//
//	store := reqpipe.TokenStoreFunc(func() (string, error) { return session.Token(), nil })
//	reqpipe.WithTokenSource(reqpipe.NewJWTTokenSource(store, 30*time.Second))
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Config) {
		c.TokenSource = ts
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *MetricsCollector) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithLogger sets a custom logger.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	reqpipe.WithLogger(logger)
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithClock sets the time source used for cache expiry, debouncing and journaling.
func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Clock = now
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// If ReadyToTrip returns true, the circuit breaker will be placed into the open state.
	// Default: trips after 5 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// OnStateChange is called whenever the circuit breaker changes state.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// Name identifies the breaker in logs and metrics.
	// Default: "campus-api"
	Name string

	// Interval is the cyclic period of the closed state for the circuit breaker
	// to clear the internal counts. If 0, never clears.
	// Default: 10 seconds
	Interval time.Duration

	// OpenTimeout is the period of the open state, after which the state becomes half-open.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is in the half-open state.
	// Default: 3
	MaxRequests uint32
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// CircuitBreakerCounts holds the internal counts of the circuit breaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitBreakerState = iota

	// StateHalfOpen means the circuit is testing if the service has recovered.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// WithMaxRequests sets the maximum number of requests in half-open state.
func WithMaxRequests(maxRequests uint32) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.MaxRequests = maxRequests
	}
}

// WithInterval sets the interval for clearing counts in closed state.
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Interval = interval
	}
}

// WithOpenTimeout sets how long the breaker stays open before probing again.
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OpenTimeout = timeout
	}
}

// WithReadyToTrip sets a custom function to determine when to trip the circuit.
//
// Example:
//
//	reqpipe.WithReadyToTrip(func(counts reqpipe.CircuitBreakerCounts) bool {
//	    return counts.ConsecutiveFailures >= 3
//	})
func WithReadyToTrip(fn func(counts CircuitBreakerCounts) bool) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ReadyToTrip = fn
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
func WithStateChangeHandler(fn func(name string, from, to CircuitBreakerState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:        "campus-api",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		OpenTimeout: 30 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	}
}

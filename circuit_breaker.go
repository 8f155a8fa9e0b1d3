package reqpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// breakerTransport guards a Transport with a circuit breaker. It sits below the
// retry loop, so every attempt is counted and an open circuit stops retries.
type breakerTransport struct {
	next    Transport
	cb      *gobreaker.CircuitBreaker[*ResponseEnvelope]
	name    string
	logger  *slog.Logger
	metrics *MetricsCollector
}

func newBreakerTransport(next Transport, config *CircuitBreakerConfig, logger *slog.Logger, metrics *MetricsCollector) *breakerTransport {
	t := &breakerTransport{
		next:    next,
		name:    config.Name,
		logger:  logger,
		metrics: metrics,
	}

	readyToTrip := config.ReadyToTrip
	if readyToTrip == nil {
		readyToTrip = DefaultCircuitBreakerConfig().ReadyToTrip
	}

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return readyToTrip(convertCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			toState := convertGobreakerState(to)
			metrics.RecordCircuitBreakerState(name, toState)
			if config.OnStateChange != nil {
				config.OnStateChange(name, convertGobreakerState(from), toState)
			}
		},
		IsSuccessful: func(err error) bool {
			return !shouldTripCircuit(err)
		},
	}

	t.cb = gobreaker.NewCircuitBreaker[*ResponseEnvelope](settings)
	metrics.RecordCircuitBreakerState(config.Name, StateClosed)
	return t
}

// shouldTripCircuit reports whether err counts as a failure of the backend.
// Timeouts, rate limits, cancellations and client errors do not.
func shouldTripCircuit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jperrors.ErrRateLimited) || jperrors.IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	// The backend answered.
	if businessFailure(err) {
		return false
	}

	switch extractStatusCode(err) {
	case 0:
		// Unreachable backend
		return true
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Execute implements Transport.
func (t *breakerTransport) Execute(ctx context.Context, d *Descriptor) (*ResponseEnvelope, error) {
	resp, err := t.cb.Execute(func() (*ResponseEnvelope, error) {
		return t.next.Execute(ctx, d)
	})
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		counts := t.cb.Counts()
		t.logger.Warn("circuit breaker is open, request rejected",
			"name", t.name,
			"method", d.Method,
			"url", d.URL,
			"consecutive_failures", counts.ConsecutiveFailures)
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, jperrors.NewCircuitBreakerError(
			"request rejected",
			d.Method+" "+d.endpoint(),
			"open",
			jperrors.WithCause(err),
			jperrors.WithComponent(t.name),
		))
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		t.logger.Debug("circuit breaker in half-open state, too many requests",
			"name", t.name,
			"url", d.URL)
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, jperrors.NewCircuitBreakerError(
			"too many requests in half-open state",
			d.Method+" "+d.endpoint(),
			"half-open",
			jperrors.WithCause(err),
			jperrors.WithComponent(t.name),
		))
	}
	return nil, err
}

// State returns the current state of the circuit breaker.
func (t *breakerTransport) State() CircuitBreakerState {
	return convertGobreakerState(t.cb.State())
}

// Counts returns the current counts of the circuit breaker.
func (t *breakerTransport) Counts() CircuitBreakerCounts {
	return convertCounts(t.cb.Counts())
}

// CircuitHealth describes the circuit breaker guarding the transport.
type CircuitHealth struct {
	// Healthy is true for closed and half-open states, false for open state.
	Healthy bool `json:"healthy"`

	// State is "closed", "half-open" or "open".
	State string `json:"state"`

	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

func (t *breakerTransport) health() *CircuitHealth {
	state := t.State()
	counts := t.Counts()
	return &CircuitHealth{
		Healthy:              state != StateOpen,
		State:                state.String(),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
	}
}

func convertCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitBreakerState.
func convertGobreakerState(state gobreaker.State) CircuitBreakerState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

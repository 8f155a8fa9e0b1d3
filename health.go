package reqpipe

// HealthStatus is a point-in-time view of the pipeline for health endpoints.
type HealthStatus struct {
	// Healthy is false while the circuit breaker is open.
	Healthy bool `json:"healthy"`

	// CacheEntries is the number of cached responses, expired ones included.
	CacheEntries int `json:"cache_entries"`

	// PendingRequests is the number of requests currently in flight.
	PendingRequests int `json:"pending_requests"`

	// ErrorCount is the lifetime number of journaled errors.
	ErrorCount uint64 `json:"error_count"`

	// ReauthInProgress reports a running re-login flow.
	ReauthInProgress bool `json:"reauth_in_progress"`

	// Circuit is nil when no circuit breaker is configured.
	Circuit *CircuitHealth `json:"circuit,omitempty"`
}

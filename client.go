// Package reqpipe is the request orchestration layer shared by every campus API call
// (orders, products, payments, logistics). It wraps a single Transport with key-based
// response caching, cancel-the-predecessor de-duplication, per-route timeouts,
// exponential-backoff retry and centralized error classification with debounced
// user notifications.
package reqpipe

import (
	"context"
)

// Transport issues exactly one request for a descriptor and returns the normalized
// envelope. Implementations must honour ctx cancellation so that superseded requests
// and expired timeouts abort the underlying call.
//
// Example:
//
//	pipeline := reqpipe.New(
//	    reqpipe.WithTransport(reqpipe.NewHTTPTransport("https://campus.example.com/api")),
//	    reqpipe.WithMaxRetries(3),
//	)
//	env, err := pipeline.Get(ctx, "/orders", url.Values{"page": {"1"}})
type Transport interface {
	// Execute performs a single attempt. It must not retry on its own.
	Execute(ctx context.Context, d *Descriptor) (*ResponseEnvelope, error)
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, d *Descriptor) (*ResponseEnvelope, error)

// Execute implements Transport.
func (f TransportFunc) Execute(ctx context.Context, d *Descriptor) (*ResponseEnvelope, error) {
	return f(ctx, d)
}

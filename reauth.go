package reqpipe

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Reauthenticator runs the re-login flow after an authentication failure.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// ReauthFunc adapts a plain function to the Reauthenticator interface.
type ReauthFunc func(ctx context.Context) error

// Reauthenticate implements Reauthenticator.
func (f ReauthFunc) Reauthenticate(ctx context.Context) error {
	return f(ctx)
}

const reauthKey = "reauth"

// reauthGate runs the re-login flow at most once at a time. Failures arriving while
// the flow is running join it instead of starting another one; the gate reopens
// when the flow concludes, whatever its outcome.
type reauthGate struct {
	group      singleflight.Group
	auth       Reauthenticator
	inProgress atomic.Bool
	logger     *slog.Logger
	metrics    *MetricsCollector
}

func newReauthGate(auth Reauthenticator, logger *slog.Logger, metrics *MetricsCollector) *reauthGate {
	return &reauthGate{
		auth:    auth,
		logger:  logger,
		metrics: metrics,
	}
}

// trigger starts the flow unless it is already running and returns immediately.
// The flow does not inherit ctx cancellation: the request that hit the 401 is
// already finished when it runs.
func (g *reauthGate) trigger(ctx context.Context) <-chan singleflight.Result {
	if g == nil || g.auth == nil {
		return nil
	}

	flowCtx := context.WithoutCancel(ctx)
	return g.group.DoChan(reauthKey, func() (any, error) {
		g.inProgress.Store(true)
		defer g.inProgress.Store(false)

		g.metrics.RecordReauth()
		g.logger.Info("authentication failed, starting re-login flow")

		err := g.auth.Reauthenticate(flowCtx)
		if err != nil {
			g.logger.Warn("re-login flow failed", "error", err)
		}
		return nil, err
	})
}

// active reports whether the flow is currently running.
func (g *reauthGate) active() bool {
	if g == nil {
		return false
	}
	return g.inProgress.Load()
}

package reqpipe_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heikeji/reqpipe"
)

// mockTransport implements reqpipe.Transport for testing
type mockTransport struct {
	executeFunc func(ctx context.Context, d *reqpipe.Descriptor) (*reqpipe.ResponseEnvelope, error)
	callCount   atomic.Int32
}

func (m *mockTransport) Execute(ctx context.Context, d *reqpipe.Descriptor) (*reqpipe.ResponseEnvelope, error) {
	m.callCount.Add(1)
	return m.executeFunc(ctx, d)
}

func (m *mockTransport) getCallCount() int {
	return int(m.callCount.Load())
}

func okEnvelope(data string) *reqpipe.ResponseEnvelope {
	return &reqpipe.ResponseEnvelope{StatusCode: 200, Data: []byte(data)}
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type notification struct {
	message  string
	severity reqpipe.Severity
}

// recordingNotifier collects delivered notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	seen []notification
}

func (r *recordingNotifier) Notify(message string, severity reqpipe.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, notification{message: message, severity: severity})
}

func (r *recordingNotifier) all() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.seen...)
}

func (r *recordingNotifier) messages() []string {
	var out []string
	for _, n := range r.all() {
		out = append(out, n.message)
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Quiet during tests
	}))
}

package reqpipe

import (
	"net/http"
	"sync"
	"time"
)

// DefaultDebounceWindow suppresses repeats of the same message.
const DefaultDebounceWindow = time.Second

// Severity is the visual weight of a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Notifier shows a message to the user.
type Notifier interface {
	Notify(message string, severity Severity)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(message string, severity Severity)

// Notify implements Notifier.
func (f NotifierFunc) Notify(message string, severity Severity) {
	f(message, severity)
}

// DebouncedNotifier forwards to a sink, dropping a message identical to one it
// delivered less than window ago.
type DebouncedNotifier struct {
	mu     sync.Mutex
	sink   Notifier
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewDebouncedNotifier wraps sink. A nil sink discards every message.
func NewDebouncedNotifier(sink Notifier, window time.Duration, now func() time.Time) *DebouncedNotifier {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if now == nil {
		now = time.Now
	}
	return &DebouncedNotifier{
		sink:   sink,
		window: window,
		last:   make(map[string]time.Time),
		now:    now,
	}
}

// Notify implements Notifier.
func (n *DebouncedNotifier) Notify(message string, severity Severity) {
	n.Deliver(message, severity)
}

// Deliver forwards the message unless it is a repeat inside the window. It reports
// whether the sink was called.
func (n *DebouncedNotifier) Deliver(message string, severity Severity) bool {
	if n.sink == nil || message == "" {
		return false
	}

	n.mu.Lock()
	now := n.now()
	if at, ok := n.last[message]; ok && now.Sub(at) < n.window {
		n.mu.Unlock()
		return false
	}
	n.last[message] = now
	for msg, at := range n.last {
		if now.Sub(at) >= n.window {
			delete(n.last, msg)
		}
	}
	n.mu.Unlock()

	n.sink.Notify(message, severity)
	return true
}

// severityFor maps an error to its notification severity. Server errors outrank
// client errors; a missing resource is informational.
func severityFor(e *Error) Severity {
	switch e.Kind {
	case KindServer:
		return SeverityError
	case KindHTTP:
		if e.Status == http.StatusNotFound {
			return SeverityInfo
		}
		return SeverityWarning
	default:
		return SeverityWarning
	}
}

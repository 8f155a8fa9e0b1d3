package reqpipe

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout applies when no rule matches.
	DefaultTimeout = 15 * time.Second

	// UploadTimeout applies to uploads and multipart bodies.
	UploadTimeout = 60 * time.Second

	// DownloadTimeout applies to downloads.
	DownloadTimeout = 30 * time.Second

	// ExportTimeout applies to export endpoints.
	ExportTimeout = 45 * time.Second

	// ImportTimeout applies to import endpoints.
	ImportTimeout = 60 * time.Second
)

// TimeoutRule assigns Timeout to every descriptor Match accepts.
type TimeoutRule struct {
	Name    string
	Match   func(*Descriptor) bool
	Timeout time.Duration
}

// PathContains matches descriptors whose URL path contains fragment.
func PathContains(fragment string) func(*Descriptor) bool {
	return func(d *Descriptor) bool {
		return strings.Contains(d.endpoint(), fragment)
	}
}

func isMultipart(d *Descriptor) bool {
	if d.Transfer == TransferUpload {
		return true
	}
	switch d.Body.(type) {
	case *Multipart, []byte:
		return true
	}
	return false
}

func isDownload(d *Descriptor) bool {
	return d.Transfer == TransferDownload || strings.Contains(d.endpoint(), "/download")
}

// DefaultTimeoutRules returns the built-in rules in evaluation order.
func DefaultTimeoutRules() []TimeoutRule {
	return []TimeoutRule{
		{Name: "upload", Match: PathContains("/upload"), Timeout: UploadTimeout},
		{Name: "download", Match: isDownload, Timeout: DownloadTimeout},
		{Name: "multipart", Match: isMultipart, Timeout: UploadTimeout},
		{Name: "export", Match: PathContains("/export"), Timeout: ExportTimeout},
		{Name: "import", Match: PathContains("/import"), Timeout: ImportTimeout},
	}
}

// TimeoutPolicy resolves the timeout of a descriptor. An explicit timeout on the
// descriptor always wins; otherwise the first matching rule applies, else the fallback.
type TimeoutPolicy struct {
	mu       sync.RWMutex
	rules    []TimeoutRule
	fallback time.Duration
}

// NewTimeoutPolicy creates a policy evaluating rules in order.
func NewTimeoutPolicy(fallback time.Duration, rules ...TimeoutRule) *TimeoutPolicy {
	if fallback <= 0 {
		fallback = DefaultTimeout
	}
	return &TimeoutPolicy{
		rules:    append([]TimeoutRule(nil), rules...),
		fallback: fallback,
	}
}

// Resolve returns the timeout for d.
func (p *TimeoutPolicy) Resolve(d *Descriptor) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, rule := range p.rules {
		if rule.Match != nil && rule.Match(d) {
			return rule.Timeout
		}
	}
	return p.fallback
}

// Append adds a rule after the existing ones.
func (p *TimeoutPolicy) Append(rule TimeoutRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, rule)
}

// Rules returns a copy of the rules in evaluation order.
func (p *TimeoutPolicy) Rules() []TimeoutRule {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]TimeoutRule(nil), p.rules...)
}

package reqpipe

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSlowThreshold marks a request as slow.
	DefaultSlowThreshold = 2 * time.Second

	// DefaultMaxDataPoints is the number of timing samples retained.
	DefaultMaxDataPoints = 100

	recentSlowLimit = 5
)

// PerfSample is the timing of one settled request.
type PerfSample struct {
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Duration  time.Duration `json:"duration"`
	Status    int           `json:"status"`
	Success   bool          `json:"success"`
	FromCache bool          `json:"fromCache"`
	At        time.Time     `json:"at"`
}

// PerformanceSummary aggregates the retained samples.
type PerformanceSummary struct {
	Count       int           `json:"count"`
	SlowCount   int           `json:"slowCount"`
	Average     time.Duration `json:"average"`
	Max         time.Duration `json:"max"`
	Min         time.Duration `json:"min"`
	SlowRate    float64       `json:"slowRate"`
	SuccessRate float64       `json:"successRate"`
	RecentSlow  []PerfSample  `json:"recentSlow"`
}

// PerformanceMonitor keeps a bounded window of request timings.
type PerformanceMonitor struct {
	mu            sync.Mutex
	samples       []PerfSample
	maxDataPoints int
	slowThreshold time.Duration
	logger        *slog.Logger
}

// NewPerformanceMonitor creates a monitor from the performance configuration.
func NewPerformanceMonitor(cfg PerformanceConfig, logger *slog.Logger) *PerformanceMonitor {
	if cfg.MaxDataPoints <= 0 {
		cfg.MaxDataPoints = DefaultMaxDataPoints
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PerformanceMonitor{
		samples:       make([]PerfSample, 0, cfg.MaxDataPoints),
		maxDataPoints: cfg.MaxDataPoints,
		slowThreshold: cfg.SlowThreshold,
		logger:        logger,
	}
}

// Record adds a sample, dropping the oldest one when the window is full.
func (m *PerformanceMonitor) Record(s PerfSample) {
	m.mu.Lock()
	if len(m.samples) == m.maxDataPoints {
		copy(m.samples, m.samples[1:])
		m.samples = m.samples[:len(m.samples)-1]
	}
	m.samples = append(m.samples, s)
	m.mu.Unlock()

	if s.Duration >= m.slowThreshold {
		m.logger.Warn("slow request",
			"method", s.Method,
			"url", s.URL,
			"duration", s.Duration,
			"threshold", m.slowThreshold)
	}
}

// Summary aggregates the retained samples.
func (m *PerformanceMonitor) Summary() PerformanceSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum PerformanceSummary
	if len(m.samples) == 0 {
		return sum
	}

	var total time.Duration
	successes := 0
	sum.Count = len(m.samples)
	sum.Min = m.samples[0].Duration
	for _, s := range m.samples {
		total += s.Duration
		if s.Duration > sum.Max {
			sum.Max = s.Duration
		}
		if s.Duration < sum.Min {
			sum.Min = s.Duration
		}
		if s.Success {
			successes++
		}
		if s.Duration >= m.slowThreshold {
			sum.SlowCount++
		}
	}
	sum.Average = total / time.Duration(sum.Count)
	sum.SlowRate = float64(sum.SlowCount) / float64(sum.Count)
	sum.SuccessRate = float64(successes) / float64(sum.Count)

	for i := len(m.samples) - 1; i >= 0 && len(sum.RecentSlow) < recentSlowLimit; i-- {
		if m.samples[i].Duration >= m.slowThreshold {
			sum.RecentSlow = append(sum.RecentSlow, m.samples[i])
		}
	}
	return sum
}

// Reset drops every sample.
func (m *PerformanceMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
}

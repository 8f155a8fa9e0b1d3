package reqpipe

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxErrors is the number of records the journal retains.
	DefaultMaxErrors = 10

	summaryRecent = 5
)

// ErrorRecord is one journaled failure.
type ErrorRecord struct {
	SequenceID uint64       `json:"sequenceId"`
	Timestamp  time.Time    `json:"timestamp"`
	Message    string       `json:"message"`
	Kind       Kind         `json:"kind"`
	Status     int          `json:"status,omitempty"`
	Context    ErrorContext `json:"context"`
}

// JournalSummary reports the lifetime error count, the most recent records and a
// lifetime count per kind.
type JournalSummary struct {
	Count  uint64        `json:"count"`
	Recent []ErrorRecord `json:"recent"`
	ByKind map[Kind]int  `json:"byKind"`
}

// ErrorJournal is a bounded, newest-first buffer of recent failures.
type ErrorJournal struct {
	mu        sync.Mutex
	maxErrors int
	records   []ErrorRecord
	count     uint64
	byKind    map[Kind]int
	onRecord  func(ErrorRecord)
	logger    *slog.Logger
	now       func() time.Time
}

// NewErrorJournal creates a journal retaining maxErrors records.
func NewErrorJournal(maxErrors int, logger *slog.Logger, now func() time.Time) *ErrorJournal {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ErrorJournal{
		maxErrors: maxErrors,
		records:   make([]ErrorRecord, 0, maxErrors),
		byKind:    make(map[Kind]int),
		logger:    logger,
		now:       now,
	}
}

// OnRecord registers a hook called with every new record, for example to forward
// failures to a monitoring backend. The hook runs outside the journal lock.
func (j *ErrorJournal) OnRecord(fn func(ErrorRecord)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onRecord = fn
}

// Record journals err and returns the new record.
func (j *ErrorJournal) Record(err error, ec ErrorContext) ErrorRecord {
	e := classify(err, ec)

	j.mu.Lock()
	j.count++
	rec := ErrorRecord{
		SequenceID: j.count,
		Timestamp:  j.now(),
		Message:    FormatError(e),
		Kind:       e.Kind,
		Status:     e.Status,
		Context:    ec,
	}
	j.byKind[e.Kind]++

	if len(j.records) < j.maxErrors {
		j.records = append(j.records, ErrorRecord{})
	}
	copy(j.records[1:], j.records[:len(j.records)-1])
	j.records[0] = rec
	hook := j.onRecord
	j.mu.Unlock()

	j.logger.Warn("request error recorded",
		"sequence_id", rec.SequenceID,
		"kind", rec.Kind,
		"status", rec.Status,
		"method", ec.Method,
		"url", ec.URL,
		"request_id", ec.RequestID,
		"error", err)

	if hook != nil {
		hook(rec)
	}
	return rec
}

// Recent returns every retained record, newest first.
func (j *ErrorJournal) Recent() []ErrorRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ErrorRecord(nil), j.records...)
}

// Summary returns the lifetime count and up to five most recent records.
func (j *ErrorJournal) Summary() JournalSummary {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := len(j.records)
	if n > summaryRecent {
		n = summaryRecent
	}
	byKind := make(map[Kind]int, len(j.byKind))
	for k, v := range j.byKind {
		byKind[k] = v
	}
	return JournalSummary{
		Count:  j.count,
		Recent: append([]ErrorRecord(nil), j.records[:n]...),
		ByKind: byKind,
	}
}

// Len returns the number of retained records.
func (j *ErrorJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

// Reset drops the retained records and the per-kind counts. The lifetime count and
// sequence ids keep growing.
func (j *ErrorJournal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = j.records[:0]
	j.byKind = make(map[Kind]int)
}

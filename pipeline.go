package reqpipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	headerRequestID     = "X-Request-ID"
	headerAuthorization = "Authorization"

	msgRetrying = "network unstable, retrying..."
)

// Pipeline is the request orchestrator. Every API call goes through Request, which
// serves cacheable reads from the cache, cancels an identical request still in
// flight, applies the resolved timeout, retries transient failures with backoff,
// and classifies, journals and reports the rest. A Pipeline is safe for concurrent
// use.
type Pipeline struct {
	cfg       *Config
	transport Transport
	breaker   *breakerTransport
	cache     *CacheStore
	pending   *PendingRegistry
	timeouts  *TimeoutPolicy
	retry     *RetryManager
	journal   *ErrorJournal
	perf      *PerformanceMonitor
	notifier  *DebouncedNotifier
	reauth    *reauthGate
	tokens    oauth2.TokenSource
	metrics   *MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a pipeline. It applies the provided options over DefaultConfig.
//
// Example:
//
//	pipeline := reqpipe.New(
//	    reqpipe.WithBaseURL("https://campus.example.com/api"),
//	    reqpipe.WithNotifier(toast),
//	    reqpipe.WithReauthenticator(loginFlow),
//	)
func New(opts ...Option) *Pipeline {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	transport := cfg.Transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.BaseURL, WithTransportLogger(cfg.Logger))
	}

	p := &Pipeline{
		cfg:       cfg,
		transport: transport,
		cache:     NewCacheStore(cfg.Cache.Capacity, cfg.Cache.TTL, cfg.Clock),
		pending:   NewPendingRegistry(cfg.Clock),
		timeouts:  NewTimeoutPolicy(cfg.DefaultTimeout, cfg.TimeoutRules...),
		retry:     NewRetryManager(cfg.Retry, cfg.Logger),
		journal:   NewErrorJournal(cfg.MaxErrors, cfg.Logger, cfg.Clock),
		perf:      NewPerformanceMonitor(cfg.Performance, cfg.Logger),
		notifier:  NewDebouncedNotifier(cfg.Notifier, cfg.DebounceWindow, cfg.Clock),
		reauth:    newReauthGate(cfg.Reauthenticator, cfg.Logger, cfg.Metrics),
		tokens:    cfg.TokenSource,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}

	if cfg.CircuitBreaker != nil {
		p.breaker = newBreakerTransport(transport, cfg.CircuitBreaker, cfg.Logger, cfg.Metrics)
		p.transport = p.breaker
	}
	p.retry.onRetry = p.onRetry

	return p
}

// NewDescriptor builds a descriptor seeded with the pipeline defaults.
func (p *Pipeline) NewDescriptor(method, rawURL string, opts ...RequestOption) *Descriptor {
	d := &Descriptor{
		Method:     strings.ToUpper(method),
		URL:        rawURL,
		MaxRetries: p.cfg.Retry.MaxRetries,
	}
	d.CacheEnabled = p.cfg.Cache.Reads && d.IsRead()
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Get issues a GET request.
func (p *Pipeline) Get(ctx context.Context, rawURL string, query url.Values, opts ...RequestOption) (*ResponseEnvelope, error) {
	d := p.NewDescriptor(http.MethodGet, rawURL, opts...)
	d.Query = query
	return p.Request(ctx, d)
}

// Post issues a POST request with a JSON body.
func (p *Pipeline) Post(ctx context.Context, rawURL string, body any, opts ...RequestOption) (*ResponseEnvelope, error) {
	d := p.NewDescriptor(http.MethodPost, rawURL, opts...)
	d.Body = body
	return p.Request(ctx, d)
}

// Put issues a PUT request with a JSON body.
func (p *Pipeline) Put(ctx context.Context, rawURL string, body any, opts ...RequestOption) (*ResponseEnvelope, error) {
	d := p.NewDescriptor(http.MethodPut, rawURL, opts...)
	d.Body = body
	return p.Request(ctx, d)
}

// Patch issues a PATCH request with a JSON body.
func (p *Pipeline) Patch(ctx context.Context, rawURL string, body any, opts ...RequestOption) (*ResponseEnvelope, error) {
	d := p.NewDescriptor(http.MethodPatch, rawURL, opts...)
	d.Body = body
	return p.Request(ctx, d)
}

// Delete issues a DELETE request.
func (p *Pipeline) Delete(ctx context.Context, rawURL string, query url.Values, opts ...RequestOption) (*ResponseEnvelope, error) {
	d := p.NewDescriptor(http.MethodDelete, rawURL, opts...)
	d.Query = query
	return p.Request(ctx, d)
}

// Upload posts a multipart form. onProgress, if not nil, receives upload progress.
// Uploads get the upload timeout unless a timeout is set explicitly.
func (p *Pipeline) Upload(ctx context.Context, rawURL string, form *Multipart, onProgress ProgressFunc, opts ...RequestOption) (*ResponseEnvelope, error) {
	d := p.NewDescriptor(http.MethodPost, rawURL, opts...)
	d.Body = form
	d.Transfer = TransferUpload
	if form != nil {
		p.logger.Debug("uploading form",
			"url", rawURL,
			"files", len(form.Files),
			"bytes", form.Size())
	}
	if onProgress != nil {
		d.OnProgress = onProgress
	}
	return p.Request(ctx, d)
}

// Download fetches a file and writes it to dst. onProgress, if not nil, receives
// download progress. Downloads are never cached.
func (p *Pipeline) Download(ctx context.Context, rawURL string, query url.Values, dst io.Writer, onProgress ProgressFunc, opts ...RequestOption) (int64, error) {
	d := p.NewDescriptor(http.MethodGet, rawURL, opts...)
	d.Query = query
	d.Transfer = TransferDownload
	d.CacheEnabled = false
	if onProgress != nil {
		d.OnProgress = onProgress
	}

	env, err := p.Request(ctx, d)
	if err != nil {
		return 0, err
	}
	n, err := dst.Write(env.Data)
	if err != nil {
		return int64(n), fmt.Errorf("write download: %w", err)
	}
	return int64(n), nil
}

// Batch issues every descriptor concurrently and returns their envelopes in order.
// The first failure cancels the others and is returned. Descriptors sharing a
// canonical key supersede each other, so a batch should not repeat a request.
func (p *Pipeline) Batch(ctx context.Context, ds ...*Descriptor) ([]*ResponseEnvelope, error) {
	results := make([]*ResponseEnvelope, len(ds))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range ds {
		g.Go(func() error {
			env, err := p.Request(gctx, d)
			if err != nil {
				return err
			}
			results[i] = env
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Request runs one logical request through the pipeline. It returns an *Error on
// failure; errors.Is(err, ErrCancelled) reports a superseded or aborted request.
// d is not modified: every call starts with the retry budget d declares.
func (p *Pipeline) Request(ctx context.Context, d *Descriptor) (*ResponseEnvelope, error) {
	if d == nil {
		return nil, errors.New("reqpipe: nil descriptor")
	}
	d = p.prepare(d)

	start := p.now()
	endpoint := d.endpoint()
	key := Canonicalize(d)
	ec := ErrorContext{
		Method:    d.Method,
		URL:       d.URL,
		Key:       key,
		RequestID: d.RequestID,
	}

	if cacheable(d) {
		if env, ok := p.cache.Lookup(d); ok {
			p.metrics.RecordCacheHit(d.Method, endpoint)
			p.perf.Record(PerfSample{
				Method:    d.Method,
				URL:       d.URL,
				Duration:  p.now().Sub(start),
				Status:    env.StatusCode,
				Success:   true,
				FromCache: true,
				At:        start,
			})
			p.logger.Debug("served from cache", "method", d.Method, "url", d.URL)
			return env, nil
		}
		p.metrics.RecordCacheMiss(d.Method, endpoint)
	}

	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	entry, superseded := p.pending.Register(key, cancel)
	if superseded {
		p.metrics.RecordSuperseded(d.Method, endpoint)
		p.logger.Debug("cancelled identical in-flight request",
			"method", d.Method,
			"url", d.URL)
	}

	p.metrics.RecordRequestStart(d.Method, endpoint)
	defer p.metrics.RecordRequestEnd(d.Method, endpoint)

	timeout := p.timeouts.Resolve(d)

	var env *ResponseEnvelope
	err := p.authorize(d)
	if err == nil {
		env, err = p.retry.Run(callCtx, d, func(ctx context.Context) (*ResponseEnvelope, error) {
			return p.attempt(ctx, d, timeout)
		})
	}

	// A request superseded after its transport call returned still settles as
	// cancelled, so a stale success never races in after its successor.
	if owned := p.pending.Release(key, entry); !owned && err == nil {
		err = context.Cause(callCtx)
	}

	duration := p.now().Sub(start)
	ec.Attempts = d.RetryCount + 1
	if err != nil {
		return nil, p.fail(callCtx, d, ec, err, duration)
	}

	p.cache.Store(d, env)
	if cacheable(d) {
		p.metrics.RecordCacheSize(p.cache.Len())
	}
	p.metrics.RecordRequest(d.Method, endpoint, env.StatusCode, duration)
	p.perf.Record(PerfSample{
		Method:   d.Method,
		URL:      d.URL,
		Duration: duration,
		Status:   env.StatusCode,
		Success:  true,
		At:       start,
	})
	if env.Warning != "" {
		p.notifier.Notify(env.Warning, SeverityWarning)
	}
	return env, nil
}

// prepare returns the private copy of d that one logical request works on. The
// caller's descriptor is never written, so it can be reused or shared between
// goroutines; the retry count and request id live on the copy only.
func (p *Pipeline) prepare(d *Descriptor) *Descriptor {
	c := *d
	c.Method = strings.ToUpper(c.Method)
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	c.Header = d.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if d.Query != nil {
		c.Query = make(url.Values, len(d.Query))
		for k, vs := range d.Query {
			c.Query[k] = append([]string(nil), vs...)
		}
	}
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	c.Header.Set(headerRequestID, c.RequestID)
	return &c
}

// authorize attaches the access token. A missing token sends the request
// anonymously; an expired one fails it before it reaches the network.
func (p *Pipeline) authorize(d *Descriptor) error {
	if p.tokens == nil || d.Header.Get(headerAuthorization) != "" {
		return nil
	}
	tok, err := p.tokens.Token()
	switch {
	case errors.Is(err, ErrNoToken):
		return nil
	case err != nil:
		return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: msgNotLoggedIn, Err: err}
	}
	d.Header.Set(headerAuthorization, authorizationHeader(tok))
	return nil
}

// attempt issues one transport call bounded by timeout. An expired attempt becomes
// a timeout error so the retry loop treats it like any other lost response.
func (p *Pipeline) attempt(ctx context.Context, d *Descriptor, timeout time.Duration) (*ResponseEnvelope, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := p.transport.Execute(attemptCtx, d)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, pkgerrors.NewTimeoutError(
			fmt.Sprintf("no response within %s", timeout),
			d.Method+" "+d.endpoint(),
			timeout,
		)
	}
	return env, err
}

// fail classifies a finished request's error and runs the reporting side effects.
func (p *Pipeline) fail(callCtx context.Context, d *Descriptor, ec ErrorContext, err error, duration time.Duration) *Error {
	if callCtx.Err() != nil {
		cause := context.Cause(callCtx)
		if !errors.Is(cause, ErrCancelled) {
			cause = &Error{Kind: KindCancelled, Message: "request aborted", Err: cause}
		}
		err = cause
	}
	e := classify(err, ec)
	endpoint := d.endpoint()

	if e.Kind == KindCancelled {
		p.logger.Info("request cancelled",
			"method", d.Method,
			"url", d.URL,
			"reason", e.Message)
		return e
	}

	p.journal.Record(e, ec)
	p.metrics.RecordError(e.Kind, d.Method, endpoint)
	p.metrics.RecordRequest(d.Method, endpoint, e.Status, duration)
	p.perf.Record(PerfSample{
		Method:   d.Method,
		URL:      d.URL,
		Duration: duration,
		Status:   e.Status,
		At:       p.now().Add(-duration),
	})

	if e.Kind == KindAuth && p.reauth != nil && p.reauth.auth != nil {
		p.reauth.trigger(callCtx)
		return e
	}
	p.notifier.Notify(FormatError(e), severityFor(e))
	return e
}

func (p *Pipeline) onRetry(d *Descriptor, attempt int, err error) {
	p.metrics.RecordRetry(d.Method, d.endpoint(), attempt)
	p.notifier.Notify(msgRetrying, SeverityInfo)
}

// AddTimeoutRule appends a timeout rule after the existing ones.
func (p *Pipeline) AddTimeoutRule(rule TimeoutRule) {
	p.timeouts.Append(rule)
}

// CancelAll cancels every in-flight request. It returns the number cancelled.
func (p *Pipeline) CancelAll() int {
	n := p.pending.CancelAll("all pending requests cancelled")
	if n > 0 {
		p.logger.Info("cancelled pending requests", "count", n)
	}
	return n
}

// PendingCount returns the number of requests in flight.
func (p *Pipeline) PendingCount() int {
	return p.pending.Len()
}

// ClearCache drops every cached response.
func (p *Pipeline) ClearCache() {
	p.cache.Clear()
	p.metrics.RecordCacheSize(0)
}

// InvalidateCache drops the cached response of d, typically after a write that
// changed it.
func (p *Pipeline) InvalidateCache(d *Descriptor) bool {
	removed := p.cache.Invalidate(d)
	p.metrics.RecordCacheSize(p.cache.Len())
	return removed
}

// InvalidateCachePrefix drops every cached GET whose URL starts with prefix.
//
// Example:
//
//	pipeline.Post(ctx, "/orders", order)
//	pipeline.InvalidateCachePrefix("/orders")
func (p *Pipeline) InvalidateCachePrefix(prefix string) int {
	n := p.cache.InvalidatePrefix(http.MethodGet, prefix)
	n += p.cache.InvalidatePrefix(http.MethodHead, prefix)
	p.metrics.RecordCacheSize(p.cache.Len())
	return n
}

// CacheSize returns the number of cached responses.
func (p *Pipeline) CacheSize() int {
	return p.cache.Len()
}

// OnError registers a hook called with every journaled error.
func (p *Pipeline) OnError(fn func(ErrorRecord)) {
	p.journal.OnRecord(fn)
}

// ErrorSummary returns the lifetime error count and the most recent errors.
func (p *Pipeline) ErrorSummary() JournalSummary {
	return p.journal.Summary()
}

// RecentErrors returns every retained error record, newest first.
func (p *Pipeline) RecentErrors() []ErrorRecord {
	return p.journal.Recent()
}

// ClearErrors drops the retained error records.
func (p *Pipeline) ClearErrors() {
	p.journal.Reset()
}

// PerformanceSummary aggregates recent request timings.
func (p *Pipeline) PerformanceSummary() PerformanceSummary {
	return p.perf.Summary()
}

// ClearPerformanceData drops the retained request timings.
func (p *Pipeline) ClearPerformanceData() {
	p.perf.Reset()
}

// RetryStats returns retry statistics.
func (p *Pipeline) RetryStats() RetryStats {
	return p.retry.Stats()
}

// Health returns a point-in-time view of the pipeline.
func (p *Pipeline) Health() HealthStatus {
	h := HealthStatus{
		Healthy:          true,
		CacheEntries:     p.cache.Len(),
		PendingRequests:  p.pending.Len(),
		ErrorCount:       p.journal.Summary().Count,
		ReauthInProgress: p.reauth.active(),
	}
	if p.breaker != nil {
		h.Circuit = p.breaker.health()
		h.Healthy = h.Circuit.Healthy
	}
	return h
}

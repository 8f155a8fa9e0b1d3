package reqpipe

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TransferKind marks descriptors that move files rather than JSON payloads.
type TransferKind int

const (
	// TransferNone is a regular JSON API call.
	TransferNone TransferKind = iota

	// TransferUpload sends a multipart body and reports upload progress.
	TransferUpload

	// TransferDownload receives a binary body and reports download progress.
	TransferDownload
)

// Progress is reported while an upload or download is streaming.
// Total is -1 when the size is unknown.
type Progress struct {
	Transferred int64
	Total       int64
}

// ProgressFunc receives progress notifications.
type ProgressFunc func(Progress)

// Descriptor describes one logical request. The cancel handle is the context passed
// to Pipeline.Request.
type Descriptor struct {
	// Method is the HTTP verb, e.g. GET or POST.
	Method string

	// URL is the request path relative to the transport base URL, or an absolute URL.
	URL string

	// Query holds query parameters. Their order does not affect the canonical key.
	Query url.Values

	// Body is the request payload: nil, []byte, string, json.RawMessage, *Multipart,
	// or any value encodable as JSON.
	Body any

	// Header carries extra request headers.
	Header http.Header

	// Timeout is the caller-declared timeout. Zero defers to the timeout rules.
	Timeout time.Duration

	// CacheEnabled allows a read to be served from and stored in the cache.
	CacheEnabled bool

	// CacheTTL is how long a stored response stays valid. Zero uses the pipeline default.
	CacheTTL time.Duration

	// RetryCount is the number of retries already performed for this logical request.
	// It only ever grows.
	RetryCount int

	// MaxRetries is the retry budget. Zero disables retries.
	MaxRetries int

	// Transfer marks uploads and downloads.
	Transfer TransferKind

	// OnProgress receives upload or download progress.
	OnProgress ProgressFunc

	// RequestID is sent as X-Request-ID. Generated when empty.
	RequestID string
}

// IsRead reports whether the descriptor is a GET-equivalent call.
func (d *Descriptor) IsRead() bool {
	m := strings.ToUpper(d.Method)
	return m == http.MethodGet || m == http.MethodHead
}

// endpoint returns the URL path used for metric labels and logs.
func (d *Descriptor) endpoint() string {
	return requestPath(d.URL)
}

func requestPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	return u.Path
}

// RequestOption customizes a descriptor built by the verb helpers.
type RequestOption func(*Descriptor)

// WithRequestTimeout declares an explicit timeout that overrides every timeout rule.
func WithRequestTimeout(timeout time.Duration) RequestOption {
	return func(d *Descriptor) {
		d.Timeout = timeout
	}
}

// WithRequestHeader sets a request header.
func WithRequestHeader(key, value string) RequestOption {
	return func(d *Descriptor) {
		if d.Header == nil {
			d.Header = http.Header{}
		}
		d.Header.Set(key, value)
	}
}

// WithCacheTTL enables caching for the request with a custom lifetime.
func WithCacheTTL(ttl time.Duration) RequestOption {
	return func(d *Descriptor) {
		d.CacheEnabled = true
		d.CacheTTL = ttl
	}
}

// WithoutCache bypasses the cache for the request.
func WithoutCache() RequestOption {
	return func(d *Descriptor) {
		d.CacheEnabled = false
	}
}

// WithRetries overrides the retry budget for the request.
func WithRetries(maxRetries int) RequestOption {
	return func(d *Descriptor) {
		d.MaxRetries = maxRetries
	}
}

// WithRequestID pins the X-Request-ID header value.
func WithRequestID(id string) RequestOption {
	return func(d *Descriptor) {
		d.RequestID = id
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) RequestOption {
	return func(d *Descriptor) {
		d.OnProgress = fn
	}
}

// ResponseEnvelope is the uniform success shape returned to callers, whether it was
// served from the cache or from the network.
type ResponseEnvelope struct {
	// StatusCode is the business code reported by the API, or the HTTP status when the
	// body carries none.
	StatusCode int `json:"statusCode"`

	// Data is the raw payload: the "data" member of a JSON envelope, or the file bytes
	// of a download.
	Data []byte `json:"data,omitempty"`

	// Message is the optional server message.
	Message string `json:"message,omitempty"`

	// Warning is a non-fatal notice attached to a successful response.
	Warning string `json:"warning,omitempty"`
}

// Clone returns a deep copy so cached payloads are never shared with callers.
func (e *ResponseEnvelope) Clone() *ResponseEnvelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return &c
}

// Decode unmarshals the envelope data as JSON into T.
func Decode[T any](env *ResponseEnvelope) (T, error) {
	var out T
	if env == nil {
		return out, errors.New("reqpipe: nil envelope")
	}
	if len(env.Data) == 0 {
		return out, nil
	}
	err := json.Unmarshal(env.Data, &out)
	return out, err
}

// FilePart is one file of a multipart upload. Data is held in memory so the body can
// be rebuilt for every retry attempt.
type FilePart struct {
	Field    string
	FileName string
	Data     []byte
}

// Multipart is a multipart/form-data body.
type Multipart struct {
	Fields map[string]string
	Files  []FilePart
}

// Size returns the number of payload bytes carried by the files.
func (m *Multipart) Size() int64 {
	var n int64
	for _, f := range m.Files {
		n += int64(len(f.Data))
	}
	return n
}

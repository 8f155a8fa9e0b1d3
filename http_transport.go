package reqpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

const (
	contentTypeJSON = "application/json;charset=utf-8"
	contentTypeText = "text/plain;charset=utf-8"
	contentTypeBin  = "application/octet-stream"
)

// DefaultSuccessCodes are the business codes of a successful JSON envelope. Zero
// covers APIs that omit the code on success.
var DefaultSuccessCodes = []int{0, 200, 20000}

// HTTPTransport issues requests with net/http and unwraps the campus API envelope
// {"code": ..., "message": ..., "data": ...}.
type HTTPTransport struct {
	baseURL      string
	client       *http.Client
	successCodes map[int]struct{}
	logger       *slog.Logger
}

// HTTPTransportOption is a functional option for configuring the HTTP transport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient sets the underlying HTTP client. Its Timeout should be zero: the
// pipeline enforces timeouts through the request context.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithSuccessCodes replaces the business codes treated as success.
func WithSuccessCodes(codes ...int) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.successCodes = codeSet(codes)
	}
}

// WithTransportLogger sets a custom logger for the transport.
func WithTransportLogger(logger *slog.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// NewHTTPTransport creates a transport resolving relative URLs against baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPTransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{},
		successCodes: codeSet(DefaultSuccessCodes),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func codeSet(codes []int) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// wireEnvelope is the JSON body shape of the campus API.
type wireEnvelope struct {
	Code    *int              `json:"code"`
	Message string            `json:"message"`
	Msg     string            `json:"msg"`
	Data    json.RawMessage   `json:"data"`
	Warning string            `json:"warning"`
	Errors  map[string]string `json:"errors"`
}

func (w *wireEnvelope) message() string {
	if w.Message != "" {
		return w.Message
	}
	return w.Msg
}

// Execute implements Transport.
func (t *HTTPTransport) Execute(ctx context.Context, d *Descriptor) (*ResponseEnvelope, error) {
	req, err := t.newRequest(ctx, d)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := t.readBody(resp, d)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Debug("non-2xx response",
			"method", req.Method,
			"url", req.URL.String(),
			"status", resp.StatusCode)
		return nil, statusErrorFromBody(resp.StatusCode, body)
	}

	if d.Transfer == TransferDownload {
		return &ResponseEnvelope{StatusCode: resp.StatusCode, Data: body}, nil
	}
	return t.decodeEnvelope(resp.StatusCode, body)
}

func (t *HTTPTransport) resolveURL(d *Descriptor) (*url.URL, error) {
	raw := d.URL
	if !strings.Contains(raw, "://") && t.baseURL != "" {
		raw = t.baseURL + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse request url %q: %w", d.URL, err)
	}
	if len(d.Query) > 0 {
		q := u.Query()
		for k, vs := range d.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, d *Descriptor) (*http.Request, error) {
	u, err := t.resolveURL(d)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(d.Body)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
		if d.Transfer == TransferUpload && d.OnProgress != nil {
			reader = &progressReader{r: reader, total: int64(len(body)), fn: d.OnProgress}
		}
	}

	req, err := http.NewRequestWithContext(ctx, d.Method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.ContentLength = int64(len(body))
	}

	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("Accept") == "" && d.Transfer != TransferDownload {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// encodeBody serializes a descriptor body. The whole body is built in memory so it
// can be sent again on retry.
func encodeBody(body any) ([]byte, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case *Multipart:
		if v == nil {
			return nil, "", nil
		}
		return encodeMultipart(v)
	case []byte:
		return v, contentTypeBin, nil
	case string:
		return []byte(v), contentTypeText, nil
	case json.RawMessage:
		return v, contentTypeJSON, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode request body: %w", err)
		}
		return data, contentTypeJSON, nil
	}
}

func encodeMultipart(m *Multipart) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for name, value := range m.Fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("write form field %q: %w", name, err)
		}
	}
	for _, f := range m.Files {
		part, err := w.CreateFormFile(f.Field, f.FileName)
		if err != nil {
			return nil, "", fmt.Errorf("create form file %q: %w", f.FileName, err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("write form file %q: %w", f.FileName, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (t *HTTPTransport) readBody(resp *http.Response, d *Descriptor) ([]byte, error) {
	var r io.Reader = resp.Body
	if d.Transfer == TransferDownload && d.OnProgress != nil {
		r = &progressReader{r: resp.Body, total: resp.ContentLength, fn: d.OnProgress}
	}
	return io.ReadAll(r)
}

func statusErrorFromBody(status int, body []byte) *StatusError {
	se := &StatusError{Code: status, Body: body}
	var w wireEnvelope
	if len(body) > 0 && json.Unmarshal(body, &w) == nil {
		se.Message = w.message()
		se.FieldErrors = w.Errors
	}
	return se
}

func (t *HTTPTransport) decodeEnvelope(status int, body []byte) (*ResponseEnvelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &ResponseEnvelope{StatusCode: status}, nil
	}

	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil || w.Code == nil {
		// Not an envelope: hand the body over as is.
		return &ResponseEnvelope{StatusCode: status, Data: body}, nil
	}

	code := *w.Code
	if _, ok := t.successCodes[code]; !ok {
		return nil, &StatusError{
			Code:        code,
			Message:     w.message(),
			FieldErrors: w.Errors,
			Body:        body,
			Business:    true,
		}
	}

	if code == 0 {
		code = status
	}
	env := &ResponseEnvelope{
		StatusCode: code,
		Message:    w.message(),
		Warning:    w.Warning,
	}
	if len(w.Data) > 0 && string(w.Data) != "null" {
		env.Data = []byte(w.Data)
	}
	return env, nil
}

// progressReader reports the number of bytes read so far.
type progressReader struct {
	r     io.Reader
	total int64
	n     int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.fn(Progress{Transferred: p.n, Total: p.total})
	}
	return n, err
}

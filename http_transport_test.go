package reqpipe_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heikeji/reqpipe"
)

var _ = Describe("HTTPTransport", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		server   *httptest.Server
		handler  http.HandlerFunc
		mu       sync.Mutex
		requests []*http.Request
		bodies   [][]byte
		pipeline *reqpipe.Pipeline
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		requests = nil
		bodies = nil
		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			requests = append(requests, r)
			bodies = append(bodies, body)
			mu.Unlock()
			handler(w, r)
		}))
		pipeline = reqpipe.New(
			reqpipe.WithBaseURL(server.URL+"/api"),
			reqpipe.WithLogger(quietLogger()),
			reqpipe.WithMaxRetries(0),
		)
	})

	AfterEach(func() {
		cancel()
		server.Close()
	})

	writeJSON := func(w http.ResponseWriter, status int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}

	It("unwraps the response envelope", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"code":200,"message":"ok","data":{"id":7,"name":"noodles"}}`)
		}

		env, err := pipeline.Get(ctx, "/products/7", url.Values{"lang": {"en"}})
		Expect(err).NotTo(HaveOccurred())
		Expect(env.StatusCode).To(Equal(200))
		Expect(env.Message).To(Equal("ok"))

		product, err := reqpipe.Decode[struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		}](env)
		Expect(err).NotTo(HaveOccurred())
		Expect(product.ID).To(Equal(7))
		Expect(product.Name).To(Equal("noodles"))

		Expect(requests).To(HaveLen(1))
		Expect(requests[0].URL.Path).To(Equal("/api/products/7"))
		Expect(requests[0].URL.Query().Get("lang")).To(Equal("en"))
		Expect(requests[0].Header.Get("Accept")).To(Equal("application/json"))
		Expect(requests[0].Header.Get("X-Request-ID")).NotTo(BeEmpty())
	})

	It("sends JSON bodies", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"code":0,"data":null}`)
		}

		env, err := pipeline.Post(ctx, "/orders", map[string]any{"sku": "A1", "qty": 2})
		Expect(err).NotTo(HaveOccurred())
		Expect(env.StatusCode).To(Equal(200))
		Expect(env.Data).To(BeNil())

		Expect(requests[0].Method).To(Equal(http.MethodPost))
		Expect(requests[0].Header.Get("Content-Type")).To(HavePrefix("application/json"))
		Expect(bodies[0]).To(MatchJSON(`{"sku":"A1","qty":2}`))
	})

	It("hands non-envelope bodies over unchanged", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `[1,2,3]`)
		}

		env, err := pipeline.Get(ctx, "/numbers", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Data).To(MatchJSON(`[1,2,3]`))
	})

	It("treats an unsuccessful business code as a status error", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"code":401,"message":"token invalid"}`)
		}

		_, err := pipeline.Get(ctx, "/profile", nil)
		Expect(err).To(MatchError(reqpipe.ErrAuth))
		Expect(reqpipe.FormatError(err)).To(Equal("token invalid"))
	})

	It("does not retry a failure reported by the business code", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"code":500,"message":"order creation failed"}`)
		}
		retrying := reqpipe.New(
			reqpipe.WithBaseURL(server.URL+"/api"),
			reqpipe.WithLogger(quietLogger()),
			reqpipe.WithMaxRetries(3),
			reqpipe.WithExponentialBackoff(time.Millisecond, 5*time.Millisecond),
		)

		_, err := retrying.Post(ctx, "/orders", map[string]int{"productId": 1})

		Expect(err).To(MatchError(reqpipe.ErrServer))
		Expect(reqpipe.FormatError(err)).To(Equal("order creation failed"))
		Expect(retrying.RetryStats().TotalRetries).To(BeZero())
		mu.Lock()
		defer mu.Unlock()
		Expect(requests).To(HaveLen(1))
	})

	It("still retries a failing HTTP status", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		retrying := reqpipe.New(
			reqpipe.WithBaseURL(server.URL+"/api"),
			reqpipe.WithLogger(quietLogger()),
			reqpipe.WithMaxRetries(2),
			reqpipe.WithExponentialBackoff(time.Millisecond, 5*time.Millisecond),
		)

		_, err := retrying.Get(ctx, "/orders", nil)

		Expect(err).To(MatchError(reqpipe.ErrMaxRetryExceeded))
		mu.Lock()
		defer mu.Unlock()
		Expect(requests).To(HaveLen(3))
	})

	It("carries field errors of a rejected submission", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"msg":"invalid form","errors":{"phone":"invalid phone number"}}`)
		}

		_, err := pipeline.Post(ctx, "/addresses", map[string]string{"phone": "1"})
		Expect(err).To(MatchError(reqpipe.ErrValidation))
		Expect(reqpipe.FormatError(err)).To(Equal("invalid form"))
		Expect(reqpipe.FieldErrors(err)).To(HaveKeyWithValue("phone", "invalid phone number"))
	})

	It("maps non-2xx responses without a body to default messages", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_, err := pipeline.Get(ctx, "/orders", nil)
		Expect(err).To(MatchError(reqpipe.ErrServer))
		Expect(reqpipe.FormatError(err)).To(Equal("service unavailable"))
	})

	It("reports an unreachable server as a network error", func() {
		server.Close()

		_, err := pipeline.Get(ctx, "/orders", nil)
		Expect(err).To(MatchError(reqpipe.ErrNetwork))
	})

	It("uploads multipart forms and reports progress", func() {
		var fileName, content, owner string
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"code":200,"data":{"url":"https://cdn.example.com/a.png"}}`)
		}

		var last reqpipe.Progress
		form := &reqpipe.Multipart{
			Fields: map[string]string{"owner": "student-42"},
			Files:  []reqpipe.FilePart{{Field: "file", FileName: "a.png", Data: bytes.Repeat([]byte("x"), 4096)}},
		}
		env, err := pipeline.Upload(ctx, "/upload", form, func(p reqpipe.Progress) {
			last = p
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Data).To(MatchJSON(`{"url":"https://cdn.example.com/a.png"}`))
		Expect(last.Total).To(BeNumerically(">", 4096))
		Expect(last.Transferred).To(Equal(last.Total))

		req := requests[0]
		req.Body = io.NopCloser(bytes.NewReader(bodies[0]))
		Expect(req.ParseMultipartForm(1 << 20)).To(Succeed())
		owner = req.FormValue("owner")
		file, header, err := req.FormFile("file")
		Expect(err).NotTo(HaveOccurred())
		data, _ := io.ReadAll(file)
		fileName, content = header.Filename, string(data)

		Expect(owner).To(Equal("student-42"))
		Expect(fileName).To(Equal("a.png"))
		Expect(content).To(HaveLen(4096))
	})

	It("downloads raw bytes with progress", func() {
		payload := bytes.Repeat([]byte("r"), 10000)
		handler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write(payload)
		}

		var last reqpipe.Progress
		var buf bytes.Buffer
		n, err := pipeline.Download(ctx, "/receipts/3/download", nil, &buf, func(p reqpipe.Progress) {
			last = p
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(len(payload))))
		Expect(buf.Bytes()).To(Equal(payload))
		Expect(last.Transferred).To(Equal(int64(len(payload))))
		Expect(requests[0].Header.Get("Accept")).To(BeEmpty())
	})

	It("forwards the bearer token", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"code":200,"data":{}}`)
		}
		authed := reqpipe.New(
			reqpipe.WithBaseURL(server.URL),
			reqpipe.WithLogger(quietLogger()),
			reqpipe.WithTokenSource(reqpipe.NewJWTTokenSource(reqpipe.TokenStoreFunc(func() (string, error) {
				return "opaque-session", nil
			}), 0)),
		)

		_, err := authed.Get(ctx, "/profile", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(requests[0].Header.Get("Authorization")).To(Equal("Bearer opaque-session"))
	})

	It("accepts custom success codes", func() {
		handler = func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"code":1,"data":"done"}`)
		}
		custom := reqpipe.New(
			reqpipe.WithLogger(quietLogger()),
			reqpipe.WithTransport(reqpipe.NewHTTPTransport(server.URL,
				reqpipe.WithHTTPClient(server.Client()),
				reqpipe.WithSuccessCodes(1),
				reqpipe.WithTransportLogger(quietLogger()),
			)),
		)

		env, err := custom.Get(ctx, "/jobs/1", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Data).To(MatchJSON(`"done"`))

		var decoded string
		Expect(json.Unmarshal(env.Data, &decoded)).To(Succeed())
		Expect(decoded).To(Equal("done"))
	})
})

package reqpipe_test

import (
	"encoding/json"
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heikeji/reqpipe"
)

var _ = Describe("Canonicalize", func() {
	It("ignores query parameter order", func() {
		a := &reqpipe.Descriptor{Method: "GET", URL: "/orders", Query: url.Values{"page": {"1"}, "size": {"20"}}}
		b := &reqpipe.Descriptor{Method: "get", URL: "/orders", Query: url.Values{"size": {"20"}, "page": {"1"}}}
		Expect(reqpipe.Canonicalize(a)).To(Equal(reqpipe.Canonicalize(b)))
	})

	It("merges inline query strings with query parameters", func() {
		inline := &reqpipe.Descriptor{Method: "GET", URL: "/orders?size=20&page=1"}
		split := &reqpipe.Descriptor{Method: "GET", URL: "/orders?page=1", Query: url.Values{"size": {"20"}}}
		params := &reqpipe.Descriptor{Method: "GET", URL: "/orders", Query: url.Values{"page": {"1"}, "size": {"20"}}}
		Expect(reqpipe.Canonicalize(inline)).To(Equal(reqpipe.Canonicalize(params)))
		Expect(reqpipe.Canonicalize(split)).To(Equal(reqpipe.Canonicalize(params)))
	})

	It("compares JSON string bodies by value", func() {
		a := &reqpipe.Descriptor{Method: "POST", URL: "/orders", Body: `{"sku":"A1","qty":2}`}
		b := &reqpipe.Descriptor{Method: "POST", URL: "/orders", Body: `{ "qty": 2, "sku": "A1" }`}
		text := &reqpipe.Descriptor{Method: "POST", URL: "/orders", Body: "qty=2"}
		Expect(reqpipe.Canonicalize(a)).To(Equal(reqpipe.Canonicalize(b)))
		Expect(reqpipe.Canonicalize(a)).NotTo(Equal(reqpipe.Canonicalize(text)))
	})

	It("ignores map key order in bodies", func() {
		a := &reqpipe.Descriptor{Method: "POST", URL: "/orders", Body: map[string]any{"sku": "A1", "qty": 2}}
		b := &reqpipe.Descriptor{Method: "POST", URL: "/orders", Body: json.RawMessage(`{"qty":2,"sku":"A1"}`)}
		Expect(reqpipe.Canonicalize(a)).To(Equal(reqpipe.Canonicalize(b)))
	})

	It("distinguishes requests differing only in body", func() {
		a := &reqpipe.Descriptor{Method: "POST", URL: "/orders", Body: map[string]any{"qty": 1}}
		b := &reqpipe.Descriptor{Method: "POST", URL: "/orders", Body: map[string]any{"qty": 2}}
		Expect(reqpipe.Canonicalize(a)).NotTo(Equal(reqpipe.Canonicalize(b)))
	})

	It("distinguishes methods and urls", func() {
		get := &reqpipe.Descriptor{Method: "GET", URL: "/orders"}
		del := &reqpipe.Descriptor{Method: "DELETE", URL: "/orders"}
		other := &reqpipe.Descriptor{Method: "GET", URL: "/orders/1"}
		Expect(reqpipe.Canonicalize(get)).NotTo(Equal(reqpipe.Canonicalize(del)))
		Expect(reqpipe.Canonicalize(get)).NotTo(Equal(reqpipe.Canonicalize(other)))
	})

	It("hashes multipart file contents", func() {
		form := func(data string) *reqpipe.Multipart {
			return &reqpipe.Multipart{
				Fields: map[string]string{"folder": "avatars"},
				Files:  []reqpipe.FilePart{{Field: "file", FileName: "a.png", Data: []byte(data)}},
			}
		}
		a := &reqpipe.Descriptor{Method: "POST", URL: "/upload", Body: form("one")}
		b := &reqpipe.Descriptor{Method: "POST", URL: "/upload", Body: form("one")}
		c := &reqpipe.Descriptor{Method: "POST", URL: "/upload", Body: form("two")}
		Expect(reqpipe.Canonicalize(a)).To(Equal(reqpipe.Canonicalize(b)))
		Expect(reqpipe.Canonicalize(a)).NotTo(Equal(reqpipe.Canonicalize(c)))
	})
})

package reqpipe_test

import (
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heikeji/reqpipe"
)

var _ = Describe("CacheStore", func() {
	var (
		clock *fakeClock
		cache *reqpipe.CacheStore
	)

	read := func(path string) *reqpipe.Descriptor {
		return &reqpipe.Descriptor{Method: "GET", URL: path, CacheEnabled: true}
	}

	BeforeEach(func() {
		clock = newFakeClock()
		cache = reqpipe.NewCacheStore(2, time.Minute, clock.Now)
	})

	It("returns a stored read", func() {
		cache.Store(read("/products"), okEnvelope(`[1,2]`))

		env, ok := cache.Lookup(read("/products"))
		Expect(ok).To(BeTrue())
		Expect(env.Data).To(MatchJSON(`[1,2]`))
	})

	It("returns copies that callers cannot corrupt", func() {
		cache.Store(read("/products"), okEnvelope(`"abc"`))

		env, _ := cache.Lookup(read("/products"))
		env.Data[1] = 'X'

		again, _ := cache.Lookup(read("/products"))
		Expect(string(again.Data)).To(Equal(`"abc"`))
	})

	It("ignores writes and disabled descriptors", func() {
		post := &reqpipe.Descriptor{Method: "POST", URL: "/orders", CacheEnabled: true}
		cache.Store(post, okEnvelope(`{}`))
		disabled := &reqpipe.Descriptor{Method: "GET", URL: "/orders"}
		cache.Store(disabled, okEnvelope(`{}`))

		Expect(cache.Len()).To(Equal(0))
		_, ok := cache.Lookup(disabled)
		Expect(ok).To(BeFalse())
	})

	It("expires entries after their ttl and purges them on lookup", func() {
		cache.Store(read("/products"), okEnvelope(`1`))

		clock.Advance(59 * time.Second)
		_, ok := cache.Lookup(read("/products"))
		Expect(ok).To(BeTrue())

		clock.Advance(time.Second)
		_, ok = cache.Lookup(read("/products"))
		Expect(ok).To(BeFalse())
		Expect(cache.Len()).To(Equal(0))
	})

	It("honours a per-descriptor ttl", func() {
		d := read("/banner")
		d.CacheTTL = 5 * time.Second
		cache.Store(d, okEnvelope(`1`))

		clock.Advance(5 * time.Second)
		_, ok := cache.Lookup(d)
		Expect(ok).To(BeFalse())
	})

	It("evicts the oldest inserted entry, not the least recently used", func() {
		cache.Store(read("/a"), okEnvelope(`"a"`))
		cache.Store(read("/b"), okEnvelope(`"b"`))

		// A lookup must not protect /a from eviction.
		_, ok := cache.Lookup(read("/a"))
		Expect(ok).To(BeTrue())

		cache.Store(read("/c"), okEnvelope(`"c"`))

		Expect(cache.Len()).To(Equal(2))
		_, ok = cache.Lookup(read("/a"))
		Expect(ok).To(BeFalse())
		_, ok = cache.Lookup(read("/b"))
		Expect(ok).To(BeTrue())
		_, ok = cache.Lookup(read("/c"))
		Expect(ok).To(BeTrue())
	})

	It("invalidates single entries and prefixes", func() {
		big := reqpipe.NewCacheStore(10, time.Minute, clock.Now)
		list := read("/orders")
		list.Query = url.Values{"page": {"1"}}
		big.Store(list, okEnvelope(`[]`))
		big.Store(read("/orders/7"), okEnvelope(`{}`))
		big.Store(read("/products"), okEnvelope(`[]`))

		Expect(big.Invalidate(read("/products"))).To(BeTrue())
		Expect(big.InvalidatePrefix("GET", "/orders")).To(Equal(2))
		Expect(big.Len()).To(Equal(0))
	})

	It("invalidates prefixes on path segment boundaries only", func() {
		big := reqpipe.NewCacheStore(10, time.Minute, clock.Now)
		big.Store(read("/orders"), okEnvelope(`[]`))
		big.Store(read("/orders/7/items"), okEnvelope(`[]`))
		big.Store(read("/orders-archive"), okEnvelope(`[]`))
		big.Store(read("/ordersummary"), okEnvelope(`{}`))

		Expect(big.InvalidatePrefix("GET", "/orders")).To(Equal(2))
		_, ok := big.Lookup(read("/orders-archive"))
		Expect(ok).To(BeTrue())
		_, ok = big.Lookup(read("/ordersummary"))
		Expect(ok).To(BeTrue())

		Expect(big.InvalidatePrefix("GET", "/orders-archive")).To(Equal(1))
		Expect(big.Len()).To(Equal(1))
	})

	It("clears everything", func() {
		cache.Store(read("/a"), okEnvelope(`1`))
		cache.Store(read("/b"), okEnvelope(`2`))
		cache.Clear()
		Expect(cache.Len()).To(Equal(0))
	})
})

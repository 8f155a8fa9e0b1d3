package reqpipe_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heikeji/reqpipe"
)

var _ = Describe("PerformanceMonitor", func() {
	var monitor *reqpipe.PerformanceMonitor

	BeforeEach(func() {
		monitor = reqpipe.NewPerformanceMonitor(reqpipe.PerformanceConfig{
			SlowThreshold: time.Second,
			MaxDataPoints: 4,
		}, quietLogger())
	})

	sample := func(url string, d time.Duration, ok bool) reqpipe.PerfSample {
		return reqpipe.PerfSample{Method: "GET", URL: url, Duration: d, Success: ok}
	}

	It("summarizes nothing when empty", func() {
		Expect(monitor.Summary()).To(Equal(reqpipe.PerformanceSummary{}))
	})

	It("aggregates durations and rates", func() {
		monitor.Record(sample("/a", 100*time.Millisecond, true))
		monitor.Record(sample("/b", 3*time.Second, true))
		monitor.Record(sample("/c", 500*time.Millisecond, false))
		monitor.Record(sample("/d", 400*time.Millisecond, true))

		summary := monitor.Summary()
		Expect(summary.Count).To(Equal(4))
		Expect(summary.SlowCount).To(Equal(1))
		Expect(summary.Average).To(Equal(1 * time.Second))
		Expect(summary.Max).To(Equal(3 * time.Second))
		Expect(summary.Min).To(Equal(100 * time.Millisecond))
		Expect(summary.SlowRate).To(BeNumerically("~", 0.25))
		Expect(summary.SuccessRate).To(BeNumerically("~", 0.75))
		Expect(summary.RecentSlow).To(HaveLen(1))
		Expect(summary.RecentSlow[0].URL).To(Equal("/b"))
	})

	It("keeps a bounded window", func() {
		monitor.Record(sample("/old", 5*time.Second, true))
		for i := 0; i < 4; i++ {
			monitor.Record(sample("/new", 10*time.Millisecond, true))
		}

		summary := monitor.Summary()
		Expect(summary.Count).To(Equal(4))
		Expect(summary.SlowCount).To(BeZero())
		Expect(summary.RecentSlow).To(BeEmpty())
	})

	It("resets", func() {
		monitor.Record(sample("/a", time.Millisecond, true))
		monitor.Reset()
		Expect(monitor.Summary().Count).To(BeZero())
	})

	It("is fed by the pipeline, cache hits included", func() {
		transport := &mockTransport{
			executeFunc: func(ctx context.Context, d *reqpipe.Descriptor) (*reqpipe.ResponseEnvelope, error) {
				return okEnvelope(`{}`), nil
			},
		}
		pipeline := reqpipe.New(
			reqpipe.WithTransport(transport),
			reqpipe.WithLogger(quietLogger()),
			reqpipe.WithReadCaching(true),
		)

		_, _ = pipeline.Get(context.Background(), "/menu", nil)
		_, _ = pipeline.Get(context.Background(), "/menu", nil)

		summary := pipeline.PerformanceSummary()
		Expect(summary.Count).To(Equal(2))
		Expect(summary.SuccessRate).To(BeNumerically("~", 1.0))

		pipeline.ClearPerformanceData()
		Expect(pipeline.PerformanceSummary()).To(Equal(reqpipe.PerformanceSummary{}))
	})
})

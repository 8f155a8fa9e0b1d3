package reqpipe_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/heikeji/reqpipe"
)

var _ = Describe("DebouncedNotifier", func() {
	var (
		clock    *fakeClock
		sink     *recordingNotifier
		notifier *reqpipe.DebouncedNotifier
	)

	BeforeEach(func() {
		clock = newFakeClock()
		sink = &recordingNotifier{}
		notifier = reqpipe.NewDebouncedNotifier(sink, time.Second, clock.Now)
	})

	It("drops identical messages inside the window", func() {
		Expect(notifier.Deliver("service unavailable", reqpipe.SeverityError)).To(BeTrue())
		Expect(notifier.Deliver("service unavailable", reqpipe.SeverityError)).To(BeFalse())

		clock.Advance(999 * time.Millisecond)
		Expect(notifier.Deliver("service unavailable", reqpipe.SeverityError)).To(BeFalse())

		clock.Advance(time.Millisecond)
		Expect(notifier.Deliver("service unavailable", reqpipe.SeverityError)).To(BeTrue())

		Expect(sink.all()).To(HaveLen(2))
	})

	It("delivers different messages independently", func() {
		notifier.Notify("access denied", reqpipe.SeverityWarning)
		notifier.Notify("gateway timeout", reqpipe.SeverityError)

		Expect(sink.all()).To(Equal([]notification{
			{message: "access denied", severity: reqpipe.SeverityWarning},
			{message: "gateway timeout", severity: reqpipe.SeverityError},
		}))
	})

	It("discards messages without a sink", func() {
		silent := reqpipe.NewDebouncedNotifier(nil, time.Second, clock.Now)
		Expect(silent.Deliver("anything", reqpipe.SeverityInfo)).To(BeFalse())
	})

	It("names severities", func() {
		Expect(reqpipe.SeverityInfo.String()).To(Equal("info"))
		Expect(reqpipe.SeverityWarning.String()).To(Equal("warning"))
		Expect(reqpipe.SeverityError.String()).To(Equal("error"))
	})
})

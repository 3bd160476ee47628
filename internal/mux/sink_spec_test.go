package mux_test

import (
	"strconv"

	"github.com/openinput/devmon/internal/mux"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SinkFromChan", func() {
	It("should forward submitted values to the channel", func() {
		ch := make(chan string, 2)
		sink := mux.SinkFromChan(ch)

		Expect(sink.Submit("one", nil)).To(Succeed())
		Expect(sink.Submit("two", nil)).To(Succeed())

		Expect(ch).To(Receive(Equal("one")))
		Expect(ch).To(Receive(Equal("two")))
	})

	It("should close the channel when the sink is closed", func() {
		ch := make(chan int)
		sink := mux.SinkFromChan(ch)

		sink.Close()

		Eventually(func() bool {
			_, ok := <-ch
			return ok
		}).Should(BeFalse())
	})

	It("should give up a blocked Submit when abort fires", func() {
		ch := make(chan int, 1)
		sink := mux.SinkFromChan(ch)
		Expect(sink.Submit(1, nil)).To(Succeed())

		abort := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			// the channel is full and nobody drains it
			done <- sink.Submit(2, abort)
		}()

		Consistently(done).ShouldNot(Receive())
		close(abort)
		Eventually(done).Should(Receive(MatchError(mux.ErrAborted)))
	})
})

var _ = Describe("ThenSink", func() {
	It("should map values before forwarding them", func() {
		ch := make(chan string, 1)
		sink := mux.ThenSink(mux.SinkFromChan(ch), strconv.Itoa)

		Expect(sink.Submit(42, nil)).To(Succeed())
		Expect(ch).To(Receive(Equal("42")))
	})

	It("should propagate Close to the wrapped sink", func() {
		ch := make(chan string)
		sink := mux.ThenSink(mux.SinkFromChan(ch), strconv.Itoa)

		sink.Close()

		Eventually(func() bool {
			_, ok := <-ch
			return ok
		}).Should(BeFalse())
	})

	It("should propagate the abort signal to the wrapped sink", func() {
		ch := make(chan string)
		sink := mux.ThenSink(mux.SinkFromChan(ch), strconv.Itoa)

		abort := make(chan struct{})
		close(abort)
		Expect(sink.Submit(7, abort)).To(MatchError(mux.ErrAborted))
	})
})

var _ = Describe("AwaitReply", func() {
	It("should deliver the reply to the awaiting caller", func() {
		ar := mux.NewAwaitReply[string, int]("request")

		go func() {
			Expect(ar.Value()).To(Equal("request"))
			ar.Reply(7)
		}()

		Expect(ar.Await()).To(Equal(7))
	})

	It("should unblock Wait once Done is called", func() {
		ad := mux.NewAwaitDone("teardown")

		done := make(chan struct{})
		go func() {
			defer close(done)
			ad.Wait()
		}()

		ad.Done()
		Eventually(done).Should(BeClosed())
	})
})

var _ = Describe("ChainCancelFunc", func() {
	It("should invoke every cancel function once", func() {
		calls := make([]int, 0, 3)
		cancel := mux.ChainCancelFunc(
			func() { calls = append(calls, 1) },
			func() { calls = append(calls, 2) },
			func() { calls = append(calls, 3) },
			nil,
		)

		cancel()

		Expect(calls).To(Equal([]int{1, 2, 3}))
	})
})

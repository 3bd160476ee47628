package mux

import "errors"

// AwaitReply is a request paired with a one-shot reply channel. It is the
// unit of communication with a component that serializes all of its state
// mutation on a single goroutine: the caller sends the request and blocks
// in Await until the owning goroutine replies.
type AwaitReply[T, U any] struct {
	value T
	reply chan U
}

func (ar AwaitReply[T, U]) Value() T {
	return ar.value
}

func (ar AwaitReply[T, U]) Reply(value U) {
	ar.reply <- value
	close(ar.reply)
}

func (ar AwaitReply[T, U]) Await() U {
	return <-ar.reply
}

type AwaitDone[T any] struct {
	AwaitReply[T, struct{}]
}

func (ad AwaitDone[T]) Done() {
	ad.Reply(struct{}{})
}

func (ad AwaitDone[T]) Wait() {
	ad.Await()
}

func NewAwaitReply[T, U any](value T) AwaitReply[T, U] {
	return AwaitReply[T, U]{
		value: value,
		reply: make(chan U),
	}
}

func NewAwaitDone[T any](value T) AwaitDone[T] {
	return AwaitDone[T]{
		NewAwaitReply[T, struct{}](value),
	}
}

// ErrAborted reports a Submit that gave up because the stream owner is
// shutting down before the sink accepted the value.
var ErrAborted = errors.New("mux: submit aborted")

// Sink consumes a stream of values. Submit is called from the goroutine
// that owns the stream and may block until the sink accepts the value;
// when abort closes first, Submit must give up and return ErrAborted so
// the owner can drop the sink instead of blocking its shutdown. A nil
// abort never fires. Close is called exactly once when the stream ends.
type Sink[T any] interface {
	Submit(value T, abort <-chan struct{}) error
	Close()
}

type thenSink[U, T any] struct {
	sink      Sink[T]
	contramap func(U) T
}

func (c *thenSink[U, T]) Submit(v U, abort <-chan struct{}) error {
	return c.sink.Submit(c.contramap(v), abort)
}

func (c *thenSink[U, T]) Close() {
	c.sink.Close()
}

// ThenSink adapts a Sink of T into a Sink of U by mapping every submitted
// value through f.
func ThenSink[U, T any](sink Sink[T], f func(U) T) Sink[U] {
	return &thenSink[U, T]{sink, f}
}

type chanSink[T any] struct {
	ch chan<- T
}

func (c *chanSink[T]) Submit(v T, abort <-chan struct{}) error {
	select {
	case c.ch <- v:
		return nil
	case <-abort:
		return ErrAborted
	}
}

func (c *chanSink[T]) Close() {
	close(c.ch)
}

func SinkFromChan[T any](ch chan<- T) Sink[T] {
	return &chanSink[T]{ch}
}

// Source is anything a Sink can be attached to. The returned CancelFunc
// detaches the sink; after it returns no further Submit calls are made.
type Source[T any] interface {
	Subscribe(Sink[T]) CancelFunc
}

type CancelFunc func()

func ChainCancelFunc(cf1, cf2 func(), cfs ...func()) CancelFunc {
	return func() {
		cf1()
		cf2()
		for _, cf := range cfs {
			if cf != nil {
				cf()
			}
		}
	}
}

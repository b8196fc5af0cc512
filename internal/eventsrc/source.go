// Package eventsrc provides a push-style event source: handlers subscribe,
// publishers push values, and each subscription returns a disposer.
package eventsrc

import (
	"log/slog"
	"sync"
)

// Source fans published values out to subscribed handlers.
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order, outside the source's lock. A handler may dispose itself or
// subscribe others while running.
//
// When Replay is enabled the most recent value is delivered to new
// subscribers immediately, which is how an auth provider "fires at least
// once" for a late subscriber.
type Source[T any] struct {
	name   string
	replay bool
	// expectSingle logs a warning when a second concurrent subscriber
	// arrives.
	expectSingle bool

	mu       sync.Mutex
	nextID   int
	handlers []subscriber[T]
	last     T
	hasLast  bool
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Option configures a Source.
type Option func(*options)

type options struct {
	replay       bool
	expectSingle bool
}

// WithReplay delivers the last published value to each new subscriber.
func WithReplay() Option {
	return func(o *options) { o.replay = true }
}

// WithSingleSubscriber marks the source as expecting one subscriber at a
// time. Extra subscribers still receive events; a warning is logged.
func WithSingleSubscriber() Option {
	return func(o *options) { o.expectSingle = true }
}

// New creates an event source. name is used only in log output.
func New[T any](name string, opts ...Option) *Source[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Source[T]{name: name, replay: o.replay, expectSingle: o.expectSingle}
}

// Subscribe registers handler and returns its disposer. Disposing twice is
// a no-op.
func (s *Source[T]) Subscribe(handler func(T)) (dispose func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, subscriber[T]{id: id, fn: handler})
	if s.expectSingle && len(s.handlers) > 1 {
		slog.Warn("event source has more than one subscriber",
			"source", s.name,
			"subscribers", len(s.handlers),
		)
	}
	last, replay := s.last, s.replay && s.hasLast
	s.mu.Unlock()

	if replay {
		handler(last)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

// Publish delivers v to every current subscriber.
func (s *Source[T]) Publish(v T) {
	s.mu.Lock()
	s.last = v
	s.hasLast = true
	handlers := make([]subscriber[T], len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		if !s.active(h.id) {
			continue
		}
		h.fn(v)
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Source[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *Source[T]) active(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

func (s *Source[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.id == id {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

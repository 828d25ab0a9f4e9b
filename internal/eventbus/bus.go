// Package eventbus provides the in-process publish/subscribe channel that
// connects the harvester components.
//
// Asynchronous events go through a single FIFO queue. The first publisher that
// finds the queue idle drains it on its own goroutine; publishers arriving while
// a drain is in progress (including handlers publishing from inside a dispatch)
// only append. Every event is therefore delivered to all of its handlers before
// the next queued event is dispatched, and handlers never nest.
//
// Synchronous queries use a separate responder table: at most one responder
// per tag, invoked directly on the caller's goroutine.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Tag identifies an event kind.
type Tag string

// Event is an immutable message carrying its own tag.
type Event interface {
	Tag() Tag
}

// Handler consumes an asynchronous event. A returned error is logged.
type Handler func(Event) error

// Responder answers a synchronous query.
type Responder func(Event) any

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	tag     Tag
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Tag returns the tag the subscription listens on.
func (s *Subscription) Tag() Tag { return s.tag }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// Bus is safe for concurrent use.
type Bus struct {
	subMu      sync.RWMutex
	handlers   map[Tag][]*Subscription
	responders map[Tag]Responder
	nextID     atomic.Uint64

	queueMu  sync.Mutex
	queue    []Event
	draining bool

	logger *slog.Logger
}

// New creates an empty bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:   make(map[Tag][]*Subscription),
		responders: make(map[Tag]Responder),
		logger:     logger.With("component", "eventbus"),
	}
}

// Subscribe registers h for events tagged tag. Handlers of one tag are
// dispatched in reverse registration order.
func (b *Bus) Subscribe(tag Tag, h Handler) *Subscription {
	if h == nil {
		return nil
	}
	sub := &Subscription{
		tag:     tag,
		id:      b.nextID.Add(1),
		handler: h,
	}
	sub.active.Store(true)

	b.subMu.Lock()
	b.handlers[tag] = append(b.handlers[tag], sub)
	b.subMu.Unlock()
	return sub
}

// Unsubscribe removes sub. It returns false when sub was not registered.
// A subscription removed during a dispatch is not invoked afterwards, even
// for the event currently being dispatched.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	sub.active.Store(false)

	b.subMu.Lock()
	defer b.subMu.Unlock()

	list := b.handlers[sub.tag]
	for i, s := range list {
		if s != sub {
			continue
		}
		next := make([]*Subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.tag)
		} else {
			b.handlers[sub.tag] = next
		}
		return true
	}
	return false
}

// Publish enqueues evt and, if no other goroutine is draining, drains the
// queue before returning.
func (b *Bus) Publish(evt Event) {
	if evt == nil {
		return
	}

	b.queueMu.Lock()
	b.queue = append(b.queue, evt)
	if b.draining {
		b.queueMu.Unlock()
		return
	}
	b.draining = true
	b.queueMu.Unlock()

	b.drain()
}

func (b *Bus) drain() {
	for {
		b.queueMu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.queueMu.Unlock()
			return
		}
		evt := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		b.dispatch(evt)
	}
}

func (b *Bus) dispatch(evt Event) {
	b.subMu.RLock()
	list := b.handlers[evt.Tag()]
	subs := make([]*Subscription, len(list))
	copy(subs, list)
	b.subMu.RUnlock()

	for i := len(subs) - 1; i >= 0; i-- {
		sub := subs[i]
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, evt)
	}
}

func (b *Bus) invoke(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"tag", evt.Tag(), "subscription", sub.id, "panic", fmt.Sprint(r))
		}
	}()
	if err := sub.handler(evt); err != nil {
		b.logger.Warn("event handler failed",
			"tag", evt.Tag(), "subscription", sub.id, "error", err)
	}
}

// Answer registers r as the responder for tag, replacing any previous one.
func (b *Bus) Answer(tag Tag, r Responder) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if r == nil {
		delete(b.responders, tag)
		return
	}
	b.responders[tag] = r
}

// Withdraw removes the responder for tag.
func (b *Bus) Withdraw(tag Tag) {
	b.Answer(tag, nil)
}

// Call invokes the responder for q's tag on the calling goroutine. It returns
// (nil, false) when nobody answers the tag.
func (b *Bus) Call(q Event) (any, bool) {
	if q == nil {
		return nil, false
	}
	b.subMu.RLock()
	r, ok := b.responders[q.Tag()]
	b.subMu.RUnlock()
	if !ok {
		return nil, false
	}
	return r(q), true
}

// Pending returns the number of queued, not yet dispatched events.
func (b *Bus) Pending() int {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue)
}

// Reset drops every subscription, responder and queued event.
func (b *Bus) Reset() {
	b.subMu.Lock()
	for _, list := range b.handlers {
		for _, sub := range list {
			sub.active.Store(false)
		}
	}
	b.handlers = make(map[Tag][]*Subscription)
	b.responders = make(map[Tag]Responder)
	b.subMu.Unlock()

	b.queueMu.Lock()
	b.queue = nil
	b.queueMu.Unlock()
}

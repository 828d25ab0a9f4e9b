package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct{ N int }

func (ping) Tag() Tag { return "ping" }

type pong struct{ N int }

func (pong) Tag() Tag { return "pong" }

type question struct{ Q string }

func (question) Tag() Tag { return "question" }

// recorder collects handler invocations in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// TestPublishDeliversOnce tests that a single subscriber sees the event exactly once
func TestPublishDeliversOnce(t *testing.T) {
	b := New(nil)
	var got []int
	On(b, func(e ping) error {
		got = append(got, e.N)
		return nil
	})

	b.Publish(ping{N: 7})

	assert.Equal(t, []int{7}, got)
	assert.Equal(t, 0, b.Pending())
}

// TestReverseRegistrationOrder tests that handlers of one tag run newest first
func TestReverseRegistrationOrder(t *testing.T) {
	b := New(nil)
	rec := &recorder{}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		b.Subscribe("ping", func(Event) error {
			rec.add(name)
			return nil
		})
	}

	b.Publish(ping{})

	assert.Equal(t, []string{"c", "b", "a"}, rec.list())
}

// TestUnsubscribeDuringDispatch tests that a handler removed by an earlier
// handler is skipped for the event in flight
func TestUnsubscribeDuringDispatch(t *testing.T) {
	b := New(nil)
	rec := &recorder{}

	victim := b.Subscribe("ping", func(Event) error {
		rec.add("victim")
		return nil
	})
	b.Subscribe("ping", func(Event) error {
		rec.add("killer")
		if victim.Active() {
			assert.True(t, b.Unsubscribe(victim))
		}
		return nil
	})

	b.Publish(ping{})
	b.Publish(ping{})

	assert.Equal(t, []string{"killer", "killer"}, rec.list())
	assert.False(t, victim.Active())
	assert.False(t, b.Unsubscribe(victim))
}

// TestNoNestedDispatch tests that events published by a handler run after the
// current event has reached all its handlers
func TestNoNestedDispatch(t *testing.T) {
	b := New(nil)
	rec := &recorder{}

	b.Subscribe("ping", func(Event) error {
		rec.add("ping-1")
		return nil
	})
	b.Subscribe("ping", func(e Event) error {
		rec.add("ping-2")
		b.Publish(pong{N: e.(ping).N})
		return nil
	})
	On(b, func(e pong) error {
		rec.add("pong")
		return nil
	})

	b.Publish(ping{N: 1})

	assert.Equal(t, []string{"ping-2", "ping-1", "pong"}, rec.list())
}

// TestFIFOAcrossPublishers tests that events appended during a drain keep publish order
func TestFIFOAcrossPublishers(t *testing.T) {
	b := New(nil)
	var got []int
	On(b, func(e ping) error {
		got = append(got, e.N)
		if e.N == 0 {
			for i := 1; i <= 3; i++ {
				b.Publish(ping{N: i})
			}
		}
		return nil
	})

	b.Publish(ping{N: 0})

	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

// TestHandlerFailureIsolation tests that errors and panics do not stop delivery
func TestHandlerFailureIsolation(t *testing.T) {
	b := New(nil)
	var delivered atomic.Int32

	b.Subscribe("ping", func(Event) error {
		delivered.Add(1)
		return nil
	})
	b.Subscribe("ping", func(Event) error {
		panic("boom")
	})
	b.Subscribe("ping", func(Event) error {
		return errors.New("handler failed")
	})

	require.NotPanics(t, func() { b.Publish(ping{}) })
	assert.Equal(t, int32(1), delivered.Load())

	// the bus keeps working after a panic
	b.Publish(ping{})
	assert.Equal(t, int32(2), delivered.Load())
}

// TestCallWithoutResponder tests the neutral answer for unanswered queries
func TestCallWithoutResponder(t *testing.T) {
	b := New(nil)

	v, ok := b.Call(question{Q: "anyone?"})
	assert.Nil(t, v)
	assert.False(t, ok)

	n, ok := Ask[int](b, question{})
	assert.Zero(t, n)
	assert.False(t, ok)
}

// TestRespondReplaces tests that a second responder replaces the first
func TestRespondReplaces(t *testing.T) {
	b := New(nil)
	Respond(b, func(question) int { return 1 })
	Respond(b, func(q question) int { return len(q.Q) })

	n, ok := Ask[int](b, question{Q: "four"})
	require.True(t, ok)
	assert.Equal(t, 4, n)

	_, ok = Ask[string](b, question{Q: "four"})
	assert.False(t, ok, "wrong answer type reports no answer")

	b.Withdraw("question")
	_, ok = b.Call(question{})
	assert.False(t, ok)
}

// TestReset tests that Reset clears subscriptions, responders and the queue
func TestReset(t *testing.T) {
	b := New(nil)
	var calls atomic.Int32
	sub := b.Subscribe("ping", func(Event) error {
		calls.Add(1)
		return nil
	})
	Respond(b, func(question) bool { return true })

	b.Reset()
	b.Publish(ping{})
	_, ok := b.Call(question{})

	assert.Zero(t, calls.Load())
	assert.False(t, ok)
	assert.False(t, sub.Active())
}

// TestConcurrentPublish tests that concurrent publishers deliver every event once
func TestConcurrentPublish(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	seen := make(map[int]int)
	On(b, func(e ping) error {
		mu.Lock()
		seen[e.N]++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish(ping{N: n})
		}(i)
	}
	wg.Wait()

	// a drain may still be finishing on another goroutine
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 50
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 50)
	for n, c := range seen {
		assert.Equal(t, 1, c, "event %d delivered %d times", n, c)
	}
}

package eventbus

import "fmt"

// On subscribes a handler typed on the concrete event T. The tag is taken
// from T's zero value, so T must return a constant tag.
func On[T Event](b *Bus, h func(T) error) *Subscription {
	var zero T
	return b.Subscribe(zero.Tag(), func(e Event) error {
		evt, ok := e.(T)
		if !ok {
			return fmt.Errorf("unexpected event type %T for tag %q", e, e.Tag())
		}
		return h(evt)
	})
}

// Respond registers a typed responder for query Q.
func Respond[Q Event, R any](b *Bus, f func(Q) R) {
	var zero Q
	b.Answer(zero.Tag(), func(e Event) any {
		q, ok := e.(Q)
		if !ok {
			var r R
			return r
		}
		return f(q)
	})
}

// Ask sends q and type-asserts the answer. ok is false when no responder is
// registered or the answer has a different type.
func Ask[R any](b *Bus, q Event) (R, bool) {
	var zero R
	v, ok := b.Call(q)
	if !ok {
		return zero, false
	}
	r, ok := v.(R)
	if !ok {
		return zero, false
	}
	return r, true
}

package authstate

import (
	"reflect"
	"sync"
)

// Subscriber receives the manager's state projection on every material
// transition. Callbacks run synchronously and may call Subscribe or
// Unsubscribe themselves; changes take effect from the next
// notification.
type Subscriber interface {
	AuthStateChanged(state State)
}

// SubscriberFunc adapts a function to the Subscriber interface.
// Identity follows the wrapped function, so wrapping the same function
// twice still registers it once.
type SubscriberFunc func(state State)

// AuthStateChanged implements Subscriber.
func (f SubscriberFunc) AuthStateChanged(state State) {
	if f != nil {
		f(state)
	}
}

// registry is the ordered subscriber list. Delivery is synchronous, in
// registration order, exactly once per transition, and a panicking
// subscriber never robs the rest of their notification.
type registry struct {
	mu          sync.Mutex
	subscribers []Subscriber
	logger      Logger
}

func newRegistry(logger Logger) *registry {
	if logger == nil {
		logger = defLogger{}
	}
	return &registry{logger: logger}
}

// subscribe registers s and then replays current to it, so a late
// subscriber never misses the state it joined at. Registering the same
// identity twice is a no-op. The replay runs outside the lock, so the
// callback may itself call subscribe or unsubscribe.
func (r *registry) subscribe(s Subscriber, current State) {
	if s == nil {
		return
	}

	r.mu.Lock()
	for _, existing := range r.subscribers {
		if sameSubscriber(existing, s) {
			r.mu.Unlock()
			return
		}
	}
	r.subscribers = append(r.subscribers, s)
	r.mu.Unlock()

	r.deliver(s, current)
}

// unsubscribe removes s. Removing an unknown subscriber is a no-op.
func (r *registry) unsubscribe(s Subscriber) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.subscribers {
		if sameSubscriber(existing, s) {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			return
		}
	}
}

func (r *registry) notify(state State) {
	r.mu.Lock()
	subscribers := make([]Subscriber, len(r.subscribers))
	copy(subscribers, r.subscribers)
	r.mu.Unlock()

	for _, s := range subscribers {
		r.deliver(s, state)
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

func (r *registry) deliver(s Subscriber, state State) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panic during notification: %v", rec)
		}
	}()
	s.AuthStateChanged(state)
}

// sameSubscriber compares by identity. Function-backed subscribers are
// compared by code pointer since func values do not support ==.
func sameSubscriber(a, b Subscriber) bool {
	ra := reflect.ValueOf(a)
	rb := reflect.ValueOf(b)

	if ra.Kind() == reflect.Func || rb.Kind() == reflect.Func {
		return ra.Kind() == rb.Kind() && ra.Pointer() == rb.Pointer()
	}

	if !ra.Comparable() || !rb.Comparable() {
		return false
	}

	return a == b
}

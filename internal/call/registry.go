package call

import (
	"log/slog"
	"sync"
)

// Subscriber is a callback invoked synchronously on every state mutation
// with a copy of the post-mutation CallState.
type Subscriber func(CallState)

// registry is the in-process pub/sub list of state-change subscribers.
// Delivery is synchronous and in registration order; a panicking subscriber
// does not prevent delivery to the rest.
type registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscription
	logger *slog.Logger
}

type subscription struct {
	id uint64
	fn Subscriber
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{logger: logger}
}

// subscribe adds fn and returns a function that removes exactly that
// subscription. Subscribers added during a notification take effect from
// the next mutation onward.
func (r *registry) subscribe(fn Subscriber) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.id == id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}
}

// notify delivers st to every subscriber registered at the time of the
// call. Each invocation is isolated so one panicking callback cannot abort
// delivery to the others.
func (r *registry) notify(st CallState) {
	r.mu.Lock()
	snapshot := make([]subscription, len(r.subs))
	copy(snapshot, r.subs)
	r.mu.Unlock()

	for _, s := range snapshot {
		r.invoke(s, st)
	}
}

func (r *registry) invoke(s subscription, st CallState) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("state subscriber panicked", "panic", rec)
		}
	}()
	s.fn(st)
}

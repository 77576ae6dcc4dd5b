package eventstream

import "sync"

// Subscription is an opaque handle to a subscriber. Holding on to it is
// the only way to unsubscribe.
type Subscription struct {
	id int
	fn func(event any)
}

// Stream is an in-process event bus. Publish is synchronous: it returns
// only after every subscriber has handled the event, which lets
// publishers order side effects against their observers.
type Stream struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
}

func New() *Stream {
	return &Stream{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe registers fn for every event published after this call.
// fn must not block for long; it is invoked inline on the publisher's
// goroutine.
func (s *Stream) Subscribe(fn func(event any)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscription{
		id: s.nextID,
		fn: fn,
	}
	s.subs[sub.id] = sub
	s.nextID++
	return sub
}

// Unsubscribe removes the subscription. It is safe to call more than once
// and with subscriptions from another stream.
func (s *Stream) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if got, ok := s.subs[sub.id]; ok && got == sub {
		delete(s.subs, sub.id)
	}
}

// Publish delivers the event to all current subscribers and blocks until
// they return. Subscribers registered while a publish is in flight do not
// see that event.
func (s *Stream) Publish(event any) {
	s.mu.RLock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.fn(event)
	}
}

// Len returns the number of active subscriptions.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

package peerclient

import "github.com/cuemby/paravon/pkg/message"

// Envelope pairs a received Message with the node_id of the peer whose
// connection it arrived on, so a handler's reply can be routed back to
// the right connection.
type Envelope struct {
	NodeID string
	Msg    message.Message
}

// Subscription is a multicast channel: every subscriber sees every
// published Envelope. An Envelope published with no current subscribers
// is simply dropped, there is no buffering. Close ends every subscriber's
// iteration.
type Subscription struct {
	mu          chan struct{} // binary semaphore guarding subscribers/closed/nextID
	subscribers map[int]chan Envelope
	nextID      int
	closed      bool
}

// NewSubscription builds an empty, open Subscription.
func NewSubscription() *Subscription {
	s := &Subscription{
		mu:          make(chan struct{}, 1),
		subscribers: make(map[int]chan Envelope),
	}
	s.mu <- struct{}{}
	return s
}

func (s *Subscription) lock()   { <-s.mu }
func (s *Subscription) unlock() { s.mu <- struct{}{} }

// Subscribe registers a new subscriber and returns its channel along with
// an unsubscribe function that closes the channel and removes it.
func (s *Subscription) Subscribe() (<-chan Envelope, func()) {
	s.lock()
	defer s.unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Envelope)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subscribers[id] = ch

	return ch, func() {
		s.lock()
		defer s.unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

// Publish delivers env to every current subscriber, blocking until each
// has received it (subscriber channels are unbuffered). Subscribers are
// notified concurrently so one slow subscriber cannot stall another.
func (s *Subscription) Publish(env Envelope) {
	s.lock()
	chans := make([]chan Envelope, 0, len(s.subscribers))
	for _, c := range s.subscribers {
		chans = append(chans, c)
	}
	s.unlock()

	if len(chans) == 0 {
		return
	}
	done := make(chan struct{}, len(chans))
	for _, c := range chans {
		go func(c chan Envelope) {
			c <- env
			done <- struct{}{}
		}(c)
	}
	for range chans {
		<-done
	}
}

// Close is the terminal sentinel: it closes every subscriber channel and
// prevents further subscriptions from blocking on delivery.
func (s *Subscription) Close() {
	s.lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, c := range s.subscribers {
		delete(s.subscribers, id)
		close(c)
	}
}

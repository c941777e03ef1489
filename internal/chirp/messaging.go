package chirp

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/chirp/internal/callback"
	"github.com/danmuck/chirp/internal/transport"
)

// Message is a received publication. Cached is set when a cached flavor
// replayed the publisher's last message on subscription.
type Message struct {
	Payload []byte
	Cached  bool
}

// Publisher sends messages to every terminal bound to its owner.
type Publisher struct {
	term *terminal
}

func newPublisher(t *terminal) *Publisher {
	return &Publisher{term: t}
}

// Publish fails with transport.ErrNotBound when nobody is subscribed.
func (p *Publisher) Publish(payload []byte) error {
	return p.term.tr.Publish(p.term.h, payload)
}

// TryPublish reports false instead of failing when nobody is subscribed.
func (p *Publisher) TryPublish(payload []byte) (bool, error) {
	err := p.Publish(payload)
	if errors.Is(err, transport.ErrNotBound) {
		return false, nil
	}
	return err == nil, err
}

// Subscriber keeps a receive armed for the lifetime of its terminal.
type Subscriber struct {
	term *terminal

	mu        sync.Mutex
	last      *Message
	pending   *Message
	arrived   chan struct{}
	onMessage func(Message)
}

func newSubscriber(t *terminal) *Subscriber {
	s := &Subscriber{term: t, arrived: make(chan struct{})}
	s.arm()
	return s
}

func (s *Subscriber) arm() {
	if !s.term.Alive() {
		return
	}
	a := callback.Once(s.term.scheduler().reg, "receive_message", s.received)
	if err := s.term.tr.AsyncReceiveMessage(s.term.h, a.Func(), nil); err != nil {
		a.Abandon()
		if !transport.Invalidated(err) {
			s.term.log.Warn().Err(err).Msg("arming receive failed")
		}
	}
}

func (s *Subscriber) received(err error, m transport.Message) {
	if transport.Invalidated(err) {
		return
	}
	if err != nil {
		s.term.log.Warn().Err(err).Int("bytes", len(m.Payload)).Msg("receive failed")
		s.arm()
		return
	}
	// Armed again before the message is visible to waiters.
	s.arm()
	msg := Message{Payload: m.Payload, Cached: m.Cached}
	s.mu.Lock()
	s.last = &msg
	s.pending = &msg
	close(s.arrived)
	s.arrived = make(chan struct{})
	fn := s.onMessage
	s.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

// LastMessage returns the most recently received message.
func (s *Subscriber) LastMessage() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Message{}, false
	}
	return *s.last, true
}

// WaitForMessage returns the message received since the previous call, or
// blocks for the next one.
func (s *Subscriber) WaitForMessage(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.pending != nil {
			msg := *s.pending
			s.pending = nil
			s.mu.Unlock()
			return msg, nil
		}
		arrived := s.arrived
		s.mu.Unlock()

		select {
		case <-arrived:
		case <-s.term.Done():
			return Message{}, ErrObjectDestroyed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// OnMessage sets a handler run on the transport's worker for each delivered
// message. The transport drops messages that arrive while no receive is
// armed, so a burst published faster than the handler re-arms may be thinned.
// The receive is armed again before fn runs.
func (s *Subscriber) OnMessage(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// Cache reads the last message a cached flavor received.
type Cache struct {
	term *terminal
}

func newCache(t *terminal) *Cache {
	return &Cache{term: t}
}

// CachedMessage fails with transport.ErrUninitialized before the first
// message arrives.
func (c *Cache) CachedMessage() ([]byte, error) {
	return c.term.tr.GetCachedMessage(c.term.h)
}

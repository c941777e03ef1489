package inproc

import (
	"bytes"

	"github.com/danmuck/chirp/internal/transport"
)

// truncate copies payload into a receive buffer of the native size.
func truncate(payload []byte) ([]byte, transport.ErrorCode) {
	if len(payload) > transport.DefaultReceiveBufferBytes {
		return bytes.Clone(payload[:transport.DefaultReceiveBufferBytes]), transport.ErrBufferTooSmall
	}
	return bytes.Clone(payload), transport.OK
}

func (t *Transport) Publish(h transport.Handle, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, publishes)
	if err != nil {
		return err
	}
	if cachesPublished(term.info.Type) {
		term.published = bytes.Clone(payload)
		term.hasPublished = true
	}
	if len(term.subscribers) == 0 {
		return transport.ErrNotBound
	}
	for _, sub := range term.subscribers {
		term.deliver(sub, payload, false)
	}
	return nil
}

func (term *terminal) deliver(sub *subscriber, payload []byte, cached bool) {
	if sub.local != nil {
		sub.local.owner.receiveMessage(payload, cached)
		return
	}
	sub.via.send(envelope{Kind: envPublish, Src: term.id, Dst: sub.id, Payload: bytes.Clone(payload), Cached: cached})
}

func (term *terminal) receiveMessage(payload []byte, cached bool) {
	if term.dead || !receivesMessages(term.info.Type) {
		return
	}
	if cachesReceived(term.info.Type) {
		term.received = bytes.Clone(payload)
		term.hasReceived = true
	} else {
		cached = false
	}
	p := term.recvMessage.take()
	if p == nil {
		return
	}
	buf, code := truncate(payload)
	complete(term.ep.sched, p, code, transport.Message{Payload: buf, Cached: cached})
}

func (t *Transport) AsyncReceiveMessage(h transport.Handle, fn transport.Callback[transport.Message], userArg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, receivesMessages)
	if err != nil {
		return err
	}
	return term.recvMessage.arm(fn, userArg)
}

func (t *Transport) CancelReceiveMessage(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, receivesMessages)
	if err != nil {
		return err
	}
	complete(term.ep.sched, term.recvMessage.take(), transport.ErrCanceled, transport.Message{})
	return nil
}

// GetCachedMessage returns the last message received by a cached terminal.
func (t *Transport) GetCachedMessage(h transport.Handle) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, cachesReceived)
	if err != nil {
		return nil, err
	}
	if !term.hasReceived {
		return nil, transport.ErrUninitialized
	}
	buf, code := truncate(term.received)
	if code != transport.OK {
		return buf, code
	}
	return buf, nil
}

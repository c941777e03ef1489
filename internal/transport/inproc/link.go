package inproc

import (
	"sync"

	"github.com/danmuck/chirp/internal/transport"
	"github.com/google/uuid"
)

type envelopeKind uint8

const (
	envAnnounce envelopeKind = iota + 1
	envWithdraw
	envSubscribe
	envUnsubscribe
	envPublish
	envScatter
	envGather
)

func (k envelopeKind) String() string {
	switch k {
	case envAnnounce:
		return "announce"
	case envWithdraw:
		return "withdraw"
	case envSubscribe:
		return "subscribe"
	case envUnsubscribe:
		return "unsubscribe"
	case envPublish:
		return "publish"
	case envScatter:
		return "scatter"
	case envGather:
		return "gather"
	default:
		return "unknown"
	}
}

// envelope is the unit exchanged between endpoints. Terminal and binding ids
// are globally unique, so every hop routes by Dst alone.
type envelope struct {
	Kind    envelopeKind           `cbor:"1,keyasint"`
	Src     uuid.UUID              `cbor:"2,keyasint"`
	Dst     uuid.UUID              `cbor:"3,keyasint"`
	Type    transport.TerminalType `cbor:"4,keyasint,omitempty"`
	Name    string                 `cbor:"5,keyasint,omitempty"`
	Sig     transport.Signature    `cbor:"6,keyasint,omitempty"`
	Op      transport.OperationID  `cbor:"7,keyasint,omitempty"`
	Flags   transport.Flags        `cbor:"8,keyasint,omitempty"`
	Cached  bool                   `cbor:"9,keyasint,omitempty"`
	Lost    bool                   `cbor:"10,keyasint,omitempty"`
	Payload []byte                 `cbor:"11,keyasint,omitempty"`
}

// link is one endpoint's side of a connection. send never blocks and is
// called with the transport mutex held.
type link struct {
	ep   *endpoint
	desc string
	send func(envelope)
	dead bool
}

// outbox is an unbounded FIFO drained by one goroutine.
type outbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
}

func newOutbox[T any]() *outbox[T] {
	o := &outbox[T]{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox[T]) push(v T) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, v)
	o.mu.Unlock()
	o.cond.Signal()
}

// pop blocks for the next item. It reports false once the outbox is closed
// and drained.
func (o *outbox[T]) pop() (T, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && !o.closed {
		o.cond.Wait()
	}
	var zero T
	if len(o.queue) == 0 {
		return zero, false
	}
	v := o.queue[0]
	o.queue[0] = zero
	o.queue = o.queue[1:]
	return v, true
}

func (o *outbox[T]) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cond.Broadcast()
}

// localConnection joins two endpoints of the same Transport.
type localConnection struct {
	t    *Transport
	h    transport.Handle
	a, b *link
	outA *outbox[envelope]
	outB *outbox[envelope]
}

func (t *Transport) CreateLocalConnection(a, b transport.Handle) (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	epA, err := lookup[*endpoint](t, a)
	if err != nil {
		return 0, err
	}
	epB, err := lookup[*endpoint](t, b)
	if err != nil {
		return 0, err
	}
	if epA == epB {
		return 0, transport.ErrInvalidParam
	}
	if !epA.canAttach() || !epB.canAttach() {
		return 0, transport.ErrAlreadyConnected
	}

	lc := &localConnection{
		t:    t,
		outA: newOutbox[envelope](),
		outB: newOutbox[envelope](),
	}
	lc.a = &link{ep: epA, desc: "local", send: lc.outA.push}
	lc.b = &link{ep: epB, desc: "local", send: lc.outB.push}
	lc.h = t.register(lc)
	go lc.pump(lc.outA, lc.b)
	go lc.pump(lc.outB, lc.a)

	epA.users++
	epB.users++
	epA.attach(lc.a)
	epB.attach(lc.b)
	t.log.Debug().Uint64("handle", uint64(lc.h)).Msg("local connection created")
	return lc.h, nil
}

// pump delivers envelopes sent on one side to the endpoint on the other.
func (lc *localConnection) pump(out *outbox[envelope], to *link) {
	for {
		env, ok := out.pop()
		if !ok {
			return
		}
		lc.t.mu.Lock()
		if !to.dead {
			to.ep.handle(to, env)
		}
		lc.t.mu.Unlock()
	}
}

func (lc *localConnection) destroyLocked() {
	lc.outA.close()
	lc.outB.close()
	lc.a.ep.detach(lc.a)
	lc.b.ep.detach(lc.b)
	lc.a.ep.users--
	lc.b.ep.users--
}

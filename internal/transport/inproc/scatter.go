package inproc

import (
	"bytes"
	"sync/atomic"

	"github.com/danmuck/chirp/internal/transport"
	"github.com/google/uuid"
)

// scatterOp gathers the responses of one scatter-gather operation. Responses
// are delivered in order on a strand; the operation ends with the FINISHED
// response, a cancellation, or a handler returning Stop.
type scatterOp struct {
	id      transport.OperationID
	term    *terminal
	fn      transport.Callback[transport.Gathered]
	arg     any
	pending map[uuid.UUID]struct{}
	strand  *strand
	stopped atomic.Bool
}

// incoming is a scattered request waiting for this terminal's answer.
type incoming struct {
	via   *link
	reply func(flags transport.Flags, payload []byte)
}

func (t *Transport) AsyncScatterGather(h transport.Handle, payload []byte, fn transport.Callback[transport.Gathered], userArg any) (transport.OperationID, error) {
	if fn == nil {
		return 0, transport.ErrInvalidParam
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, scatters)
	if err != nil {
		return 0, err
	}
	if len(term.subscribers) == 0 {
		return 0, transport.ErrNotBound
	}

	op := &scatterOp{
		id:      t.nextOperation(),
		term:    term,
		fn:      fn,
		arg:     userArg,
		pending: make(map[uuid.UUID]struct{}, len(term.subscribers)),
		strand:  newStrand(term.ep.sched),
	}
	subs := make([]*subscriber, 0, len(term.subscribers))
	for id, sub := range term.subscribers {
		op.pending[id] = struct{}{}
		subs = append(subs, sub)
	}
	term.ops[op.id] = op

	for _, sub := range subs {
		if sub.local != nil {
			responder := sub.local
			origin, opID := term, op.id
			responder.owner.receiveScattered(responder.id, nil, payload, func(flags transport.Flags, payload []byte) {
				if !origin.dead {
					origin.handleGather(opID, responder.id, flags, payload)
				}
			})
			continue
		}
		sub.via.send(envelope{Kind: envScatter, Src: term.id, Dst: sub.id, Op: op.id, Payload: bytes.Clone(payload)})
	}
	term.ep.log.Trace().Int32("op", int32(op.id)).Int("responders", len(subs)).Msg("scatter")
	return op.id, nil
}

func (t *Transport) CancelScatterGather(h transport.Handle, id transport.OperationID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, scatters)
	if err != nil {
		return err
	}
	op, ok := term.ops[id]
	if !ok {
		return transport.ErrInvalidID
	}
	delete(term.ops, id)
	op.cancel()
	return nil
}

// handleGather records one response. The response that empties the pending
// set carries FINISHED and ends the operation.
func (term *terminal) handleGather(id transport.OperationID, from uuid.UUID, flags transport.Flags, payload []byte) {
	op, ok := term.ops[id]
	if !ok {
		return
	}
	if _, ok := op.pending[from]; !ok {
		return
	}
	delete(op.pending, from)
	final := len(op.pending) == 0
	if final {
		flags |= transport.Finished
		delete(term.ops, id)
	}
	op.deliver(flags, payload, final)
}

// lose answers on behalf of a responder whose binding went away.
func (op *scatterOp) lose(responder uuid.UUID, flag transport.Flags) {
	op.term.handleGather(op.id, responder, flag, nil)
}

func (op *scatterOp) deliver(flags transport.Flags, payload []byte, final bool) {
	buf, code := truncate(payload)
	g := transport.Gathered{Operation: op.id, Flags: flags, Payload: buf}
	op.strand.post(func() {
		if op.stopped.Load() {
			return
		}
		flow := op.fn(transport.Result(code), g, op.arg)
		if final {
			op.stopped.Store(true)
			return
		}
		if flow == transport.Stop && !op.stopped.Swap(true) {
			op.term.ep.t.mu.Lock()
			if op.term.ops[op.id] == op {
				delete(op.term.ops, op.id)
			}
			op.term.ep.t.mu.Unlock()
		}
	})
}

// cancel delivers the single CANCELED completion. The caller has already
// removed op from its terminal.
func (op *scatterOp) cancel() {
	op.strand.post(func() {
		if op.stopped.Swap(true) {
			return
		}
		op.fn(transport.Result(transport.ErrCanceled), transport.Gathered{Operation: op.id}, op.arg)
	})
}

// receiveScattered hands a request to the responder or answers DEAF when it
// is not receiving.
func (term *terminal) receiveScattered(bindingID uuid.UUID, via *link, payload []byte, reply func(transport.Flags, []byte)) {
	if term.dead {
		return
	}
	p := term.recvScattered.take()
	if p == nil {
		reply(transport.Deaf, nil)
		return
	}
	id := term.ep.t.nextOperation()
	term.incoming[id] = &incoming{via: via, reply: reply}
	buf, code := truncate(payload)
	complete(term.ep.sched, p, code, transport.Scattered{Operation: id, Payload: buf})
}

func (t *Transport) AsyncReceiveScattered(h transport.Handle, fn transport.Callback[transport.Scattered], userArg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, receivesScattered)
	if err != nil {
		return err
	}
	return term.recvScattered.arm(fn, userArg)
}

func (t *Transport) CancelReceiveScattered(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, receivesScattered)
	if err != nil {
		return err
	}
	complete(term.ep.sched, term.recvScattered.take(), transport.ErrCanceled, transport.Scattered{})
	return nil
}

func (t *Transport) RespondToScattered(h transport.Handle, id transport.OperationID, payload []byte) error {
	return t.answer(h, id, transport.NoFlags, payload)
}

func (t *Transport) IgnoreScattered(h transport.Handle, id transport.OperationID) error {
	return t.answer(h, id, transport.Ignored, nil)
}

func (t *Transport) answer(h transport.Handle, id transport.OperationID, flags transport.Flags, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, receivesScattered)
	if err != nil {
		return err
	}
	in, ok := term.incoming[id]
	if !ok {
		return transport.ErrInvalidID
	}
	delete(term.incoming, id)
	in.reply(flags, bytes.Clone(payload))
	return nil
}

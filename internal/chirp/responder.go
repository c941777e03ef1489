package chirp

import (
	"fmt"
	"sync"

	"github.com/danmuck/chirp/internal/callback"
	"github.com/danmuck/chirp/internal/transport"
)

// RequestHandler answers one request. Returning respond=false ignores it.
// On a receive error the handler sees err and its result is discarded.
type RequestHandler func(err error, request []byte) (response []byte, respond bool)

// Responder receives requests scattered by bound terminals.
type Responder struct {
	term *terminal

	mu      sync.Mutex
	handler RequestHandler
	gen     uint64
}

func newResponder(t *terminal) *Responder {
	return &Responder{term: t}
}

// AsyncReceiveRequest calls fn for the next request only.
func (r *Responder) AsyncReceiveRequest(fn func(err error, op transport.OperationID, request []byte)) error {
	a := callback.Once(r.term.scheduler().reg, "receive_scattered", func(err error, s transport.Scattered) {
		fn(err, s.Operation, s.Payload)
	})
	if err := r.term.tr.AsyncReceiveScattered(r.term.h, a.Func(), nil); err != nil {
		a.Abandon()
		return err
	}
	return nil
}

// CancelReceiveRequest is a no-op when no receive is armed.
func (r *Responder) CancelReceiveRequest() error {
	return r.term.tr.CancelReceiveScattered(r.term.h)
}

func (r *Responder) RespondToRequest(op transport.OperationID, response []byte) error {
	return r.term.tr.RespondToScattered(r.term.h, op, response)
}

func (r *Responder) IgnoreRequest(op transport.OperationID) error {
	return r.term.tr.IgnoreScattered(r.term.h, op)
}

// SetRequestHandler installs fn and keeps a receive armed for it. A nil fn
// stops serving. Any receive armed for the previous handler is canceled
// first.
func (r *Responder) SetRequestHandler(fn RequestHandler) error {
	// Arming happens under mu so a receive re-armed for the previous handler
	// cannot land between the cancel and the new arm.
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.handler = fn
	if err := r.CancelReceiveRequest(); err != nil {
		return err
	}
	if fn == nil {
		return nil
	}
	return r.serveNextLocked(r.gen)
}

// serveNextLocked arms a receive for handler generation gen. Callers hold mu.
func (r *Responder) serveNextLocked(gen uint64) error {
	return r.AsyncReceiveRequest(func(err error, op transport.OperationID, request []byte) {
		r.serve(gen, err, op, request)
	})
}

// rearm arms the next receive unless the handler changed since gen.
func (r *Responder) rearm(gen uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return nil
	}
	return r.serveNextLocked(gen)
}

func (r *Responder) serve(gen uint64, err error, op transport.OperationID, request []byte) {
	if transport.Invalidated(err) {
		return
	}
	r.mu.Lock()
	fn := r.handler
	current := gen == r.gen
	r.mu.Unlock()
	if !current || fn == nil {
		// Received just before the handler changed.
		if err == nil {
			_ = r.IgnoreRequest(op)
		}
		return
	}

	response, respond, perr := callHandler(fn, err, request)
	if perr != nil {
		r.term.log.Error().Err(perr).Int32("op", int32(op)).Msg("request handler panicked; serving stopped")
		if err == nil {
			_ = r.IgnoreRequest(op)
		}
		return
	}

	// The next receive is armed before this request is answered.
	if aerr := r.rearm(gen); aerr != nil && !transport.Invalidated(aerr) {
		r.term.log.Warn().Err(aerr).Msg("re-arming request receive failed")
	}
	if err != nil {
		return
	}
	var aerr error
	if respond {
		aerr = r.RespondToRequest(op, response)
	} else {
		aerr = r.IgnoreRequest(op)
	}
	if aerr != nil && !transport.Invalidated(aerr) {
		r.term.log.Warn().Err(aerr).Int32("op", int32(op)).Msg("answering request failed")
	}
}

func callHandler(fn RequestHandler, err error, request []byte) (response []byte, respond bool, perr error) {
	defer func() {
		if rec := recover(); rec != nil {
			perr = fmt.Errorf("panic: %v", rec)
		}
	}()
	response, respond = fn(err, request)
	return response, respond, nil
}

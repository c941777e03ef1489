package chirp

import (
	"context"

	"github.com/danmuck/chirp/internal/callback"
	"github.com/danmuck/chirp/internal/transport"
)

// ResponseHandler receives one response of a scatter-gather operation.
type ResponseHandler func(err error, op transport.OperationID, flags transport.Flags, payload []byte) transport.ControlFlow

// Exchange sends requests to every responder bound to its terminal and
// correlates their responses.
type Exchange struct {
	term *terminal
}

func newExchange(t *terminal) *Exchange {
	return &Exchange{term: t}
}

// AsyncRequest calls handler once per response until it returns
// transport.Stop. The FINISHED response and any error end the operation
// whatever handler returns.
func (e *Exchange) AsyncRequest(payload []byte, handler ResponseHandler) (transport.OperationID, error) {
	a := callback.Stream(e.term.scheduler().reg, "scatter_gather", func(err error, g transport.Gathered) transport.ControlFlow {
		flow := handler(err, g.Operation, g.Flags, g.Payload)
		if err != nil || g.Flags.Has(transport.Finished) {
			return transport.Stop
		}
		return flow
	})
	op, err := e.term.tr.AsyncScatterGather(e.term.h, payload, a.Func(), nil)
	if err != nil {
		a.Abandon()
		return 0, err
	}
	return op, nil
}

// CancelRequest ends op; its handler sees exactly one transport.ErrCanceled.
func (e *Exchange) CancelRequest(op transport.OperationID) error {
	return e.term.tr.CancelScatterGather(e.term.h, op)
}

type requestResult struct {
	payload []byte
	err     error
}

// Request blocks for the final response. With onlyFirst the first response
// is final; otherwise the first genuine payload or the FINISHED response is.
// When ctx ends first the operation is canceled.
func (e *Exchange) Request(ctx context.Context, payload []byte, onlyFirst bool) ([]byte, error) {
	result := make(chan requestResult, 1)
	op, err := e.AsyncRequest(payload, func(err error, _ transport.OperationID, flags transport.Flags, payload []byte) transport.ControlFlow {
		if !finalResponse(err, flags, onlyFirst) {
			return transport.Continue
		}
		out, err := resolveResponse(err, flags, payload)
		select {
		case result <- requestResult{payload: out, err: err}:
		default:
		}
		return transport.Stop
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-result:
		return r.payload, r.err
	case <-ctx.Done():
		if err := e.CancelRequest(op); err != nil && err != transport.ErrInvalidID {
			e.term.log.Debug().Err(err).Int32("op", int32(op)).Msg("cancel after deadline failed")
		}
		return nil, ctx.Err()
	}
}

func finalResponse(err error, flags transport.Flags, onlyFirst bool) bool {
	return err != nil || onlyFirst || flags.Has(transport.Finished) || flags&transport.Outcome == 0
}

func resolveResponse(err error, flags transport.Flags, payload []byte) ([]byte, error) {
	switch {
	case err != nil:
		return nil, err
	case flags&transport.BindingDestroyed != 0:
		return nil, ErrBindingDestroyed
	case flags&transport.ConnectionLost != 0:
		return nil, ErrConnectionLost
	case flags&transport.Deaf != 0:
		return nil, ErrDeaf
	case flags&transport.Ignored != 0:
		return nil, ErrIgnored
	default:
		return payload, nil
	}
}

package chirp

import (
	"context"
	"fmt"

	"github.com/danmuck/chirp/internal/codec"
)

// PublishValue encodes v with c and publishes it.
func PublishValue[T any](p *Publisher, c codec.Codec, v T) error {
	payload, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("chirp: encode %T: %w", v, err)
	}
	return p.Publish(payload)
}

// DecodeMessage decodes a received message into T.
func DecodeMessage[T any](c codec.Codec, m Message) (T, error) {
	var v T
	if err := c.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("chirp: decode %T: %w", v, err)
	}
	return v, nil
}

// RequestValue sends an encoded request and decodes the final response.
func RequestValue[Req, Resp any](ctx context.Context, e *Exchange, c codec.Codec, req Req, onlyFirst bool) (Resp, error) {
	var resp Resp
	payload, err := c.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("chirp: encode %T: %w", req, err)
	}
	out, err := e.Request(ctx, payload, onlyFirst)
	if err != nil {
		return resp, err
	}
	if err := c.Unmarshal(out, &resp); err != nil {
		return resp, fmt.Errorf("chirp: decode %T: %w", resp, err)
	}
	return resp, nil
}

// ServeRequests installs a request handler working on decoded values.
// Requests that fail to decode are ignored.
func ServeRequests[Req, Resp any](r *Responder, c codec.Codec, fn func(Req) (Resp, bool)) error {
	return r.SetRequestHandler(func(err error, request []byte) ([]byte, bool) {
		if err != nil {
			return nil, false
		}
		var req Req
		if err := c.Unmarshal(request, &req); err != nil {
			r.term.log.Warn().Err(err).Msg("undecodable request ignored")
			return nil, false
		}
		resp, ok := fn(req)
		if !ok {
			return nil, false
		}
		out, err := c.Marshal(resp)
		if err != nil {
			r.term.log.Error().Err(err).Msg("encoding response failed")
			return nil, false
		}
		return out, true
	})
}

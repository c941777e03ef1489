// Package inproc implements transport.Transport inside the Go process.
//
// Objects live in one handle table guarded by a single mutex. Completion
// callbacks never run under that mutex: they are posted to the worker pool of
// the scheduler that owns the object. Endpoints exchange envelopes over links;
// a link is either a local connection between two endpoints of the same
// Transport or a TCP connection to another process.
package inproc

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/chirp/internal/protocol/session"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

// Version is reported to peers during the TCP handshake.
const Version = "0.1.0"

type Option func(*Transport)

func WithLogger(log zerolog.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// WithSessionConfig overrides the TCP link tuning.
func WithSessionConfig(cfg session.Config) Option {
	return func(t *Transport) {
		t.session = cfg
	}
}

// Transport is the in-process implementation of transport.Transport.
type Transport struct {
	mu      sync.Mutex
	objects map[transport.Handle]any
	next    transport.Handle
	opSeq   atomic.Int32

	log     zerolog.Logger
	session session.Config
}

var _ transport.Transport = (*Transport)(nil)

func New(opts ...Option) *Transport {
	t := &Transport{
		objects: make(map[transport.Handle]any),
		log:     zerolog.Nop(),
		session: session.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("component", "inproc").Logger()
	return t
}

func (t *Transport) Version() string {
	return Version
}

// register stores obj and returns its new handle. Handles are never reused.
func (t *Transport) register(obj any) transport.Handle {
	t.next++
	t.objects[t.next] = obj
	return t.next
}

// lookup resolves h to an object of type T. Callers hold t.mu.
func lookup[T any](t *Transport, h transport.Handle) (T, error) {
	var zero T
	obj, ok := t.objects[h]
	if !ok {
		return zero, transport.ErrInvalidHandle
	}
	v, ok := obj.(T)
	if !ok {
		return zero, transport.ErrWrongObjectType
	}
	return v, nil
}

func (t *Transport) nextOperation() transport.OperationID {
	for {
		id := t.opSeq.Add(1)
		if id > 0 {
			return transport.OperationID(id)
		}
		t.opSeq.CompareAndSwap(id, 0)
	}
}

// Destroy releases any object. Objects with dependents fail with
// ErrObjectStillUsed.
func (t *Transport) Destroy(h transport.Handle) error {
	t.mu.Lock()
	obj, ok := t.objects[h]
	if !ok {
		t.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	var after func()
	var err error
	switch o := obj.(type) {
	case *scheduler:
		err = o.destroyLocked()
		if err == nil {
			after = o.close
		}
	case *endpoint:
		err = o.destroyLocked()
	case *terminal:
		err = o.destroyLocked()
	case *binding:
		err = o.destroyLocked()
	case *localConnection:
		o.destroyLocked()
	case *tcpServer:
		after = o.destroyLocked()
	case *tcpClient:
		after = o.destroyLocked()
	case *connection:
		after = o.destroyLocked()
	default:
		err = transport.ErrWrongObjectType
	}
	if err == nil {
		delete(t.objects, h)
	}
	t.mu.Unlock()
	if after != nil {
		after()
	}
	t.log.Debug().Uint64("handle", uint64(h)).Err(err).Msg("destroy")
	return err
}

// pending is one armed single-shot operation.
type pending[T any] struct {
	fn  transport.Callback[T]
	arg any
}

// slot holds at most one armed operation.
type slot[T any] struct {
	p *pending[T]
}

func (s *slot[T]) arm(fn transport.Callback[T], arg any) error {
	if fn == nil {
		return transport.ErrInvalidParam
	}
	if s.p != nil {
		return transport.ErrAsyncOperation
	}
	s.p = &pending[T]{fn: fn, arg: arg}
	return nil
}

func (s *slot[T]) armed() bool {
	return s.p != nil
}

// take claims the armed operation. Only the caller that receives a non-nil
// result may complete it.
func (s *slot[T]) take() *pending[T] {
	p := s.p
	s.p = nil
	return p
}

// complete posts the callback of p to sched.
func complete[T any](sched *scheduler, p *pending[T], code transport.ErrorCode, payload T) {
	if p == nil {
		return
	}
	sched.post(func() {
		p.fn(transport.Result(code), payload, p.arg)
	})
}

// watch queues state changes for an await-change operation so rapid toggles
// are never coalesced.
type watch[T any] struct {
	queue []T
	slot  slot[T]
}

func (w *watch[T]) push(sched *scheduler, v T) {
	if p := w.slot.take(); p != nil {
		complete(sched, p, transport.OK, v)
		return
	}
	w.queue = append(w.queue, v)
}

func (w *watch[T]) await(sched *scheduler, fn transport.Callback[T], arg any) error {
	if fn == nil {
		return transport.ErrInvalidParam
	}
	if w.slot.armed() {
		return transport.ErrAsyncOperation
	}
	if len(w.queue) > 0 {
		v := w.queue[0]
		w.queue = w.queue[1:]
		complete(sched, &pending[T]{fn: fn, arg: arg}, transport.OK, v)
		return nil
	}
	return w.slot.arm(fn, arg)
}

// reset drops queued changes; a fresh snapshot supersedes them.
func (w *watch[T]) reset() {
	w.queue = nil
}

func (w *watch[T]) cancel(sched *scheduler) {
	var zero T
	complete(sched, w.slot.take(), transport.ErrCanceled, zero)
}

// Package callback keeps completion closures alive for as long as the
// transport may invoke them.
//
// An Adapter is inserted into its Registry when it is created, before it is
// handed to the transport, and removed exactly once after the invocation that
// terminates it has returned. Panics raised by a closure are recovered at the
// adapter boundary, logged, and treated as transport.Stop.
package callback

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

// Registry is the keepalive set of armed adapters.
type Registry struct {
	mu      sync.Mutex
	live    map[uint64]string
	next    uint64
	drained chan struct{}
	log     zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	drained := make(chan struct{})
	close(drained)
	return &Registry{
		live:    make(map[uint64]string),
		drained: drained,
		log:     log.With().Str("component", "callback.registry").Logger(),
	}
}

// Len returns the number of adapters the transport may still invoke.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Pending lists the operation names of live adapters, sorted.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.live))
	for _, op := range r.live {
		out = append(out, op)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Wait blocks until no adapters are live or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.live) == 0 {
			r.mu.Unlock()
			return nil
		}
		drained := r.drained
		r.mu.Unlock()
		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("callback: %d adapters still live: %w", r.Len(), ctx.Err())
		}
	}
}

func (r *Registry) insert(op string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	if len(r.live) == 0 {
		r.drained = make(chan struct{})
	}
	r.live[id] = op
	return id
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return
	}
	delete(r.live, id)
	if len(r.live) == 0 {
		close(r.drained)
	}
}

// Adapter bridges one armed transport operation to a closure.
type Adapter[T any] struct {
	reg *Registry
	id  uint64
	op  string
	fn  func(err error, payload T) transport.ControlFlow

	mu       sync.Mutex
	inflight int
	done     bool
	released bool
}

// Once wraps a single-shot closure. The adapter is released after its first
// invocation returns.
func Once[T any](r *Registry, op string, fn func(err error, payload T)) *Adapter[T] {
	return register(r, op, func(err error, payload T) transport.ControlFlow {
		fn(err, payload)
		return transport.Stop
	})
}

// Stream wraps a repeatable closure. Returning transport.Continue keeps the
// adapter armed; transport.Stop releases it.
func Stream[T any](r *Registry, op string, fn func(err error, payload T) transport.ControlFlow) *Adapter[T] {
	return register(r, op, fn)
}

func register[T any](r *Registry, op string, fn func(error, T) transport.ControlFlow) *Adapter[T] {
	a := &Adapter[T]{reg: r, op: op, fn: fn}
	a.id = r.insert(op)
	return a
}

// Func returns the transport-facing callback.
func (a *Adapter[T]) Func() transport.Callback[T] {
	return a.invoke
}

// Abandon releases an adapter whose arming call failed, so the transport
// never received it.
func (a *Adapter[T]) Abandon() {
	a.mu.Lock()
	a.done = true
	release := a.inflight == 0 && !a.released
	if release {
		a.released = true
	}
	a.mu.Unlock()
	if release {
		a.reg.remove(a.id)
	}
}

// Released reports whether the adapter has left the keepalive set.
func (a *Adapter[T]) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func (a *Adapter[T]) invoke(status transport.Result, payload T, _ any) transport.ControlFlow {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		a.reg.log.Debug().Str("op", a.op).Int32("status", int32(status)).Msg("late invocation of terminated callback ignored")
		return transport.Stop
	}
	a.inflight++
	a.mu.Unlock()

	flow := a.call(status.Err(), payload)

	a.mu.Lock()
	a.inflight--
	if flow != transport.Continue {
		a.done = true
	}
	release := a.done && a.inflight == 0 && !a.released
	if release {
		a.released = true
	}
	a.mu.Unlock()
	if release {
		a.reg.remove(a.id)
	}
	return flow
}

func (a *Adapter[T]) call(err error, payload T) (flow transport.ControlFlow) {
	defer func() {
		if rec := recover(); rec != nil {
			a.reg.log.Error().
				Str("op", a.op).
				Interface("panic", rec).
				Msg("callback panicked; operation stopped")
			flow = transport.Stop
		}
	}()
	return a.fn(err, payload)
}

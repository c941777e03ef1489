package chirp

import (
	"context"
	"sync"

	"github.com/danmuck/chirp/internal/callback"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

type stateFunc func(fn transport.Callback[bool], userArg any) error

// StateTracker mirrors a transport-side boolean. A snapshot seeds the cache,
// then an await-change loop applies every queued transition until the loop
// is canceled or the owner is destroyed.
type StateTracker struct {
	name  string
	reg   *callback.Registry
	log   zerolog.Logger
	owner *object
	get   stateFunc
	await stateFunc

	mu        sync.Mutex
	value     bool
	changed   chan struct{}
	onTrue    func()
	onFalse   func()
	onChanged func(bool)
}

func newStateTracker(name string, owner *object, reg *callback.Registry, get, await stateFunc) *StateTracker {
	st := &StateTracker{
		name:    name,
		reg:     reg,
		log:     owner.log.With().Str("state", name).Logger(),
		owner:   owner,
		get:     get,
		await:   await,
		changed: make(chan struct{}),
	}
	a := callback.Once(reg, name+".get", st.onSnapshot)
	if err := get(a.Func(), nil); err != nil {
		a.Abandon()
		st.log.Warn().Err(err).Msg("state snapshot failed")
	}
	return st
}

func (st *StateTracker) onSnapshot(err error, v bool) {
	if err != nil {
		st.log.Debug().Err(err).Msg("state snapshot ended")
		return
	}
	st.apply(v)
	st.arm()
}

func (st *StateTracker) arm() {
	if !st.owner.Alive() {
		return
	}
	a := callback.Once(st.reg, st.name+".await", st.onChange)
	if err := st.await(a.Func(), nil); err != nil {
		a.Abandon()
		if st.owner.Alive() && !transport.Invalidated(err) {
			st.log.Warn().Err(err).Msg("re-arming state watch failed")
		}
	}
}

func (st *StateTracker) onChange(err error, v bool) {
	if err != nil {
		// Canceled or invalidated on destroy; anything else also ends the loop.
		if !transport.Invalidated(err) {
			st.log.Warn().Err(err).Msg("state watch failed")
		}
		return
	}
	st.apply(v)
	st.arm()
}

func (st *StateTracker) apply(v bool) {
	st.mu.Lock()
	if st.value == v {
		st.mu.Unlock()
		return
	}
	st.value = v
	close(st.changed)
	st.changed = make(chan struct{})
	onChanged, onTrue, onFalse := st.onChanged, st.onTrue, st.onFalse
	st.mu.Unlock()

	st.log.Debug().Bool("value", v).Msg("state changed")
	if onChanged != nil {
		onChanged(v)
	}
	if v && onTrue != nil {
		onTrue()
	}
	if !v && onFalse != nil {
		onFalse()
	}
}

// Value returns the cached state.
func (st *StateTracker) Value() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.value
}

// WaitUntil blocks until the cached state equals v.
func (st *StateTracker) WaitUntil(ctx context.Context, v bool) error {
	for {
		st.mu.Lock()
		if st.value == v {
			st.mu.Unlock()
			return nil
		}
		changed := st.changed
		st.mu.Unlock()

		select {
		case <-changed:
		case <-st.owner.Done():
			return ErrObjectDestroyed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (st *StateTracker) setObservers(fn func(*StateTracker)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st)
}

// BindingTracker exposes whether a binding has found at least one target.
type BindingTracker struct {
	st *StateTracker
}

func newBindingTracker(owner *object, reg *callback.Registry) *BindingTracker {
	tr, h := owner.tr, owner.h
	return &BindingTracker{st: newStateTracker("binding", owner, reg,
		func(fn transport.Callback[bool], arg any) error { return tr.AsyncGetBindingState(h, fn, arg) },
		func(fn transport.Callback[bool], arg any) error { return tr.AsyncAwaitBindingStateChange(h, fn, arg) },
	)}
}

func (b *BindingTracker) IsEstablished() bool {
	return b.st.Value()
}

func (b *BindingTracker) WaitUntilEstablished(ctx context.Context) error {
	return b.st.WaitUntil(ctx, true)
}

func (b *BindingTracker) WaitUntilReleased(ctx context.Context) error {
	return b.st.WaitUntil(ctx, false)
}

func (b *BindingTracker) OnBindingEstablished(fn func()) {
	b.st.setObservers(func(st *StateTracker) { st.onTrue = fn })
}

func (b *BindingTracker) OnBindingReleased(fn func()) {
	b.st.setObservers(func(st *StateTracker) { st.onFalse = fn })
}

func (b *BindingTracker) OnBindingStateChanged(fn func(established bool)) {
	b.st.setObservers(func(st *StateTracker) { st.onChanged = fn })
}

// SubscriptionTracker exposes whether any binding targets a terminal.
type SubscriptionTracker struct {
	st *StateTracker
}

func newSubscriptionTracker(owner *object, reg *callback.Registry) *SubscriptionTracker {
	tr, h := owner.tr, owner.h
	return &SubscriptionTracker{st: newStateTracker("subscription", owner, reg,
		func(fn transport.Callback[bool], arg any) error { return tr.AsyncGetSubscriptionState(h, fn, arg) },
		func(fn transport.Callback[bool], arg any) error { return tr.AsyncAwaitSubscriptionStateChange(h, fn, arg) },
	)}
}

func (s *SubscriptionTracker) IsSubscribed() bool {
	return s.st.Value()
}

func (s *SubscriptionTracker) WaitUntilSubscribed(ctx context.Context) error {
	return s.st.WaitUntil(ctx, true)
}

func (s *SubscriptionTracker) WaitUntilUnsubscribed(ctx context.Context) error {
	return s.st.WaitUntil(ctx, false)
}

func (s *SubscriptionTracker) OnSubscribed(fn func()) {
	s.st.setObservers(func(st *StateTracker) { st.onTrue = fn })
}

func (s *SubscriptionTracker) OnUnsubscribed(fn func()) {
	s.st.setObservers(func(st *StateTracker) { st.onFalse = fn })
}

func (s *SubscriptionTracker) OnSubscriptionStateChanged(fn func(subscribed bool)) {
	s.st.setObservers(func(st *StateTracker) { st.onChanged = fn })
}

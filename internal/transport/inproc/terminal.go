package inproc

import (
	"github.com/danmuck/chirp/internal/transport"
	"github.com/google/uuid"
)

// bindTarget maps a binding terminal type to the type it binds to.
var bindTarget = map[transport.TerminalType]transport.TerminalType{
	transport.DeafMute:               transport.DeafMute,
	transport.PublishSubscribe:       transport.PublishSubscribe,
	transport.ScatterGather:          transport.ScatterGather,
	transport.CachedPublishSubscribe: transport.CachedPublishSubscribe,
	transport.Consumer:               transport.Producer,
	transport.CachedConsumer:         transport.CachedProducer,
	transport.Master:                 transport.Slave,
	transport.Slave:                  transport.Master,
	transport.CachedMaster:           transport.CachedSlave,
	transport.CachedSlave:            transport.CachedMaster,
	transport.Service:                transport.Client,
}

func manualBind(typ transport.TerminalType) bool {
	switch typ {
	case transport.DeafMute, transport.PublishSubscribe, transport.ScatterGather, transport.CachedPublishSubscribe:
		return true
	}
	return false
}

func autoBind(typ transport.TerminalType) bool {
	_, ok := bindTarget[typ]
	return ok && !manualBind(typ)
}

// subscribable reports whether other terminals can bind to typ.
func subscribable(typ transport.TerminalType) bool {
	switch typ {
	case transport.Consumer, transport.CachedConsumer, transport.Service:
		return false
	}
	return true
}

func publishes(typ transport.TerminalType) bool {
	switch typ {
	case transport.PublishSubscribe, transport.CachedPublishSubscribe,
		transport.Producer, transport.CachedProducer,
		transport.Master, transport.Slave, transport.CachedMaster, transport.CachedSlave:
		return true
	}
	return false
}

func receivesMessages(typ transport.TerminalType) bool {
	switch typ {
	case transport.PublishSubscribe, transport.CachedPublishSubscribe,
		transport.Consumer, transport.CachedConsumer,
		transport.Master, transport.Slave, transport.CachedMaster, transport.CachedSlave:
		return true
	}
	return false
}

// cachesPublished reports whether typ replays its last message to new
// subscribers.
func cachesPublished(typ transport.TerminalType) bool {
	switch typ {
	case transport.CachedPublishSubscribe, transport.CachedProducer, transport.CachedMaster, transport.CachedSlave:
		return true
	}
	return false
}

// cachesReceived reports whether typ keeps its last received message.
func cachesReceived(typ transport.TerminalType) bool {
	switch typ {
	case transport.CachedPublishSubscribe, transport.CachedConsumer, transport.CachedMaster, transport.CachedSlave:
		return true
	}
	return false
}

func scatters(typ transport.TerminalType) bool {
	return typ == transport.ScatterGather || typ == transport.Client
}

func receivesScattered(typ transport.TerminalType) bool {
	return typ == transport.ScatterGather || typ == transport.Service
}

type terminal struct {
	h     transport.Handle
	id    uuid.UUID
	ep    *endpoint
	info  transport.TerminalInfo
	users int
	dead  bool

	auto        *binding
	subscribers map[uuid.UUID]*subscriber
	subChanges  watch[bool]

	recvMessage   slot[transport.Message]
	published     []byte
	hasPublished  bool
	received      []byte
	hasReceived   bool
	recvScattered slot[transport.Scattered]
	incoming      map[transport.OperationID]*incoming
	ops           map[transport.OperationID]*scatterOp
}

// subscriber is a binding attached to this terminal, either on the same
// endpoint or behind a link.
type subscriber struct {
	id    uuid.UUID
	local *binding
	via   *link
}

func (t *Transport) CreateTerminal(leafHandle transport.Handle, typ transport.TerminalType, name string, sig transport.Signature) (transport.Handle, error) {
	if !typ.Valid() || name == "" || len(name) >= transport.MaxKnownTerminalName {
		return 0, transport.ErrInvalidParam
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, err := lookup[*endpoint](t, leafHandle)
	if err != nil {
		return 0, err
	}
	if ep.node {
		return 0, transport.ErrWrongObjectType
	}
	for _, other := range ep.terminals {
		if other.info.Type == typ && other.info.Name == name {
			return 0, transport.ErrAmbiguousIdentifier
		}
	}

	term := &terminal{
		id:          uuid.New(),
		ep:          ep,
		info:        transport.TerminalInfo{Type: typ, Name: name, Signature: sig},
		subscribers: make(map[uuid.UUID]*subscriber),
		incoming:    make(map[transport.OperationID]*incoming),
		ops:         make(map[transport.OperationID]*scatterOp),
	}
	term.h = t.register(term)
	ep.users++
	ep.terminals[term.id] = term
	for _, b := range ep.bindings {
		if b.owner != term && b.matches(term.info) {
			b.attachLocal(term)
		}
	}
	ep.broadcast(nil, term.announcement())
	if autoBind(typ) {
		term.auto = ep.newBinding(term, name)
	}
	ep.log.Debug().
		Uint64("terminal", uint64(term.h)).
		Stringer("type", typ).
		Str("name", name).
		Msg("terminal created")
	return term.h, nil
}

func (term *terminal) announcement() envelope {
	return envelope{Kind: envAnnounce, Src: term.id, Type: term.info.Type, Name: term.info.Name, Sig: term.info.Signature}
}

func (term *terminal) destroyLocked() error {
	if term.users > 0 {
		return transport.ErrObjectStillUsed
	}
	ep := term.ep
	sched := ep.sched
	term.dead = true
	if term.auto != nil {
		term.auto.release()
		term.auto = nil
	}
	delete(ep.terminals, term.id)
	for _, sub := range term.subscribers {
		if sub.local != nil {
			sub.local.detachTarget(term.id)
		}
	}
	term.subscribers = nil
	ep.broadcast(nil, envelope{Kind: envWithdraw, Src: term.id})

	for id, op := range term.ops {
		delete(term.ops, id)
		op.cancel()
	}
	term.incoming = nil
	complete(sched, term.recvMessage.take(), transport.ErrCanceled, transport.Message{})
	complete(sched, term.recvScattered.take(), transport.ErrCanceled, transport.Scattered{})
	term.subChanges.cancel(sched)
	ep.users--
	return nil
}

func (term *terminal) addSubscriber(sub *subscriber) {
	if term.dead {
		return
	}
	if _, ok := term.subscribers[sub.id]; ok {
		return
	}
	term.subscribers[sub.id] = sub
	if len(term.subscribers) == 1 {
		term.subChanges.push(term.ep.sched, true)
	}
	if cachesPublished(term.info.Type) && term.hasPublished {
		term.deliver(sub, term.published, true)
	}
}

func (term *terminal) removeSubscriber(id uuid.UUID, flag transport.Flags) {
	if _, ok := term.subscribers[id]; !ok {
		return
	}
	delete(term.subscribers, id)
	if len(term.subscribers) == 0 {
		term.subChanges.push(term.ep.sched, false)
	}
	for _, op := range term.ops {
		op.lose(id, flag)
	}
}

func (term *terminal) linkLost(l *link) {
	for id, sub := range term.subscribers {
		if sub.via == l {
			term.removeSubscriber(id, transport.ConnectionLost)
		}
	}
	for id, in := range term.incoming {
		if in.via == l {
			delete(term.incoming, id)
		}
	}
}

// binding subscribes its owner to every matching terminal it can see.
type binding struct {
	h       transport.Handle
	id      uuid.UUID
	owner   *terminal
	targets string
	want    transport.TerminalType
	bound   map[uuid.UUID]struct{}
	changes watch[bool]
}

func (ep *endpoint) newBinding(owner *terminal, targets string) *binding {
	b := &binding{
		id:      uuid.New(),
		owner:   owner,
		targets: targets,
		want:    bindTarget[owner.info.Type],
		bound:   make(map[uuid.UUID]struct{}),
	}
	ep.bindings[b.id] = b
	for _, term := range ep.terminals {
		if term != owner && b.matches(term.info) {
			b.attachLocal(term)
		}
	}
	for _, rt := range ep.known {
		if b.matches(rt.info) {
			b.attachRemote(rt)
		}
	}
	return b
}

func (b *binding) matches(info transport.TerminalInfo) bool {
	return info.Name == b.targets && info.Type == b.want && info.Signature == b.owner.info.Signature
}

func (b *binding) established() bool {
	return len(b.bound) > 0
}

func (b *binding) markBound(id uuid.UUID) bool {
	if _, ok := b.bound[id]; ok {
		return false
	}
	b.bound[id] = struct{}{}
	if len(b.bound) == 1 {
		b.changes.push(b.owner.ep.sched, true)
	}
	return true
}

func (b *binding) attachLocal(term *terminal) {
	if b.markBound(term.id) {
		term.addSubscriber(&subscriber{id: b.id, local: b})
	}
}

func (b *binding) attachRemote(rt *remoteTerminal) {
	if b.markBound(rt.id) {
		rt.via.send(envelope{Kind: envSubscribe, Src: b.id, Dst: rt.id})
	}
}

// detachTarget forgets a terminal that went away on its own.
func (b *binding) detachTarget(id uuid.UUID) {
	if _, ok := b.bound[id]; !ok {
		return
	}
	delete(b.bound, id)
	if len(b.bound) == 0 {
		b.changes.push(b.owner.ep.sched, false)
	}
}

// release unsubscribes from every target and cancels pending awaits.
func (b *binding) release() {
	ep := b.owner.ep
	for id := range b.bound {
		if term, ok := ep.terminals[id]; ok {
			term.removeSubscriber(b.id, transport.BindingDestroyed)
		} else if rt, ok := ep.known[id]; ok {
			rt.via.send(envelope{Kind: envUnsubscribe, Src: b.id, Dst: id})
		}
	}
	b.bound = make(map[uuid.UUID]struct{})
	delete(ep.bindings, b.id)
	b.changes.cancel(ep.sched)
}

func (b *binding) destroyLocked() error {
	b.release()
	b.owner.users--
	return nil
}

func (t *Transport) CreateBinding(th transport.Handle, targets string) (transport.Handle, error) {
	if targets == "" {
		return 0, transport.ErrInvalidParam
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookup[*terminal](t, th)
	if err != nil {
		return 0, err
	}
	if !manualBind(term.info.Type) {
		return 0, transport.ErrWrongObjectType
	}
	b := term.ep.newBinding(term, targets)
	b.h = t.register(b)
	term.users++
	return b.h, nil
}

// bindingOf resolves a binding handle or an auto-binding terminal.
func bindingOf(t *Transport, h transport.Handle) (*binding, error) {
	switch o := t.objects[h].(type) {
	case nil:
		return nil, transport.ErrInvalidHandle
	case *binding:
		return o, nil
	case *terminal:
		if o.auto == nil {
			return nil, transport.ErrWrongObjectType
		}
		return o.auto, nil
	default:
		return nil, transport.ErrWrongObjectType
	}
}

func (t *Transport) GetBindingState(h transport.Handle) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := bindingOf(t, h)
	if err != nil {
		return false, err
	}
	b.changes.reset()
	return b.established(), nil
}

func (t *Transport) AsyncGetBindingState(h transport.Handle, fn transport.Callback[bool], userArg any) error {
	if fn == nil {
		return transport.ErrInvalidParam
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := bindingOf(t, h)
	if err != nil {
		return err
	}
	b.changes.reset()
	complete(b.owner.ep.sched, &pending[bool]{fn: fn, arg: userArg}, transport.OK, b.established())
	return nil
}

func (t *Transport) AsyncAwaitBindingStateChange(h transport.Handle, fn transport.Callback[bool], userArg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := bindingOf(t, h)
	if err != nil {
		return err
	}
	return b.changes.await(b.owner.ep.sched, fn, userArg)
}

func (t *Transport) CancelAwaitBindingStateChange(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := bindingOf(t, h)
	if err != nil {
		return err
	}
	b.changes.cancel(b.owner.ep.sched)
	return nil
}

func lookupTerminal(t *Transport, h transport.Handle, capable func(transport.TerminalType) bool) (*terminal, error) {
	term, err := lookup[*terminal](t, h)
	if err != nil {
		return nil, err
	}
	if !capable(term.info.Type) {
		return nil, transport.ErrWrongObjectType
	}
	return term, nil
}

func (t *Transport) GetSubscriptionState(h transport.Handle) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, subscribable)
	if err != nil {
		return false, err
	}
	term.subChanges.reset()
	return len(term.subscribers) > 0, nil
}

func (t *Transport) AsyncGetSubscriptionState(h transport.Handle, fn transport.Callback[bool], userArg any) error {
	if fn == nil {
		return transport.ErrInvalidParam
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, subscribable)
	if err != nil {
		return err
	}
	term.subChanges.reset()
	complete(term.ep.sched, &pending[bool]{fn: fn, arg: userArg}, transport.OK, len(term.subscribers) > 0)
	return nil
}

func (t *Transport) AsyncAwaitSubscriptionStateChange(h transport.Handle, fn transport.Callback[bool], userArg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, subscribable)
	if err != nil {
		return err
	}
	return term.subChanges.await(term.ep.sched, fn, userArg)
}

func (t *Transport) CancelAwaitSubscriptionStateChange(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	term, err := lookupTerminal(t, h, subscribable)
	if err != nil {
		return err
	}
	term.subChanges.cancel(term.ep.sched)
	return nil
}

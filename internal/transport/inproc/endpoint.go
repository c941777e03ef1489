package inproc

import (
	"sort"

	"github.com/danmuck/chirp/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// endpoint is a leaf or a node. Leaves own terminals and hold at most one
// link; nodes own no terminals and relay between any number of links.
type endpoint struct {
	t     *Transport
	h     transport.Handle
	node  bool
	sched *scheduler
	users int
	log   zerolog.Logger

	terminals map[uuid.UUID]*terminal
	bindings  map[uuid.UUID]*binding
	known     map[uuid.UUID]*remoteTerminal
	relays    map[uuid.UUID]*relay
	links     map[*link]struct{}
	changes   watch[transport.KnownTerminalChange]
}

// remoteTerminal is a terminal learned from an announcement.
type remoteTerminal struct {
	id   uuid.UUID
	info transport.TerminalInfo
	via  *link
}

// relay remembers the way back to a binding whose subscription passed
// through a node.
type relay struct {
	via    *link
	target uuid.UUID
}

func (t *Transport) CreateLeaf(sched transport.Handle) (transport.Handle, error) {
	return t.createEndpoint(sched, false)
}

func (t *Transport) CreateNode(sched transport.Handle) (transport.Handle, error) {
	return t.createEndpoint(sched, true)
}

func (t *Transport) createEndpoint(sh transport.Handle, node bool) (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := lookup[*scheduler](t, sh)
	if err != nil {
		return 0, err
	}
	ep := &endpoint{
		t:         t,
		node:      node,
		sched:     s,
		terminals: make(map[uuid.UUID]*terminal),
		bindings:  make(map[uuid.UUID]*binding),
		known:     make(map[uuid.UUID]*remoteTerminal),
		relays:    make(map[uuid.UUID]*relay),
		links:     make(map[*link]struct{}),
	}
	ep.h = t.register(ep)
	kind := "leaf"
	if node {
		kind = "node"
	}
	ep.log = t.log.With().Str("object", kind).Uint64("handle", uint64(ep.h)).Logger()
	s.users++
	return ep.h, nil
}

func (ep *endpoint) destroyLocked() error {
	if ep.users > 0 {
		return transport.ErrObjectStillUsed
	}
	ep.changes.cancel(ep.sched)
	ep.sched.users--
	return nil
}

func (t *Transport) GetKnownTerminals(h transport.Handle) ([]transport.TerminalInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, err := lookupNode(t, h)
	if err != nil {
		return nil, err
	}
	out := make([]transport.TerminalInfo, 0, len(ep.known))
	for _, rt := range ep.known {
		out = append(out, rt.info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Signature < out[j].Signature
	})
	return out, nil
}

func (t *Transport) AsyncAwaitKnownTerminalsChange(h transport.Handle, fn transport.Callback[transport.KnownTerminalChange], userArg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, err := lookupNode(t, h)
	if err != nil {
		return err
	}
	return ep.changes.await(ep.sched, fn, userArg)
}

func (t *Transport) CancelAwaitKnownTerminalsChange(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ep, err := lookupNode(t, h)
	if err != nil {
		return err
	}
	ep.changes.cancel(ep.sched)
	return nil
}

func lookupNode(t *Transport, h transport.Handle) (*endpoint, error) {
	ep, err := lookup[*endpoint](t, h)
	if err != nil {
		return nil, err
	}
	if !ep.node {
		return nil, transport.ErrWrongObjectType
	}
	return ep, nil
}

func (ep *endpoint) canAttach() bool {
	return ep.node || len(ep.links) == 0
}

// attach adds l and announces every terminal the peer does not know yet.
func (ep *endpoint) attach(l *link) {
	l.ep = ep
	ep.links[l] = struct{}{}
	for _, term := range ep.terminals {
		l.send(term.announcement())
	}
	if !ep.node {
		return
	}
	for _, rt := range ep.known {
		if rt.via == l {
			continue
		}
		l.send(envelope{Kind: envAnnounce, Src: rt.id, Type: rt.info.Type, Name: rt.info.Name, Sig: rt.info.Signature})
	}
}

// detach removes a dead link and everything learned or routed through it.
func (ep *endpoint) detach(l *link) {
	if l.dead {
		return
	}
	l.dead = true
	delete(ep.links, l)
	for id, rt := range ep.known {
		if rt.via == l {
			ep.forget(id)
		}
	}
	for id, r := range ep.relays {
		if r.via != l {
			continue
		}
		delete(ep.relays, id)
		if rt, ok := ep.known[r.target]; ok {
			rt.via.send(envelope{Kind: envUnsubscribe, Src: id, Dst: r.target, Lost: true})
		}
	}
	for _, term := range ep.terminals {
		term.linkLost(l)
	}
	ep.log.Debug().Str("link", l.desc).Msg("link detached")
}

// forget drops a remote terminal after a withdrawal or a lost link.
func (ep *endpoint) forget(id uuid.UUID) {
	rt, ok := ep.known[id]
	if !ok {
		return
	}
	delete(ep.known, id)
	for _, b := range ep.bindings {
		b.detachTarget(id)
	}
	for bid, r := range ep.relays {
		if r.target == id {
			delete(ep.relays, bid)
		}
	}
	if ep.node {
		ep.changes.push(ep.sched, transport.KnownTerminalChange{Added: false, TerminalInfo: rt.info})
		ep.broadcast(rt.via, envelope{Kind: envWithdraw, Src: id})
	}
}

// broadcast sends env on every link except skip.
func (ep *endpoint) broadcast(skip *link, env envelope) {
	for l := range ep.links {
		if l != skip {
			l.send(env)
		}
	}
}

// route returns the link toward a remote terminal or binding.
func (ep *endpoint) route(id uuid.UUID) *link {
	if rt, ok := ep.known[id]; ok {
		return rt.via
	}
	if r, ok := ep.relays[id]; ok {
		return r.via
	}
	return nil
}

// forward passes an envelope that is not addressed to this endpoint.
func (ep *endpoint) forward(from *link, env envelope) {
	next := ep.route(env.Dst)
	if next == nil || next == from {
		ep.log.Trace().Stringer("kind", env.Kind).Str("dst", env.Dst.String()).Msg("dropping unroutable envelope")
		return
	}
	next.send(env)
}

func (ep *endpoint) handle(from *link, env envelope) {
	switch env.Kind {
	case envAnnounce:
		ep.onAnnounce(from, env)
	case envWithdraw:
		if rt, ok := ep.known[env.Src]; ok && rt.via == from {
			ep.forget(env.Src)
		}
	case envSubscribe:
		if term, ok := ep.terminals[env.Dst]; ok {
			term.addSubscriber(&subscriber{id: env.Src, via: from})
			return
		}
		if next := ep.route(env.Dst); next != nil && next != from {
			ep.relays[env.Src] = &relay{via: from, target: env.Dst}
			next.send(env)
		}
	case envUnsubscribe:
		flag := transport.BindingDestroyed
		if env.Lost {
			flag = transport.ConnectionLost
		}
		if term, ok := ep.terminals[env.Dst]; ok {
			term.removeSubscriber(env.Src, flag)
			return
		}
		delete(ep.relays, env.Src)
		ep.forward(from, env)
	case envPublish:
		if b, ok := ep.bindings[env.Dst]; ok {
			b.owner.receiveMessage(env.Payload, env.Cached)
			return
		}
		ep.forward(from, env)
	case envScatter:
		if b, ok := ep.bindings[env.Dst]; ok {
			origin, op := env.Src, env.Op
			b.owner.receiveScattered(b.id, from, env.Payload, func(flags transport.Flags, payload []byte) {
				if !from.dead {
					from.send(envelope{Kind: envGather, Src: b.id, Dst: origin, Op: op, Flags: flags, Payload: payload})
				}
			})
			return
		}
		ep.forward(from, env)
	case envGather:
		if term, ok := ep.terminals[env.Dst]; ok {
			term.handleGather(env.Op, env.Src, env.Flags, env.Payload)
			return
		}
		ep.forward(from, env)
	default:
		ep.log.Warn().Uint8("kind", uint8(env.Kind)).Msg("unknown envelope kind")
	}
}

func (ep *endpoint) onAnnounce(from *link, env envelope) {
	if _, ok := ep.known[env.Src]; ok {
		return
	}
	if _, ok := ep.terminals[env.Src]; ok {
		return
	}
	if !env.Type.Valid() {
		ep.log.Warn().Int("type", int(env.Type)).Msg("announcement with invalid terminal type")
		return
	}
	rt := &remoteTerminal{
		id:   env.Src,
		info: transport.TerminalInfo{Type: env.Type, Name: env.Name, Signature: env.Sig},
		via:  from,
	}
	ep.known[rt.id] = rt
	if ep.node {
		ep.changes.push(ep.sched, transport.KnownTerminalChange{Added: true, TerminalInfo: rt.info})
		ep.broadcast(from, env)
	}
	for _, b := range ep.bindings {
		if b.matches(rt.info) {
			b.attachRemote(rt)
		}
	}
}

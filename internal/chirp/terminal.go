package chirp

import (
	"github.com/danmuck/chirp/internal/transport"
)

// Terminal is the common surface of every terminal flavor.
type Terminal interface {
	Handle() transport.Handle
	Name() string
	Type() transport.TerminalType
	Signature() transport.Signature
	Leaf() *Leaf
	Alive() bool
	Destroy() error
}

type terminal struct {
	*object
	leaf *Leaf
	typ  transport.TerminalType
	name string
	sig  transport.Signature
}

func newTerminal(leaf *Leaf, typ transport.TerminalType, name string, sig transport.Signature) (*terminal, error) {
	s := leaf.sched
	h, err := s.tr.CreateTerminal(leaf.h, typ, name, sig)
	if err != nil {
		return nil, err
	}
	log := s.logger("terminal").With().Stringer("type", typ).Str("name", name).Logger()
	return &terminal{
		object: newObject(s.tr, h, log),
		leaf:   leaf,
		typ:    typ,
		name:   name,
		sig:    sig,
	}, nil
}

func (t *terminal) Name() string                   { return t.name }
func (t *terminal) Type() transport.TerminalType   { return t.typ }
func (t *terminal) Signature() transport.Signature { return t.sig }
func (t *terminal) Leaf() *Leaf                    { return t.leaf }

func (t *terminal) scheduler() *Scheduler {
	return t.leaf.sched
}

type DeafMuteTerminal struct {
	*terminal
	*SubscriptionTracker
}

func NewDeafMuteTerminal(leaf *Leaf, name string, sig transport.Signature) (*DeafMuteTerminal, error) {
	t, err := newTerminal(leaf, transport.DeafMute, name, sig)
	if err != nil {
		return nil, err
	}
	return &DeafMuteTerminal{
		terminal:            t,
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
	}, nil
}

type PublishSubscribeTerminal struct {
	*terminal
	*SubscriptionTracker
	*Publisher
	*Subscriber
}

func NewPublishSubscribeTerminal(leaf *Leaf, name string, sig transport.Signature) (*PublishSubscribeTerminal, error) {
	t, err := newTerminal(leaf, transport.PublishSubscribe, name, sig)
	if err != nil {
		return nil, err
	}
	return &PublishSubscribeTerminal{
		terminal:            t,
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
		Publisher:           newPublisher(t),
		Subscriber:          newSubscriber(t),
	}, nil
}

type ScatterGatherTerminal struct {
	*terminal
	*SubscriptionTracker
	*Exchange
	*Responder
}

func NewScatterGatherTerminal(leaf *Leaf, name string, sig transport.Signature) (*ScatterGatherTerminal, error) {
	t, err := newTerminal(leaf, transport.ScatterGather, name, sig)
	if err != nil {
		return nil, err
	}
	return &ScatterGatherTerminal{
		terminal:            t,
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
		Exchange:            newExchange(t),
		Responder:           newResponder(t),
	}, nil
}

type CachedPublishSubscribeTerminal struct {
	*terminal
	*SubscriptionTracker
	*Publisher
	*Subscriber
	*Cache
}

func NewCachedPublishSubscribeTerminal(leaf *Leaf, name string, sig transport.Signature) (*CachedPublishSubscribeTerminal, error) {
	t, err := newTerminal(leaf, transport.CachedPublishSubscribe, name, sig)
	if err != nil {
		return nil, err
	}
	return &CachedPublishSubscribeTerminal{
		terminal:            t,
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
		Publisher:           newPublisher(t),
		Subscriber:          newSubscriber(t),
		Cache:               newCache(t),
	}, nil
}

type ProducerTerminal struct {
	*terminal
	*SubscriptionTracker
	*Publisher
}

func NewProducerTerminal(leaf *Leaf, name string, sig transport.Signature) (*ProducerTerminal, error) {
	t, err := newTerminal(leaf, transport.Producer, name, sig)
	if err != nil {
		return nil, err
	}
	return &ProducerTerminal{
		terminal:            t,
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
		Publisher:           newPublisher(t),
	}, nil
}

type ConsumerTerminal struct {
	*terminal
	*BindingTracker
	*Subscriber
}

func NewConsumerTerminal(leaf *Leaf, name string, sig transport.Signature) (*ConsumerTerminal, error) {
	t, err := newTerminal(leaf, transport.Consumer, name, sig)
	if err != nil {
		return nil, err
	}
	return &ConsumerTerminal{
		terminal:       t,
		BindingTracker: newBindingTracker(t.object, t.scheduler().reg),
		Subscriber:     newSubscriber(t),
	}, nil
}

type CachedProducerTerminal struct {
	*terminal
	*SubscriptionTracker
	*Publisher
}

func NewCachedProducerTerminal(leaf *Leaf, name string, sig transport.Signature) (*CachedProducerTerminal, error) {
	t, err := newTerminal(leaf, transport.CachedProducer, name, sig)
	if err != nil {
		return nil, err
	}
	return &CachedProducerTerminal{
		terminal:            t,
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
		Publisher:           newPublisher(t),
	}, nil
}

type CachedConsumerTerminal struct {
	*terminal
	*BindingTracker
	*Subscriber
	*Cache
}

func NewCachedConsumerTerminal(leaf *Leaf, name string, sig transport.Signature) (*CachedConsumerTerminal, error) {
	t, err := newTerminal(leaf, transport.CachedConsumer, name, sig)
	if err != nil {
		return nil, err
	}
	return &CachedConsumerTerminal{
		terminal:       t,
		BindingTracker: newBindingTracker(t.object, t.scheduler().reg),
		Subscriber:     newSubscriber(t),
		Cache:          newCache(t),
	}, nil
}

// MasterSlaveTerminal backs the four master/slave flavors: each side binds to
// the other's name and publishes to it.
type MasterSlaveTerminal struct {
	*terminal
	*BindingTracker
	*SubscriptionTracker
	*Publisher
	*Subscriber
}

func newMasterSlave(leaf *Leaf, typ transport.TerminalType, name string, sig transport.Signature) (*MasterSlaveTerminal, error) {
	t, err := newTerminal(leaf, typ, name, sig)
	if err != nil {
		return nil, err
	}
	return &MasterSlaveTerminal{
		terminal:            t,
		BindingTracker:      newBindingTracker(t.object, t.scheduler().reg),
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
		Publisher:           newPublisher(t),
		Subscriber:          newSubscriber(t),
	}, nil
}

type MasterTerminal struct{ *MasterSlaveTerminal }

func NewMasterTerminal(leaf *Leaf, name string, sig transport.Signature) (*MasterTerminal, error) {
	t, err := newMasterSlave(leaf, transport.Master, name, sig)
	if err != nil {
		return nil, err
	}
	return &MasterTerminal{t}, nil
}

type SlaveTerminal struct{ *MasterSlaveTerminal }

func NewSlaveTerminal(leaf *Leaf, name string, sig transport.Signature) (*SlaveTerminal, error) {
	t, err := newMasterSlave(leaf, transport.Slave, name, sig)
	if err != nil {
		return nil, err
	}
	return &SlaveTerminal{t}, nil
}

type CachedMasterTerminal struct {
	*MasterSlaveTerminal
	*Cache
}

func NewCachedMasterTerminal(leaf *Leaf, name string, sig transport.Signature) (*CachedMasterTerminal, error) {
	t, err := newMasterSlave(leaf, transport.CachedMaster, name, sig)
	if err != nil {
		return nil, err
	}
	return &CachedMasterTerminal{MasterSlaveTerminal: t, Cache: newCache(t.terminal)}, nil
}

type CachedSlaveTerminal struct {
	*MasterSlaveTerminal
	*Cache
}

func NewCachedSlaveTerminal(leaf *Leaf, name string, sig transport.Signature) (*CachedSlaveTerminal, error) {
	t, err := newMasterSlave(leaf, transport.CachedSlave, name, sig)
	if err != nil {
		return nil, err
	}
	return &CachedSlaveTerminal{MasterSlaveTerminal: t, Cache: newCache(t.terminal)}, nil
}

type ServiceTerminal struct {
	*terminal
	*BindingTracker
	*Responder
}

func NewServiceTerminal(leaf *Leaf, name string, sig transport.Signature) (*ServiceTerminal, error) {
	t, err := newTerminal(leaf, transport.Service, name, sig)
	if err != nil {
		return nil, err
	}
	return &ServiceTerminal{
		terminal:       t,
		BindingTracker: newBindingTracker(t.object, t.scheduler().reg),
		Responder:      newResponder(t),
	}, nil
}

type ClientTerminal struct {
	*terminal
	*SubscriptionTracker
	*Exchange
}

func NewClientTerminal(leaf *Leaf, name string, sig transport.Signature) (*ClientTerminal, error) {
	t, err := newTerminal(leaf, transport.Client, name, sig)
	if err != nil {
		return nil, err
	}
	return &ClientTerminal{
		terminal:            t,
		SubscriptionTracker: newSubscriptionTracker(t.object, t.scheduler().reg),
		Exchange:            newExchange(t),
	}, nil
}

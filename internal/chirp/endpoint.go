package chirp

import (
	"github.com/danmuck/chirp/internal/callback"
	"github.com/danmuck/chirp/internal/transport"
)

// Endpoint is a Leaf or a Node.
type Endpoint interface {
	Handle() transport.Handle
	Scheduler() *Scheduler
}

// Leaf hosts terminals and connects to at most one peer at a time.
type Leaf struct {
	*object
	sched *Scheduler
}

func NewLeaf(s *Scheduler) (*Leaf, error) {
	h, err := s.tr.CreateLeaf(s.h)
	if err != nil {
		return nil, err
	}
	return &Leaf{object: newObject(s.tr, h, s.logger("leaf")), sched: s}, nil
}

func (l *Leaf) Scheduler() *Scheduler {
	return l.sched
}

// Node relays terminal announcements and traffic between its connections.
type Node struct {
	*object
	sched *Scheduler
}

func NewNode(s *Scheduler) (*Node, error) {
	h, err := s.tr.CreateNode(s.h)
	if err != nil {
		return nil, err
	}
	return &Node{object: newObject(s.tr, h, s.logger("node")), sched: s}, nil
}

func (n *Node) Scheduler() *Scheduler {
	return n.sched
}

// KnownTerminals lists the terminals announced to the node.
func (n *Node) KnownTerminals() ([]transport.TerminalInfo, error) {
	return n.tr.GetKnownTerminals(n.h)
}

// AsyncAwaitKnownTerminalsChange calls fn once for the next learned or
// forgotten terminal. Changes are queued, so re-arming from fn observes every
// change in order.
func (n *Node) AsyncAwaitKnownTerminalsChange(fn func(err error, change transport.KnownTerminalChange)) error {
	a := callback.Once(n.sched.reg, "await_known_terminals_change", fn)
	if err := n.tr.AsyncAwaitKnownTerminalsChange(n.h, a.Func(), nil); err != nil {
		a.Abandon()
		return err
	}
	return nil
}

func (n *Node) CancelAwaitKnownTerminalsChange() error {
	return n.tr.CancelAwaitKnownTerminalsChange(n.h)
}

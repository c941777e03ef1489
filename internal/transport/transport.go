// Package transport defines the surface of the callback-driven messaging
// transport driven by the chirp coordination layer.
//
// Every asynchronous operation completes by invoking a Callback from a
// goroutine owned by the transport. Callbacks of repeatable operations return
// a ControlFlow; single-shot operations ignore the returned value.
package transport

import "time"

// Callback is the native completion convention: raw status, operation payload,
// and the user argument given when the operation was armed.
type Callback[T any] func(status Result, payload T, userArg any) ControlFlow

// Empty is the payload of completions that carry nothing but a status.
type Empty struct{}

// TerminalInfo describes a terminal known to a node.
type TerminalInfo struct {
	Type      TerminalType
	Name      string
	Signature Signature
}

// KnownTerminalChange is delivered when a node learns or forgets a terminal.
type KnownTerminalChange struct {
	Added bool
	TerminalInfo
}

// Message is a published message as received by a subscriber.
type Message struct {
	Payload []byte
	Cached  bool
}

// Gathered is one response to a scatter-gather operation.
type Gathered struct {
	Operation OperationID
	Flags     Flags
	Payload   []byte
}

// Scattered is a request received by a responding terminal.
type Scattered struct {
	Operation OperationID
	Payload   []byte
}

// Core covers object lifetime and schedulers.
type Core interface {
	Version() string
	Destroy(h Handle) error
	CreateScheduler() (Handle, error)
	SetSchedulerThreadPoolSize(scheduler Handle, threads int) error
}

// Topology covers endpoints and terminals.
type Topology interface {
	CreateLeaf(scheduler Handle) (Handle, error)
	CreateNode(scheduler Handle) (Handle, error)
	GetKnownTerminals(node Handle) ([]TerminalInfo, error)
	AsyncAwaitKnownTerminalsChange(node Handle, fn Callback[KnownTerminalChange], userArg any) error
	CancelAwaitKnownTerminalsChange(node Handle) error
	CreateTerminal(leaf Handle, typ TerminalType, name string, signature Signature) (Handle, error)
}

// Bindings covers binding and subscription state. Binding state calls accept
// either a binding handle or the handle of a terminal that binds itself.
type Bindings interface {
	CreateBinding(terminal Handle, targets string) (Handle, error)
	GetBindingState(h Handle) (bool, error)
	AsyncGetBindingState(h Handle, fn Callback[bool], userArg any) error
	AsyncAwaitBindingStateChange(h Handle, fn Callback[bool], userArg any) error
	CancelAwaitBindingStateChange(h Handle) error
	GetSubscriptionState(terminal Handle) (bool, error)
	AsyncGetSubscriptionState(terminal Handle, fn Callback[bool], userArg any) error
	AsyncAwaitSubscriptionStateChange(terminal Handle, fn Callback[bool], userArg any) error
	CancelAwaitSubscriptionStateChange(terminal Handle) error
}

// Connections covers local and TCP connections.
type Connections interface {
	CreateLocalConnection(a, b Handle) (Handle, error)
	CreateTCPServer(scheduler Handle, address string, port int, identification []byte) (Handle, error)
	AsyncTCPAccept(server Handle, handshakeTimeout time.Duration, fn Callback[Handle], userArg any) error
	CancelTCPAccept(server Handle) error
	CreateTCPClient(scheduler Handle, identification []byte) (Handle, error)
	AsyncTCPConnect(client Handle, host string, port int, handshakeTimeout time.Duration, fn Callback[Handle], userArg any) error
	CancelTCPConnect(client Handle) error
	GetConnectionDescription(conn Handle) (string, error)
	GetRemoteVersion(conn Handle) (string, error)
	GetRemoteIdentification(conn Handle) ([]byte, error)
	AssignConnection(conn, endpoint Handle, timeout time.Duration) error
	AsyncAwaitConnectionDeath(conn Handle, fn Callback[Empty], userArg any) error
	CancelAwaitConnectionDeath(conn Handle) error
}

// Messaging covers the publishing terminal flavors.
type Messaging interface {
	Publish(terminal Handle, payload []byte) error
	AsyncReceiveMessage(terminal Handle, fn Callback[Message], userArg any) error
	CancelReceiveMessage(terminal Handle) error
	GetCachedMessage(terminal Handle) ([]byte, error)
}

// Scatters covers the scatter-gather and service/client flavors.
type Scatters interface {
	AsyncScatterGather(terminal Handle, payload []byte, fn Callback[Gathered], userArg any) (OperationID, error)
	CancelScatterGather(terminal Handle, op OperationID) error
	AsyncReceiveScattered(terminal Handle, fn Callback[Scattered], userArg any) error
	CancelReceiveScattered(terminal Handle) error
	RespondToScattered(terminal Handle, op OperationID, payload []byte) error
	IgnoreScattered(terminal Handle, op OperationID) error
}

// Transport is the complete collaborator surface.
type Transport interface {
	Core
	Topology
	Bindings
	Connections
	Messaging
	Scatters
}

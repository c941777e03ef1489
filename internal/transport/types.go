package transport

import (
	"fmt"
	"strings"
	"time"
)

// Buffer limits of the native calling convention.
const (
	MaxKnownTerminalName      = 256
	MaxConnectionDescription  = 64
	MaxRemoteVersion          = 32
	MaxRemoteIdentification   = 1024
	DefaultReceiveBufferBytes = 64 * 1024
)

// Handle references a transport-owned object. Zero is invalid.
type Handle uint64

func (h Handle) Valid() bool {
	return h != 0
}

func (h Handle) String() string {
	if h == 0 {
		return "Handle(INVALID)"
	}
	return fmt.Sprintf("Handle(%#x)", uint64(h))
}

// OperationID correlates the responses of one scatter-gather operation.
// Zero denotes no active operation.
type OperationID int32

func (id OperationID) Valid() bool {
	return id != 0
}

func (id OperationID) String() string {
	return fmt.Sprintf("OperationID(%d)", int32(id))
}

// Signature identifies the payload schema carried by a terminal.
type Signature uint32

// Flags annotate a single gathered response.
type Flags uint8

const (
	NoFlags          Flags = 0
	Finished         Flags = 1 << 0
	Ignored          Flags = 1 << 1
	Deaf             Flags = 1 << 2
	BindingDestroyed Flags = 1 << 3
	ConnectionLost   Flags = 1 << 4
)

// Outcome is the set of flags that mark a response as something other than
// a genuine payload.
const Outcome = Ignored | Deaf | BindingDestroyed | ConnectionLost

func (f Flags) Has(bits Flags) bool {
	return f&bits == bits
}

func (f Flags) String() string {
	if f == NoFlags {
		return "NO_FLAGS"
	}
	names := []struct {
		bit  Flags
		name string
	}{
		{Finished, "FINISHED"},
		{Ignored, "IGNORED"},
		{Deaf, "DEAF"},
		{BindingDestroyed, "BINDING_DESTROYED"},
		{ConnectionLost, "CONNECTION_LOST"},
	}
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// ControlFlow is returned by repeatable callbacks.
type ControlFlow int32

const (
	Continue ControlFlow = 0
	Stop     ControlFlow = 1
)

func (c ControlFlow) String() string {
	if c == Continue {
		return "CONTINUE"
	}
	return "STOP"
}

// Verbosity mirrors the native log levels.
type Verbosity int

const (
	VerbosityTrace Verbosity = iota
	VerbosityDebug
	VerbosityInfo
	VerbosityWarning
	VerbosityError
	VerbosityFatal
)

// TerminalType enumerates the terminal flavors.
type TerminalType int

const (
	DeafMute TerminalType = iota
	PublishSubscribe
	ScatterGather
	CachedPublishSubscribe
	Producer
	Consumer
	CachedProducer
	CachedConsumer
	Master
	Slave
	CachedMaster
	CachedSlave
	Service
	Client
)

var terminalTypeNames = [...]string{
	"DeafMute",
	"PublishSubscribe",
	"ScatterGather",
	"CachedPublishSubscribe",
	"Producer",
	"Consumer",
	"CachedProducer",
	"CachedConsumer",
	"Master",
	"Slave",
	"CachedMaster",
	"CachedSlave",
	"Service",
	"Client",
}

func (t TerminalType) Valid() bool {
	return t >= DeafMute && t <= Client
}

func (t TerminalType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("TerminalType(%d)", int(t))
	}
	return terminalTypeNames[t]
}

// NoTimeout disables a timeout.
const NoTimeout time.Duration = -1

// EncodeTimeout converts a duration into integer milliseconds; negative
// durations mean no timeout (-1). Sub-millisecond remainders round down.
func EncodeTimeout(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

// DecodeTimeout is the inverse of EncodeTimeout.
func DecodeTimeout(ms int64) time.Duration {
	if ms < 0 {
		return NoTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

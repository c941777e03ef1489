package transport

import (
	"errors"
	"fmt"
)

// ErrorCode is a failure status from the transport error catalog.
// Codes are negative; OK (0) is never returned as an error.
type ErrorCode int32

const (
	OK                     ErrorCode = 0
	ErrUnknown             ErrorCode = -1
	ErrInvalidHandle       ErrorCode = -2
	ErrWrongObjectType     ErrorCode = -3
	ErrObjectStillUsed     ErrorCode = -4
	ErrBadAllocation       ErrorCode = -5
	ErrInvalidParam        ErrorCode = -6
	ErrAlreadyConnected    ErrorCode = -7
	ErrAmbiguousIdentifier ErrorCode = -8
	ErrAlreadyInitialised  ErrorCode = -9
	ErrNotInitialised      ErrorCode = -10
	ErrCannotCreateLogFile ErrorCode = -11
	ErrCanceled            ErrorCode = -12
	ErrAsyncOperation      ErrorCode = -13
	ErrBufferTooSmall      ErrorCode = -14
	ErrNotBound            ErrorCode = -15
	ErrInvalidID           ErrorCode = -16
	ErrIdentTooLarge       ErrorCode = -17
	ErrInvalidIPAddress    ErrorCode = -18
	ErrInvalidPortNumber   ErrorCode = -19
	ErrCannotOpenSocket    ErrorCode = -20
	ErrCannotBindSocket    ErrorCode = -21
	ErrCannotListen        ErrorCode = -22
	ErrSocketBroken        ErrorCode = -23
	ErrInvalidMagicPrefix  ErrorCode = -24
	ErrIncompatibleVersion ErrorCode = -25
	ErrAcceptFailed        ErrorCode = -26
	ErrTimeout             ErrorCode = -27
	ErrAddressInUse        ErrorCode = -28
	ErrResolveFailed       ErrorCode = -29
	ErrConnectionRefused   ErrorCode = -30
	ErrHostUnreachable     ErrorCode = -31
	ErrNetworkDown         ErrorCode = -32
	ErrConnectFailed       ErrorCode = -33
	ErrNotReady            ErrorCode = -34
	ErrAlreadyAssigned     ErrorCode = -35
	ErrConnectionDead      ErrorCode = -36
	ErrConnectionClosed    ErrorCode = -37
	ErrUninitialized       ErrorCode = -38
)

var errorNames = map[ErrorCode]string{
	OK:                     "OK",
	ErrUnknown:             "UNKNOWN",
	ErrInvalidHandle:       "INVALID_HANDLE",
	ErrWrongObjectType:     "WRONG_OBJECT_TYPE",
	ErrObjectStillUsed:     "OBJECT_STILL_USED",
	ErrBadAllocation:       "BAD_ALLOCATION",
	ErrInvalidParam:        "INVALID_PARAM",
	ErrAlreadyConnected:    "ALREADY_CONNECTED",
	ErrAmbiguousIdentifier: "AMBIGUOUS_IDENTIFIER",
	ErrAlreadyInitialised:  "ALREADY_INITIALISED",
	ErrNotInitialised:      "NOT_INITIALISED",
	ErrCannotCreateLogFile: "CANNOT_CREATE_LOG_FILE",
	ErrCanceled:            "CANCELED",
	ErrAsyncOperation:      "ASYNC_OPERATION_RUNNING",
	ErrBufferTooSmall:      "BUFFER_TOO_SMALL",
	ErrNotBound:            "NOT_BOUND",
	ErrInvalidID:           "INVALID_ID",
	ErrIdentTooLarge:       "IDENTIFICATION_TOO_LARGE",
	ErrInvalidIPAddress:    "INVALID_IP_ADDRESS",
	ErrInvalidPortNumber:   "INVALID_PORT_NUMBER",
	ErrCannotOpenSocket:    "CANNOT_OPEN_SOCKET",
	ErrCannotBindSocket:    "CANNOT_BIND_SOCKET",
	ErrCannotListen:        "CANNOT_LISTEN_ON_SOCKET",
	ErrSocketBroken:        "SOCKET_BROKEN",
	ErrInvalidMagicPrefix:  "INVALID_MAGIC_PREFIX",
	ErrIncompatibleVersion: "INCOMPATIBLE_VERSION",
	ErrAcceptFailed:        "ACCEPT_FAILED",
	ErrTimeout:             "TIMEOUT",
	ErrAddressInUse:        "ADDRESS_IN_USE",
	ErrResolveFailed:       "RESOLVE_FAILED",
	ErrConnectionRefused:   "CONNECTION_REFUSED",
	ErrHostUnreachable:     "HOST_UNREACHABLE",
	ErrNetworkDown:         "NETWORK_DOWN",
	ErrConnectFailed:       "CONNECT_FAILED",
	ErrNotReady:            "NOT_READY",
	ErrAlreadyAssigned:     "ALREADY_ASSIGNED",
	ErrConnectionDead:      "CONNECTION_DEAD",
	ErrConnectionClosed:    "CONNECTION_CLOSED",
	ErrUninitialized:       "UNINITIALIZED",
}

var errorDescriptions = map[ErrorCode]string{
	OK:                     "success",
	ErrUnknown:             "unknown internal error",
	ErrInvalidHandle:       "invalid handle",
	ErrWrongObjectType:     "object is of the wrong type",
	ErrObjectStillUsed:     "object is still being used by another object",
	ErrBadAllocation:       "memory allocation failed",
	ErrInvalidParam:        "invalid parameter",
	ErrAlreadyConnected:    "objects are already connected",
	ErrAmbiguousIdentifier: "identifier is ambiguous",
	ErrAlreadyInitialised:  "library is already initialised",
	ErrNotInitialised:      "library has not been initialised",
	ErrCannotCreateLogFile: "could not create log file",
	ErrCanceled:            "operation has been canceled",
	ErrAsyncOperation:      "asynchronous operation is already running",
	ErrBufferTooSmall:      "buffer too small",
	ErrNotBound:            "no binding or subscription exists",
	ErrInvalidID:           "invalid operation id",
	ErrIdentTooLarge:       "identification too large",
	ErrInvalidIPAddress:    "invalid IP address",
	ErrInvalidPortNumber:   "invalid port number",
	ErrCannotOpenSocket:    "could not open socket",
	ErrCannotBindSocket:    "could not bind socket",
	ErrCannotListen:        "could not listen on socket",
	ErrSocketBroken:        "socket broken",
	ErrInvalidMagicPrefix:  "invalid magic prefix",
	ErrIncompatibleVersion: "incompatible version",
	ErrAcceptFailed:        "accept failed",
	ErrTimeout:             "operation timed out",
	ErrAddressInUse:        "address is already in use",
	ErrResolveFailed:       "could not resolve address",
	ErrConnectionRefused:   "connection refused",
	ErrHostUnreachable:     "host unreachable",
	ErrNetworkDown:         "network down",
	ErrConnectFailed:       "connect failed",
	ErrNotReady:            "object is not ready",
	ErrAlreadyAssigned:     "connection has already been assigned",
	ErrConnectionDead:      "connection is dead",
	ErrConnectionClosed:    "connection closed by peer",
	ErrUninitialized:       "object has not been initialized",
}

// Name returns the catalog identifier, e.g. "CANCELED".
func (c ErrorCode) Name() string {
	if name, ok := errorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int32(c))
}

func (c ErrorCode) Error() string {
	desc, ok := errorDescriptions[c]
	if !ok {
		desc = "unrecognised error code"
	}
	return fmt.Sprintf("transport: %s (%s)", desc, c.Name())
}

func (c ErrorCode) String() string {
	return c.Name()
}

// Canceled reports whether err is the cancellation status.
func Canceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// Invalidated reports whether err signals that the object behind a handle is gone.
// The reconciliation loops treat both as their normal termination.
func Invalidated(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, ErrInvalidHandle)
}

// Result is the raw status passed to callbacks. Values >= 0 are success and may
// carry an identifier.
type Result int32

func (r Result) OK() bool {
	return r >= 0
}

// Err maps a failed status onto the catalog; nil on success.
func (r Result) Err() error {
	if r >= 0 {
		return nil
	}
	return ErrorCode(r)
}

// Status converts an error produced by a transport implementation back into
// the raw status convention. Foreign errors map to ErrUnknown.
func Status(err error) Result {
	if err == nil {
		return Result(OK)
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return Result(code)
	}
	return Result(ErrUnknown)
}

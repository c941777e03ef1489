package chirp

import "errors"

var (
	// ErrObjectDestroyed is returned by waits whose owner was destroyed.
	ErrObjectDestroyed = errors.New("chirp: object destroyed")

	ErrIgnored          = errors.New("chirp: request ignored by the responder")
	ErrDeaf             = errors.New("chirp: responder was not receiving requests")
	ErrBindingDestroyed = errors.New("chirp: responder binding destroyed")
	ErrConnectionLost   = errors.New("chirp: connection to the responder lost")

	ErrSupervisorRunning = errors.New("chirp: supervisor already started")
	ErrInvalidTarget     = errors.New("chirp: invalid connect target")
	ErrNoTimeout         = errors.New("chirp: a connection timeout is required")
)

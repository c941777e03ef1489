package inproc

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/danmuck/chirp/internal/protocol/frame"
	"github.com/danmuck/chirp/internal/protocol/session"
	"github.com/danmuck/chirp/internal/transport"
)

// mapNetErr converts a socket or handshake error into the catalog. fallback
// is used when nothing more specific matches.
func mapNetErr(err error, fallback transport.ErrorCode) transport.ErrorCode {
	var code transport.ErrorCode
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case err == nil:
		return transport.OK
	case errors.As(err, &code):
		return code
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return transport.ErrConnectionClosed
	case errors.Is(err, frame.ErrBadMagic):
		return transport.ErrInvalidMagicPrefix
	case errors.Is(err, frame.ErrVersionMismatch), errors.Is(err, session.ErrIncompatible):
		return transport.ErrIncompatibleVersion
	case errors.Is(err, session.ErrIdentTooLarge):
		return transport.ErrIdentTooLarge
	case errors.As(err, &dnsErr):
		return transport.ErrResolveFailed
	case errors.Is(err, syscall.ECONNREFUSED):
		return transport.ErrConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return transport.ErrHostUnreachable
	case errors.Is(err, syscall.ENETDOWN), errors.Is(err, syscall.ENETUNREACH):
		return transport.ErrNetworkDown
	case errors.Is(err, syscall.EADDRINUSE):
		return transport.ErrAddressInUse
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return transport.ErrSocketBroken
	case errors.Is(err, os.ErrDeadlineExceeded):
		return transport.ErrTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return transport.ErrTimeout
	default:
		return fallback
	}
}

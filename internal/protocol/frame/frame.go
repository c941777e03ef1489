// Package frame implements the fixed-header framing used on TCP links.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic is "CHRP" in network byte order.
	Magic          uint32 = 0x43485250
	Version        uint16 = 1
	FixedHeaderLen        = 24

	FlagFinal uint16 = 0x01
)

var (
	ErrShortHeader      = errors.New("frame: short fixed header")
	ErrBadMagic         = errors.New("frame: bad magic prefix")
	ErrVersionMismatch  = errors.New("frame: incompatible frame version")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
	ErrTruncatedPayload = errors.New("frame: truncated payload")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	MessageType uint32
	Sequence    uint64
	PayloadLen  uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// New returns a frame stamped with the current magic and version.
func New(messageType uint32, seq uint64, payload []byte) Frame {
	return Frame{
		Header: Header{
			Magic:       Magic,
			Version:     Version,
			MessageType: messageType,
			Sequence:    seq,
		},
		Payload: payload,
	}
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: %#08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, h.Version, Version)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrTruncatedPayload
			}
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame writes header and payload in a single Write call so concurrent
// writers never interleave partial frames on a shared connection.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	buf := make([]byte, FixedHeaderLen, FixedHeaderLen+len(f.Payload))
	putHeader(buf, h)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	putHeader(buf, h)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.MessageType)
	binary.BigEndian.PutUint64(buf[12:20], h.Sequence)
	binary.BigEndian.PutUint32(buf[20:24], h.PayloadLen)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != FixedHeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		MessageType: binary.BigEndian.Uint32(b[8:12]),
		Sequence:    binary.BigEndian.Uint64(b[12:20]),
		PayloadLen:  binary.BigEndian.Uint32(b[20:24]),
	}, nil
}

package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/danmuck/chirp/internal/protocol/frame"
	"github.com/danmuck/chirp/internal/protocol/schema"
	"github.com/danmuck/chirp/internal/protocol/tlv"
)

// MaxIdentificationBytes bounds the identification blob carried in a hello.
const MaxIdentificationBytes = 1024

var (
	ErrInvalidHello      = errors.New("session: invalid hello")
	ErrUnexpectedMessage = errors.New("session: unexpected message type")
	ErrIdentTooLarge     = errors.New("session: identification too large")
	ErrIncompatible      = errors.New("session: incompatible peer version")
)

// Hello is the first frame each side of a TCP link sends.
type Hello struct {
	Version        string
	Identification []byte
	SessionID      string
	Endpoint       string
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Version) == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidHello)
	}
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidHello)
	}
	if len(h.Identification) > MaxIdentificationBytes {
		return fmt.Errorf("%w: %d bytes", ErrIdentTooLarge, len(h.Identification))
	}
	return nil
}

func WriteHello(w io.Writer, h Hello, limits frame.Limits) error {
	if err := h.Validate(); err != nil {
		return err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldVersion, h.Version),
		tlv.Bytes(schema.FieldIdentification, h.Identification),
		tlv.String(schema.FieldSessionID, h.SessionID),
	}
	if h.Endpoint != "" {
		fields = append(fields, tlv.String(schema.FieldEndpoint, h.Endpoint))
	}
	return frame.WriteFrame(w, frame.New(schema.MsgHello, 0, tlv.EncodeFields(fields)), limits)
}

func ReadHello(r io.Reader, limits frame.Limits) (Hello, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Hello{}, err
	}
	if f.Header.MessageType != schema.MsgHello {
		return Hello{}, fmt.Errorf("%w: %d", ErrUnexpectedMessage, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if err := schema.Validate(schema.MsgHello, fields); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	var h Hello
	h.Version, _ = tlv.StringField(fields, schema.FieldVersion)
	h.Identification, _ = tlv.BytesField(fields, schema.FieldIdentification)
	h.SessionID, _ = tlv.StringField(fields, schema.FieldSessionID)
	h.Endpoint, _ = tlv.StringField(fields, schema.FieldEndpoint)
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// ExchangeHello sends local and reads the peer's hello under one deadline.
// A negative timeout waits indefinitely.
func ExchangeHello(conn net.Conn, local Hello, timeout time.Duration, limits frame.Limits) (Hello, error) {
	if timeout >= 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return Hello{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}
	errc := make(chan error, 1)
	go func() { errc <- WriteHello(conn, local, limits) }()
	remote, err := ReadHello(conn, limits)
	if err != nil {
		// The writer unblocks once the caller closes conn.
		return Hello{}, err
	}
	if err := <-errc; err != nil {
		return Hello{}, err
	}
	if !CompatibleVersion(local.Version, remote.Version) {
		return Hello{}, fmt.Errorf("%w: local=%s remote=%s", ErrIncompatible, local.Version, remote.Version)
	}
	return remote, nil
}

// CompatibleVersion accepts peers that share the major and minor version.
func CompatibleVersion(local, remote string) bool {
	lp := strings.SplitN(local, ".", 3)
	rp := strings.SplitN(remote, ".", 3)
	if len(lp) < 2 || len(rp) < 2 {
		return local == remote
	}
	return lp[0] == rp[0] && lp[1] == rp[1]
}

// Package schema lists the link message types and validates the TLV-encoded
// ones.
package schema

import (
	"fmt"

	"github.com/danmuck/chirp/internal/logging"
	"github.com/danmuck/chirp/internal/protocol/tlv"
)

// Message type IDs carried in frame headers.
const (
	MsgHello     uint32 = 1
	MsgRoute     uint32 = 2
	MsgHeartbeat uint32 = 3
	MsgGoodbye   uint32 = 4
)

// Field IDs.
const (
	FieldVersion        uint16 = 1
	FieldIdentification uint16 = 2
	FieldSessionID      uint16 = 3
	FieldEndpoint       uint16 = 4

	FieldReason uint16 = 100
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHello: {
		{FieldVersion, tlv.TypeString},
		{FieldIdentification, tlv.TypeBytes},
		{FieldSessionID, tlv.TypeString},
	},
	MsgHeartbeat: {},
	MsgGoodbye: {
		{FieldReason, tlv.TypeString},
	},
}

// Validate enforces required fields and their types for a TLV message.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log := logging.Component("schema")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("unknown tlv message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Uint32("message_type", messageType).Uint16("field_id", req.ID).Msg("missing required field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("field type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Debug().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("validated")
	return nil
}

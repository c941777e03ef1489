package schema

import (
	"testing"

	"github.com/danmuck/chirp/internal/protocol/tlv"
	"github.com/danmuck/chirp/internal/testutil/testlog"
)

func helloFields() []tlv.Field {
	return []tlv.Field{
		tlv.String(FieldVersion, "0.1.0"),
		tlv.Bytes(FieldIdentification, []byte("leaf-a")),
		tlv.String(FieldSessionID, "5b0f6c9e-3f07-4c36-9c37-5a4b8f1d2e10"),
	}
}

func TestValidateHelloRequiredFields(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgHello, helloFields()); err != nil {
		t.Fatalf("validate hello: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := append(helloFields(), tlv.Field{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}})
	if err := Validate(MsgHello, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgHello, helloFields()[:1])
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.FieldID != FieldIdentification || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := helloFields()
	fields[0] = tlv.U16(FieldVersion, 1)
	err := Validate(MsgHello, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	if ve.FieldID != FieldVersion || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgRoute, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("route frames carry CBOR and must not validate as tlv: %v", err)
	}
	if err := Validate(MsgHeartbeat, nil); err != nil {
		t.Fatalf("heartbeat has no required fields: %v", err)
	}
}

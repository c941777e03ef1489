// Package tlv encodes the typed fields carried by handshake frames.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
)

// Type IDs.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, s string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(s)}
}

func Bytes(id uint16, b []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: append([]byte(nil), b...)}
}

func U16(id uint16, v uint16) Field {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return Field{ID: id, Type: TypeU16, Value: b}
}

func U64(id uint16, v uint64) Field {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return Field{ID: id, Type: TypeU64, Value: b}
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

// DecodeFields keeps unknown field ids so newer peers can extend the hello.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

// StringField returns the string value of field id.
func StringField(fields []Field, id uint16) (string, error) {
	f, err := typed(fields, id, TypeString)
	if err != nil {
		return "", err
	}
	return string(f.Value), nil
}

// BytesField returns the raw value of field id.
func BytesField(fields []Field, id uint16) ([]byte, error) {
	f, err := typed(fields, id, TypeBytes)
	if err != nil {
		return nil, err
	}
	return f.Value, nil
}

func U16Field(fields []Field, id uint16) (uint16, error) {
	f, err := typed(fields, id, TypeU16)
	if err != nil {
		return 0, err
	}
	if len(f.Value) != 2 {
		return 0, fmt.Errorf("tlv: invalid u16 length: %d", len(f.Value))
	}
	return binary.BigEndian.Uint16(f.Value), nil
}

func U64Field(fields []Field, id uint16) (uint64, error) {
	f, err := typed(fields, id, TypeU64)
	if err != nil {
		return 0, err
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func typed(fields []Field, id uint16, want uint8) (Field, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return Field{}, fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if err := MustType(f, want); err != nil {
		return Field{}, err
	}
	return f, nil
}

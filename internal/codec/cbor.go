// Package codec encodes typed terminal payloads and link envelopes as CBOR.
//
// Encoding uses the Core Deterministic profile so equal values always
// produce equal bytes, which keeps cached-message comparisons stable.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts between typed values and terminal payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// any-typed targets decode maps with string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// CBOR returns the default Codec.
func CBOR() Codec { return cborCodec{} }

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) { return Marshal(v) }

func (cborCodec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }

// Raw passes []byte payloads through unchanged.
func Raw() Codec { return rawCodec{} }

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, &TypeError{Want: "[]byte", Got: reflect.TypeOf(v)}
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return &TypeError{Want: "*[]byte", Got: reflect.TypeOf(v)}
	}
	*p = append((*p)[:0], data...)
	return nil
}

// TypeError reports a value the raw codec cannot carry.
type TypeError struct {
	Want string
	Got  reflect.Type
}

func (e *TypeError) Error() string {
	return "codec: raw codec needs " + e.Want + ", got " + typeName(e.Got)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "nil"
	}
	return t.String()
}

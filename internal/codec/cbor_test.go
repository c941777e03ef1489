package codec

import (
	"bytes"
	"errors"
	"testing"
)

type sample struct {
	Timestamp int64   `cbor:"1,keyasint"`
	Value     float64 `cbor:"2,keyasint"`
	Labels    map[string]string
}

func TestMarshalIsDeterministic(t *testing.T) {
	v := sample{Timestamp: 42, Value: 123.456, Labels: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs between runs")
		}
	}
	var out sample
	if err := CBOR().Unmarshal(first, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Value != 123.456 || out.Labels["c"] != "3" {
		t.Fatalf("unexpected decode: %+v", out)
	}
}

func TestAnyTargetsDecodeStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"severity": "warning"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out.(map[string]any); !ok {
		t.Fatalf("expected map[string]any, got %T", out)
	}
}

func TestRawCodecRejectsNonBytes(t *testing.T) {
	c := Raw()
	b, err := c.Marshal([]byte{1, 0, 3})
	if err != nil || !bytes.Equal(b, []byte{1, 0, 3}) {
		t.Fatalf("raw marshal: %v %v", b, err)
	}
	_, err = c.Marshal(12)
	var te *TypeError
	if !errors.As(err, &te) {
		t.Fatalf("expected TypeError, got %v", err)
	}
	var out []byte
	if err := c.Unmarshal([]byte{9}, &out); err != nil || !bytes.Equal(out, []byte{9}) {
		t.Fatalf("raw unmarshal: %v %v", out, err)
	}
}

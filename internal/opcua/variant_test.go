package opcua

import (
	"testing"

	"github.com/gopcua/opcua/ua"
)

func TestCoerceFloat(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
	}{
		{float64(21.5), 21.5},
		{float32(2.5), 2.5},
		{int16(-7), -7},
		{int32(42), 42},
		{int64(1000), 1000},
		{uint16(99), 99},
		{uint32(7), 7},
		{true, 1},
		{false, 0},
	}
	for _, tc := range cases {
		v, err := ua.NewVariant(tc.in)
		if err != nil {
			t.Fatalf("variant %v: %v", tc.in, err)
		}
		got, ok := coerceFloat(v)
		if !ok {
			t.Fatalf("coerce %T failed", tc.in)
		}
		if got != tc.want {
			t.Fatalf("coerce %v: got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCoerceFloatRejectsNonNumeric(t *testing.T) {
	v, err := ua.NewVariant("hello")
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	if _, ok := coerceFloat(v); ok {
		t.Fatalf("strings must not coerce")
	}
	if _, ok := coerceFloat(nil); ok {
		t.Fatalf("nil variant must not coerce")
	}
}

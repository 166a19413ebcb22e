package canonical

import (
	"reflect"
	"strings"
	"testing"
)

func TestCanonicalize_Idempotent(t *testing.T) {
	v := map[string]any{
		"b": []any{map[string]any{"y": 1, "x": 2}, "s"},
		"a": map[string]any{"n": int64(3)},
		"c": nil,
	}
	once := Canonicalize(v)
	twice := Canonicalize(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("canonicalize not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestCanonicalize_NumericWidths(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"int", 7},
		{"int64", int64(7)},
		{"uint32", uint32(7)},
		{"float32", float32(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Canonicalize(tt.in)
			if got != float64(7) {
				t.Errorf("Canonicalize(%v) = %#v, want float64(7)", tt.in, got)
			}
		})
	}
}

func TestMarshal_OrderInvariant(t *testing.T) {
	a := map[string]any{"x": 1, "y": map[string]any{"p": "q", "r": 2}}
	b := map[string]any{"y": map[string]any{"r": 2, "p": "q"}, "x": 1}

	ab, err := Marshal(a)
	if err != nil {
		t.Fatalf("Marshal(a): %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("Marshal(b): %v", err)
	}
	if string(ab) != string(bb) {
		t.Errorf("serializations differ: %s vs %s", ab, bb)
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"same scalar", "v", "v", true},
		{"int vs float", 1, float64(1), true},
		{"reordered maps", map[string]any{"a": 1, "b": 2}, map[string]any{"b": 2, "a": 1}, true},
		{"different value", map[string]any{"a": 1}, map[string]any{"a": 2}, false},
		{"different shape", []any{1}, map[string]any{"0": 1}, false},
		{"unserializable", make(chan int), make(chan int), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFingerprint_Stable(t *testing.T) {
	v := map[string]any{"title": "a", "tags": []any{"x", "y"}, "n": 42}
	first := Fingerprint(v)
	for i := 0; i < 10; i++ {
		if got := Fingerprint(v); got != first {
			t.Fatalf("fingerprint unstable: %q vs %q", got, first)
		}
	}

	reordered := map[string]any{"n": 42, "tags": []any{"x", "y"}, "title": "a"}
	if got := Fingerprint(reordered); got != first {
		t.Errorf("fingerprint differs for reordered input: %q vs %q", got, first)
	}
}

func TestFingerprint_UnserializableGetsPlaceholder(t *testing.T) {
	a := Fingerprint(make(chan int))
	b := Fingerprint(make(chan int))
	if !strings.HasPrefix(a, "!") {
		t.Errorf("placeholder missing marker: %q", a)
	}
	if a == b {
		t.Errorf("placeholders must not collide deterministically: %q", a)
	}
}

func TestCombine_OrderSensitive(t *testing.T) {
	a := Combine([]string{"f1", "f2"})
	b := Combine([]string{"f2", "f1"})
	if a == b {
		t.Errorf("combined fingerprint should depend on order")
	}
	if got := Combine([]string{"f1", "f2"}); got != a {
		t.Errorf("combined fingerprint unstable: %q vs %q", got, a)
	}
}

func TestCombine_Empty(t *testing.T) {
	if Combine(nil) != Combine([]string{}) {
		t.Error("nil and empty inputs should fold identically")
	}
}

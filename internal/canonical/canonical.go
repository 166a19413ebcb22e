// Package canonical produces order-independent forms of JSON-shaped values:
// a canonicalized tree, a deterministic serialization, an authoritative
// structural equality check and a compact content fingerprint.
package canonical

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Canonicalize rebuilds a value tree so that structurally equal inputs are
// represented identically: map keys in sorted order, all numeric types
// normalized to float64, slices recursed element-wise. Scalars and nil pass
// through. It never panics on values reachable from a record payload; the
// caller is responsible for feeding acyclic data.
func Canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c := make(map[string]any, len(t))
		for _, k := range keys {
			c[k] = Canonicalize(t[k])
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = Canonicalize(e)
		}
		return c
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

// Marshal serializes the canonical form of v deterministically. Map keys are
// emitted in sorted order (encoding/json sorts string map keys), so two
// structurally equal values always marshal to identical bytes.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(Canonicalize(v))
}

// Equal is the authoritative structural equality check: it compares the
// deterministic serializations of both values, ignoring map key order and
// numeric type width. Values that cannot be serialized are never equal.
func Equal(a, b any) bool {
	ab, err := Marshal(a)
	if err != nil {
		return false
	}
	bb, err := Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

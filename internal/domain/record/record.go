// Package record defines the stored entity of a keyed collection: an
// immutable integer key plus a JSON-shaped payload tree.
package record

// Key is the collection-assigned auto-incrementing record identifier.
type Key int64

// Record is a stored entity. The key is assigned by the collection on insert
// and never changes; the payload is an opaque tree of maps, slices and
// scalars.
type Record struct {
	Key     Key
	Payload map[string]any
}

// New creates a record. The payload is cloned so later caller mutation
// cannot leak into delivered results.
func New(key Key, payload map[string]any) Record {
	return Record{Key: key, Payload: ClonePayload(payload)}
}

// ClonePayload deep-copies a payload tree. Scalars are shared (they are
// values or immutable strings); maps and slices are rebuilt.
func ClonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return ClonePayload(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

// Clone deep-copies the record.
func (r Record) Clone() Record {
	return Record{Key: r.Key, Payload: ClonePayload(r.Payload)}
}

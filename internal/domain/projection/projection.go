// Package projection declares which payload fields survive into a delivered
// result: a tree of field names mapped to true (copy verbatim) or to a nested
// projection (recurse).
package projection

import (
	"fmt"

	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/record"
)

type node struct {
	name   string
	nested *Projection
}

// Projection is a parsed field-selection tree.
type Projection struct {
	nodes  []node
	source map[string]any
}

// Parse validates and compiles a projection expression. Nil means "keep the
// whole payload". Each entry must map a field name to true or to a nested
// projection map.
func Parse(spec map[string]any) (Projection, error) {
	p, err := parse(spec)
	if err != nil {
		return Projection{}, err
	}
	p.source = spec
	return p, nil
}

// MustParse parses or panics. For tests and static projections.
func MustParse(spec map[string]any) Projection {
	p, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return p
}

func parse(spec map[string]any) (Projection, error) {
	nodes := make([]node, 0, len(spec))
	for name, v := range spec {
		switch t := v.(type) {
		case bool:
			if !t {
				return Projection{}, fmt.Errorf("%w: field %q maps to false; omit it instead", domain.ErrInvalidProjection, name)
			}
			nodes = append(nodes, node{name: name})
		case map[string]any:
			nested, err := parse(t)
			if err != nil {
				return Projection{}, err
			}
			nodes = append(nodes, node{name: name, nested: &nested})
		default:
			return Projection{}, fmt.Errorf("%w: field %q must map to true or a nested projection, got %T", domain.ErrInvalidProjection, name, v)
		}
	}
	return Projection{nodes: nodes}, nil
}

// Source returns the raw expression the projection was parsed from, used as
// cache-key material. Nil for the identity projection.
func (p Projection) Source() map[string]any { return p.source }

// IsIdentity reports whether the projection keeps payloads untouched.
func (p Projection) IsIdentity() bool { return len(p.nodes) == 0 && p.source == nil }

// Apply returns the payload reduced to the projected fields. Fields absent
// from the payload are skipped; fields projected with a nested tree but not
// maps in the payload are copied verbatim.
func (p Projection) Apply(payload map[string]any) map[string]any {
	if p.IsIdentity() {
		return record.ClonePayload(payload)
	}
	out := make(map[string]any, len(p.nodes))
	for _, n := range p.nodes {
		v, ok := payload[n.name]
		if !ok {
			continue
		}
		if n.nested != nil {
			if m, isMap := v.(map[string]any); isMap {
				out[n.name] = n.nested.Apply(m)
				continue
			}
		}
		out[n.name] = v
	}
	return out
}

// Package filter models the query predicate language: equality maps with
// nested partial matches, comparison operators and logical combinators.
// Filters are parsed once into a tagged form; shape errors surface at parse
// time, while type mismatches during evaluation fail closed as "no match".
package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/liveq-db/liveq/internal/canonical"
	"github.com/liveq-db/liveq/internal/domain"
)

// Combinator keys.
const (
	KeyAllOf = "$and"
	KeyAnyOf = "$or"
)

// Operator is a comparison operator key.
type Operator string

// Comparison operators.
const (
	OpGT       Operator = "$gt"
	OpGTE      Operator = "$gte"
	OpLT       Operator = "$lt"
	OpLTE      Operator = "$lte"
	OpIn       Operator = "$in"
	OpContains Operator = "$contains"
)

var operators = map[Operator]bool{
	OpGT: true, OpGTE: true, OpLT: true, OpLTE: true, OpIn: true, OpContains: true,
}

type kind int

const (
	kindEquality kind = iota
	kindAllOf
	kindAnyOf
)

type valueKind int

const (
	valueLiteral valueKind = iota
	valueSequence
	valueNested
	valueComparison
)

type opClause struct {
	op      Operator
	operand any
}

type valueSpec struct {
	kind    valueKind
	literal any
	seq     []any
	nested  *Filter
	ops     []opClause
}

type fieldMatch struct {
	name string
	spec valueSpec
}

// Filter is a parsed, validated query predicate.
type Filter struct {
	kind   kind
	subs   []Filter
	fields []fieldMatch
	source map[string]any
}

// Parse validates and compiles a filter expression. A nil or empty map is the
// vacuous filter that matches every payload. Mixing a combinator key with
// plain field keys (or with another combinator) at the same level is an
// ErrInvalidFilter, not a silent precedence choice.
func Parse(spec map[string]any) (Filter, error) {
	f, err := parse(spec)
	if err != nil {
		return Filter{}, err
	}
	f.source = spec
	return f, nil
}

// MustParse parses or panics. For tests and static filters.
func MustParse(spec map[string]any) Filter {
	f, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return f
}

func parse(spec map[string]any) (Filter, error) {
	hasAll := false
	hasAny := false
	plain := make([]string, 0, len(spec))
	for k := range spec {
		switch k {
		case KeyAllOf:
			hasAll = true
		case KeyAnyOf:
			hasAny = true
		default:
			plain = append(plain, k)
		}
	}

	if hasAll || hasAny {
		if hasAll && hasAny {
			return Filter{}, fmt.Errorf("%w: %s and %s cannot share one level", domain.ErrInvalidFilter, KeyAllOf, KeyAnyOf)
		}
		if len(plain) > 0 {
			sort.Strings(plain)
			return Filter{}, fmt.Errorf(
				"%w: combinator cannot be mixed with plain field keys %v at the same level",
				domain.ErrInvalidFilter, plain,
			)
		}
		key, k := KeyAllOf, kindAllOf
		if hasAny {
			key, k = KeyAnyOf, kindAnyOf
		}
		subs, err := parseSubs(key, spec[key])
		if err != nil {
			return Filter{}, err
		}
		return Filter{kind: k, subs: subs}, nil
	}

	sort.Strings(plain)
	fields := make([]fieldMatch, 0, len(plain))
	for _, name := range plain {
		vs, err := parseValueSpec(name, spec[name])
		if err != nil {
			return Filter{}, err
		}
		fields = append(fields, fieldMatch{name: name, spec: vs})
	}
	return Filter{kind: kindEquality, fields: fields}, nil
}

func parseSubs(key string, raw any) ([]Filter, error) {
	list, ok := raw.([]any)
	if !ok {
		if typed, tok := raw.([]map[string]any); tok {
			list = make([]any, len(typed))
			for i, m := range typed {
				list[i] = m
			}
		} else {
			return nil, fmt.Errorf("%w: %s expects a list of filters, got %T", domain.ErrInvalidFilter, key, raw)
		}
	}
	subs := make([]Filter, 0, len(list))
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] is not a filter map", domain.ErrInvalidFilter, key, i)
		}
		sub, err := parse(m)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func parseValueSpec(field string, raw any) (valueSpec, error) {
	switch t := raw.(type) {
	case map[string]any:
		opCount := 0
		for k := range t {
			if operators[Operator(k)] {
				opCount++
			} else if strings.HasPrefix(k, "$") {
				return valueSpec{}, fmt.Errorf("%w: unknown operator %q on field %q", domain.ErrInvalidFilter, k, field)
			}
		}
		if opCount > 0 {
			if opCount != len(t) {
				return valueSpec{}, fmt.Errorf(
					"%w: field %q mixes comparison operators with plain keys", domain.ErrInvalidFilter, field,
				)
			}
			return parseOps(field, t)
		}
		nested, err := parse(t)
		if err != nil {
			return valueSpec{}, err
		}
		return valueSpec{kind: valueNested, nested: &nested}, nil
	case []any:
		return valueSpec{kind: valueSequence, seq: t}, nil
	default:
		return valueSpec{kind: valueLiteral, literal: raw}, nil
	}
}

func parseOps(field string, m map[string]any) (valueSpec, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]opClause, 0, len(keys))
	for _, k := range keys {
		op := Operator(k)
		operand := m[k]
		if op == OpIn {
			if _, ok := operand.([]any); !ok {
				return valueSpec{}, fmt.Errorf("%w: %s on field %q expects a sequence operand", domain.ErrInvalidFilter, OpIn, field)
			}
		}
		ops = append(ops, opClause{op: op, operand: operand})
	}
	return valueSpec{kind: valueComparison, ops: ops}, nil
}

// Source returns the raw expression the filter was parsed from, used as
// cache-key material. Nil for the vacuous filter.
func (f Filter) Source() map[string]any { return f.source }

// IsVacuous reports whether the filter matches every payload.
func (f Filter) IsVacuous() bool {
	return f.kind == kindEquality && len(f.fields) == 0
}

// Matches evaluates the filter against a payload. Type mismatches fail
// closed: they yield false, never an error.
func (f Filter) Matches(payload map[string]any) bool {
	switch f.kind {
	case kindAnyOf:
		for _, sub := range f.subs {
			if sub.Matches(payload) {
				return true
			}
		}
		return false
	case kindAllOf:
		for _, sub := range f.subs {
			if !sub.Matches(payload) {
				return false
			}
		}
		return true
	default:
		for _, fm := range f.fields {
			val, ok := payload[fm.name]
			if !ok {
				return false
			}
			if !fm.spec.matches(val) {
				return false
			}
		}
		return true
	}
}

func (vs valueSpec) matches(val any) bool {
	switch vs.kind {
	case valueComparison:
		for _, c := range vs.ops {
			if !evalOp(val, c.op, c.operand) {
				return false
			}
		}
		return true
	case valueSequence:
		seq, ok := val.([]any)
		if !ok || len(seq) != len(vs.seq) {
			return false
		}
		for i, want := range vs.seq {
			if !canonical.Equal(seq[i], want) {
				return false
			}
		}
		return true
	case valueNested:
		m, ok := val.(map[string]any)
		if !ok {
			return false
		}
		return vs.nested.Matches(m)
	default:
		return canonical.Equal(val, vs.literal)
	}
}

func evalOp(val any, op Operator, operand any) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		cmp, ok := compare(val, operand)
		if !ok {
			return false
		}
		switch op {
		case OpGT:
			return cmp > 0
		case OpGTE:
			return cmp >= 0
		case OpLT:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		seq, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, e := range seq {
			if canonical.Equal(val, e) {
				return true
			}
		}
		return false
	case OpContains:
		switch t := val.(type) {
		case []any:
			for _, e := range t {
				if canonical.Equal(e, operand) {
					return true
				}
			}
			return false
		case string:
			s, ok := operand.(string)
			return ok && strings.Contains(t, s)
		default:
			return false
		}
	default:
		return false
	}
}

// compare orders two values when both are numbers or both are strings.
// Anything else is not mutually ordered and fails closed.
func compare(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

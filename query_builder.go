package liveq

import "context"

// QueryBuilder is a fluent builder for table queries.
//
//	rows, err := store.Table("todos").Query().
//		Where("done", false).
//		WhereOp("priority", "$gte", 5).
//		Project("title", "priority").
//		All(ctx)
type QueryBuilder struct {
	table *Table

	fields map[string]any
	anyOf  []map[string]any
	proj   map[string]any

	// rawFilter bypasses the accumulated conditions when set.
	rawFilter map[string]any
}

// Where adds an exact-match condition on a field. A map value matches
// nested payloads partially, e.g. Where("author", map[string]any{"name": "kim"}).
func (b *QueryBuilder) Where(field string, value any) *QueryBuilder {
	if b.fields == nil {
		b.fields = make(map[string]any)
	}
	b.fields[field] = value
	return b
}

// WhereOp adds an operator condition on a field: "$gt", "$gte", "$lt",
// "$lte", "$in" or "$contains". Several operators may target the same field.
func (b *QueryBuilder) WhereOp(field, op string, operand any) *QueryBuilder {
	if b.fields == nil {
		b.fields = make(map[string]any)
	}
	ops, ok := b.fields[field].(map[string]any)
	if !ok {
		ops = make(map[string]any)
		b.fields[field] = ops
	}
	ops[op] = operand
	return b
}

// AnyOf adds a disjunction: a record matches when at least one arm matches.
// Combined with Where conditions via conjunction.
func (b *QueryBuilder) AnyOf(arms ...map[string]any) *QueryBuilder {
	b.anyOf = append(b.anyOf, arms...)
	return b
}

// Filter replaces the accumulated conditions with a raw filter document.
func (b *QueryBuilder) Filter(spec map[string]any) *QueryBuilder {
	b.rawFilter = spec
	return b
}

// Project keeps only the named top-level fields in each result.
func (b *QueryBuilder) Project(fields ...string) *QueryBuilder {
	if b.proj == nil {
		b.proj = make(map[string]any, len(fields))
	}
	for _, f := range fields {
		b.proj[f] = true
	}
	return b
}

// ProjectSpec replaces the projection with a raw projection document,
// allowing nested shapes.
func (b *QueryBuilder) ProjectSpec(spec map[string]any) *QueryBuilder {
	b.proj = spec
	return b
}

// First returns the lowest-ID matching record.
func (b *QueryBuilder) First(ctx context.Context) (Record, bool, error) {
	return b.table.FindFirst(ctx, b.buildFilter(), b.proj)
}

// Last returns the highest-ID matching record.
func (b *QueryBuilder) Last(ctx context.Context) (Record, bool, error) {
	return b.table.FindLast(ctx, b.buildFilter(), b.proj)
}

// All returns every matching record in ID order.
func (b *QueryBuilder) All(ctx context.Context) ([]Record, error) {
	return b.table.FindMany(ctx, b.buildFilter(), b.proj)
}

// Count returns the number of matching records.
func (b *QueryBuilder) Count(ctx context.Context) (int, error) {
	results, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Subscribe turns the query into a live subscription.
func (b *QueryBuilder) Subscribe(ctx context.Context, onError func(error)) (*Subscription, error) {
	return b.table.Subscribe(ctx, SubscribeOptions{
		Filter:     b.buildFilter(),
		Projection: b.proj,
		OnError:    onError,
	})
}

// buildFilter assembles a filter document. Field conditions and AnyOf arms
// are combined with "$and"; plain keys never mix with combinators in the
// same document.
func (b *QueryBuilder) buildFilter() map[string]any {
	if b.rawFilter != nil {
		return b.rawFilter
	}
	var disjunction map[string]any
	if len(b.anyOf) > 0 {
		arms := make([]any, len(b.anyOf))
		for i, a := range b.anyOf {
			arms[i] = a
		}
		disjunction = map[string]any{"$or": arms}
	}
	switch {
	case len(b.fields) > 0 && disjunction != nil:
		return map[string]any{"$and": []any{b.fields, disjunction}}
	case disjunction != nil:
		return disjunction
	default:
		return b.fields
	}
}

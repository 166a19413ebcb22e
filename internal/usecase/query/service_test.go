package query

import (
	"context"
	"errors"
	"testing"

	"github.com/liveq-db/liveq/internal/cache"
	"github.com/liveq-db/liveq/internal/collection/memory"
	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/filter"
	"github.com/liveq-db/liveq/internal/domain/projection"
	"github.com/liveq-db/liveq/internal/domain/record"
)

func ctx() context.Context { return context.Background() }

func newService(t *testing.T) (*Service, *memory.Collection) {
	t.Helper()
	coll := memory.New("todos")
	return New(coll, cache.New(16), nil), coll
}

func seedTodos(t *testing.T, s *Service) {
	t.Helper()
	_, err := s.AddMany(ctx(), []map[string]any{
		{"title": "a", "pri": "high", "done": false},
		{"title": "b", "pri": "low", "done": true},
	})
	if err != nil {
		t.Fatalf("AddMany: %v", err)
	}
}

func q(t *testing.T, filterSpec, projSpec map[string]any) Query {
	t.Helper()
	f, err := filter.Parse(filterSpec)
	if err != nil {
		t.Fatalf("filter.Parse: %v", err)
	}
	p, err := projection.Parse(projSpec)
	if err != nil {
		t.Fatalf("projection.Parse: %v", err)
	}
	return Query{Filter: f, Projection: p}
}

// The literal scenario: filter {pri:high, done:false} over the two seeded
// records returns exactly the first one.
func TestFindMany_HighPriorityScenario(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)

	results, err := s.FindMany(ctx(), q(t, map[string]any{"pri": "high", "done": false}, nil))
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1", len(results))
	}
	if results[0].Key != 1 || results[0].Payload["title"] != "a" {
		t.Errorf("result = %+v", results[0])
	}
}

func TestFindMany_DisjunctionScenario(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)

	spec := map[string]any{"$or": []any{
		map[string]any{"done": false},
		map[string]any{"pri": "high"},
	}}
	results, err := s.FindMany(ctx(), q(t, spec, nil))
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(results) != 1 || results[0].Key != 1 {
		t.Errorf("results = %+v, want only record 1", results)
	}
}

func TestFindMany_ReferenceStableAcrossCalls(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)
	query := q(t, map[string]any{"done": false}, nil)

	first, err := s.FindMany(ctx(), query)
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	second, err := s.FindMany(ctx(), query)
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(first) == 0 || &first[0] != &second[0] {
		t.Error("unchanged content should return the cached slice reference")
	}
}

func TestFindMany_NewReferenceAfterChange(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)
	query := q(t, map[string]any{"pri": "high"}, nil)

	first, _ := s.FindMany(ctx(), query)
	if err := s.Update(ctx(), first[0].Key, map[string]any{"title": "a2", "pri": "high", "done": false}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	second, _ := s.FindMany(ctx(), query)
	if len(first) > 0 && len(second) > 0 && &first[0] == &second[0] {
		t.Error("changed content must produce a fresh slice")
	}
	if second[0].Payload["title"] != "a2" {
		t.Errorf("payload = %v", second[0].Payload)
	}
}

func TestFindMany_DistinctFiltersShareNoEntries(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)

	byDone, _ := s.FindMany(ctx(), q(t, map[string]any{"done": true}, nil))
	byPri, _ := s.FindMany(ctx(), q(t, map[string]any{"pri": "low"}, nil))

	// Same underlying record set, different queries: results are independent.
	if len(byDone) != 1 || len(byPri) != 1 {
		t.Fatalf("lens = %d, %d", len(byDone), len(byPri))
	}
	if &byDone[0] == &byPri[0] {
		t.Error("distinct queries must not share cache entries")
	}
}

func TestFindMany_AppliesProjection(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)

	results, err := s.FindMany(ctx(),
		q(t, map[string]any{"pri": "high"}, map[string]any{"title": true}))
	if err != nil {
		t.Fatalf("FindMany: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d", len(results))
	}
	if _, ok := results[0].Payload["pri"]; ok {
		t.Error("projection should have dropped pri")
	}
	if results[0].Payload["title"] != "a" {
		t.Errorf("payload = %v", results[0].Payload)
	}
}

func TestFindFirstAndLast(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.AddMany(ctx(), []map[string]any{
		{"kind": "x", "n": 1},
		{"kind": "y", "n": 2},
		{"kind": "x", "n": 3},
	}); err != nil {
		t.Fatalf("AddMany: %v", err)
	}

	query := q(t, map[string]any{"kind": "x"}, nil)

	first, ok, err := s.FindFirst(ctx(), query)
	if err != nil || !ok {
		t.Fatalf("FindFirst: ok=%v err=%v", ok, err)
	}
	if first.Payload["n"] != float64(1) && first.Payload["n"] != 1 {
		t.Errorf("first = %+v", first)
	}

	last, ok, err := s.FindLast(ctx(), query)
	if err != nil || !ok {
		t.Fatalf("FindLast: ok=%v err=%v", ok, err)
	}
	if last.Key != 3 {
		t.Errorf("last = %+v", last)
	}

	_, ok, err = s.FindFirst(ctx(), q(t, map[string]any{"kind": "z"}, nil))
	if err != nil {
		t.Fatalf("FindFirst: %v", err)
	}
	if ok {
		t.Error("no record should match")
	}
}

func TestUpdateManyByKey(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)

	updated, err := s.UpdateManyByKey(ctx(), []KeyedChange{
		{Key: 1, Changes: map[string]any{"done": true}},
		{Key: 42, Changes: map[string]any{"done": true}}, // absent, skipped
	})
	if err != nil {
		t.Fatalf("UpdateManyByKey: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}

	rec, err := s.Get(ctx(), 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Payload["done"] != true || rec.Payload["title"] != "a" {
		t.Errorf("payload = %v, want merged changes", rec.Payload)
	}
}

func TestUpdateManyByMatch(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)

	f := filter.MustParse(map[string]any{"done": false})
	updated, err := s.UpdateManyByMatch(ctx(), f, map[string]any{"pri": "low"})
	if err != nil {
		t.Fatalf("UpdateManyByMatch: %v", err)
	}
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}
	rec, _ := s.Get(ctx(), 1)
	if rec.Payload["pri"] != "low" {
		t.Errorf("payload = %v", rec.Payload)
	}
}

func TestDeleteManyWhere(t *testing.T) {
	s, _ := newService(t)
	seedTodos(t, s)

	deleted, err := s.DeleteManyWhere(ctx(), filter.MustParse(map[string]any{"done": true}))
	if err != nil {
		t.Fatalf("DeleteManyWhere: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	left, _ := s.FindMany(ctx(), q(t, nil, nil))
	if len(left) != 1 || left[0].Key != 1 {
		t.Errorf("remaining = %+v", left)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s, _ := newService(t)
	err := s.Update(ctx(), 99, map[string]any{"x": 1})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMergeChanges_DoesNotMutateOriginal(t *testing.T) {
	payload := map[string]any{"a": 1, "nested": map[string]any{"x": 1}}
	merged := mergeChanges(payload, map[string]any{"a": 2})
	if payload["a"] != 1 {
		t.Error("original payload mutated")
	}
	if merged["a"] != 2 {
		t.Errorf("merged = %v", merged)
	}
}

func TestResultsEqual(t *testing.T) {
	a := []record.Record{{Key: 1, Payload: map[string]any{"x": 1}}}
	b := []record.Record{{Key: 1, Payload: map[string]any{"x": float64(1)}}}
	c := []record.Record{{Key: 2, Payload: map[string]any{"x": 1}}}
	if !resultsEqual(a, b) {
		t.Error("numeric width should not break equality")
	}
	if resultsEqual(a, c) {
		t.Error("different keys are not equal")
	}
	if resultsEqual(a, nil) {
		t.Error("different lengths are not equal")
	}
}

// Package query is the reactive query engine: one-shot reads and writes over
// a keyed record collection, plus live subscriptions that re-evaluate on
// every collection change and deliver reference-stable results.
package query

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/liveq-db/liveq/internal/cache"
	"github.com/liveq-db/liveq/internal/canonical"
	"github.com/liveq-db/liveq/internal/collection"
	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/filter"
	"github.com/liveq-db/liveq/internal/domain/projection"
	"github.com/liveq-db/liveq/internal/domain/record"
	"github.com/liveq-db/liveq/internal/metrics"
)

// Query bundles a filter with an optional projection.
type Query struct {
	Filter     filter.Filter
	Projection projection.Projection
}

// KeyedChange addresses a partial update at a record key. Changes are merged
// over the existing payload field by field at the top level.
type KeyedChange struct {
	Key     record.Key
	Changes map[string]any
}

// Service executes queries and writes against one collection. The result
// cache is injected and shared with every other service and subscription on
// the same store instance.
type Service struct {
	coll   Collection
	cache  *cache.ResultCache
	logger *zap.Logger
}

// New creates a query service. A nil logger is replaced with a no-op one.
func New(coll Collection, c *cache.ResultCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{coll: coll, cache: c, logger: logger}
}

// Get returns a record by key.
func (s *Service) Get(ctx context.Context, key record.Key) (record.Record, error) {
	return s.coll.Get(ctx, key)
}

// FindFirst returns the first record (in key order) matching the query.
func (s *Service) FindFirst(ctx context.Context, q Query) (record.Record, bool, error) {
	results, _, err := s.evaluate(ctx, q, false, true)
	if err != nil {
		return record.Record{}, false, err
	}
	if len(results) == 0 {
		return record.Record{}, false, nil
	}
	return results[0], true, nil
}

// FindLast returns the last record (reverse key order) matching the query.
func (s *Service) FindLast(ctx context.Context, q Query) (record.Record, bool, error) {
	results, _, err := s.evaluate(ctx, q, true, true)
	if err != nil {
		return record.Record{}, false, err
	}
	if len(results) == 0 {
		return record.Record{}, false, nil
	}
	return results[0], true, nil
}

// FindMany returns every matching record in key order. When the result is
// structurally identical to the cached one for this query, the cached slice
// is returned as-is, so repeated calls with unchanged data keep reference
// identity.
func (s *Service) FindMany(ctx context.Context, q Query) ([]record.Record, error) {
	results, fps, err := s.evaluate(ctx, q, false, false)
	if err != nil {
		return nil, err
	}
	combined := canonical.Combine(fps)
	key := s.queryKey(q)

	if entry, ok := s.cache.Get(key); ok && entry.Fingerprint == combined {
		if cached, ok := entry.Result.([]record.Record); ok && resultsEqual(cached, results) {
			s.cache.Touch(key)
			return cached, nil
		}
	}
	s.cache.Put(key, combined, results)
	return results, nil
}

// Add inserts one payload.
func (s *Service) Add(ctx context.Context, payload map[string]any) (record.Key, error) {
	return s.coll.Add(ctx, payload)
}

// AddMany inserts payloads in order and returns the last assigned key.
func (s *Service) AddMany(ctx context.Context, payloads []map[string]any) (record.Key, error) {
	return s.coll.BulkAdd(ctx, payloads)
}

// Update replaces the payload at a key.
func (s *Service) Update(ctx context.Context, key record.Key, payload map[string]any) error {
	return s.coll.Update(ctx, key, payload)
}

// UpdateManyByKey applies partial changes to records addressed by key inside
// one transaction. Missing keys are skipped; the count of updated records is
// returned.
func (s *Service) UpdateManyByKey(ctx context.Context, changes []KeyedChange) (int, error) {
	updated := 0
	err := s.coll.Transaction(ctx, collection.TxReadWrite, func(tx Collection) error {
		for _, ch := range changes {
			rec, err := tx.Get(ctx, ch.Key)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
			if err := tx.Update(ctx, ch.Key, mergeChanges(rec.Payload, ch.Changes)); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// UpdateManyByMatch applies partial changes to every record matching the
// filter, inside one transaction. Returns the count of updated records.
func (s *Service) UpdateManyByMatch(ctx context.Context, f filter.Filter, changes map[string]any) (int, error) {
	updated := 0
	err := s.coll.Transaction(ctx, collection.TxReadWrite, func(tx Collection) error {
		records, err := tx.Scan(ctx, false)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if !f.Matches(rec.Payload) {
				continue
			}
			if err := tx.Update(ctx, rec.Key, mergeChanges(rec.Payload, changes)); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// Delete removes one record; absent keys are a no-op.
func (s *Service) Delete(ctx context.Context, key record.Key) error {
	return s.coll.Delete(ctx, key)
}

// DeleteMany removes records by key; absent keys are skipped.
func (s *Service) DeleteMany(ctx context.Context, keys []record.Key) error {
	return s.coll.BulkDelete(ctx, keys)
}

// DeleteManyWhere removes every record matching the filter inside one
// transaction. Returns the count of deleted records.
func (s *Service) DeleteManyWhere(ctx context.Context, f filter.Filter) (int, error) {
	deleted := 0
	err := s.coll.Transaction(ctx, collection.TxReadWrite, func(tx Collection) error {
		records, err := tx.Scan(ctx, false)
		if err != nil {
			return err
		}
		keys := make([]record.Key, 0, len(records))
		for _, rec := range records {
			if f.Matches(rec.Payload) {
				keys = append(keys, rec.Key)
			}
		}
		if err := tx.BulkDelete(ctx, keys); err != nil {
			return err
		}
		deleted = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// evaluate scans the collection, applies the predicate and projection, and
// returns the matching records with their per-item content fingerprints.
func (s *Service) evaluate(ctx context.Context, q Query, reverse, firstOnly bool) ([]record.Record, []string, error) {
	metrics.Evaluations.Inc()
	records, err := s.coll.Scan(ctx, reverse)
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", s.coll.Name(), err)
	}

	results := make([]record.Record, 0, len(records))
	fps := make([]string, 0, len(records))
	for _, rec := range records {
		if !q.Filter.Matches(rec.Payload) {
			continue
		}
		payload := q.Projection.Apply(rec.Payload)
		results = append(results, record.Record{Key: rec.Key, Payload: payload})
		fps = append(fps, itemFingerprint(rec.Key, payload))
		if firstOnly {
			break
		}
	}
	return results, fps, nil
}

// queryKey derives the cache key from collection identity, canonical filter
// and canonical projection.
func (s *Service) queryKey(q Query) string {
	return canonical.Fingerprint(map[string]any{
		"collection": s.coll.Name(),
		"filter":     sourceOrNil(q.Filter.Source()),
		"projection": sourceOrNil(q.Projection.Source()),
	})
}

func sourceOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func itemFingerprint(key record.Key, payload map[string]any) string {
	return canonical.Fingerprint(map[string]any{"key": int64(key), "payload": payload})
}

// resultsEqual is the authoritative structural comparison between two result
// sets; fingerprints alone never suppress a delivery.
func resultsEqual(a, b []record.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !canonical.Equal(a[i].Payload, b[i].Payload) {
			return false
		}
	}
	return true
}

func mergeChanges(payload, changes map[string]any) map[string]any {
	merged := record.ClonePayload(payload)
	if merged == nil {
		merged = make(map[string]any, len(changes))
	}
	for k, v := range changes {
		merged[k] = v
	}
	return merged
}

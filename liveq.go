// Package liveq is a reactive query layer over keyed record collections:
// structured filters, optional projections, one-shot reads and live
// subscriptions whose results stay reference-stable while their content does
// not change.
package liveq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/liveq-db/liveq/internal/cache"
	"github.com/liveq-db/liveq/internal/collection"
	"github.com/liveq-db/liveq/internal/collection/memory"
	redisbackend "github.com/liveq-db/liveq/internal/collection/redis"
	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/filter"
	"github.com/liveq-db/liveq/internal/domain/projection"
	"github.com/liveq-db/liveq/internal/domain/record"
	"github.com/liveq-db/liveq/internal/usecase/query"
)

// Public error classes. Wrapped errors match via errors.Is.
var (
	ErrNotFound          = domain.ErrNotFound
	ErrInvalidFilter     = domain.ErrInvalidFilter
	ErrInvalidProjection = domain.ErrInvalidProjection
	ErrStorage           = domain.ErrStorage
)

// Record is a stored entity: a collection-assigned immutable ID and a
// JSON-shaped payload.
type Record struct {
	ID   int64          `json:"id"`
	Data map[string]any `json:"data"`
}

// Change addresses a partial update at a record ID.
type Change struct {
	ID      int64          `json:"id"`
	Changes map[string]any `json:"changes"`
}

// RedisConfig selects the Redis-backed collection driver.
type RedisConfig struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

const defaultReadinessTimeout = 10 * time.Second

type options struct {
	redis            *RedisConfig
	cacheCapacity    int
	logger           *zap.Logger
	readinessTimeout time.Duration
}

// Option configures Open.
type Option func(*options)

// WithRedis backs all tables with Redis instead of process memory. Changes
// then propagate between every process attached to the same database.
func WithRedis(cfg RedisConfig) Option {
	return func(o *options) { o.redis = &cfg }
}

// WithCacheCapacity bounds the shared result cache.
func WithCacheCapacity(n int) Option {
	return func(o *options) { o.cacheCapacity = n }
}

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReadinessTimeout bounds how long Open waits for the backend to accept
// commands. Only meaningful with WithRedis.
func WithReadinessTimeout(d time.Duration) Option {
	return func(o *options) { o.readinessTimeout = d }
}

// Store is a set of named tables sharing one result cache and one backend.
type Store struct {
	logger *zap.Logger
	cache  *cache.ResultCache

	newCollection func(name string) collection.Collection
	closeBackend  func()

	mu     sync.Mutex
	tables map[string]*Table
}

// Open creates a store. Without options it is fully in-process.
func Open(opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		logger: logger,
		cache:  cache.New(o.cacheCapacity),
		tables: make(map[string]*Table),
	}

	if o.redis != nil {
		backend, err := redisbackend.NewStore(redisbackend.Config{
			Addrs:     o.redis.Addrs,
			Username:  o.redis.Username,
			Password:  o.redis.Password,
			DB:        o.redis.DB,
			KeyPrefix: o.redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis backend: %w", err)
		}
		timeout := o.readinessTimeout
		if timeout <= 0 {
			timeout = defaultReadinessTimeout
		}
		if err := backend.WaitForReady(context.Background(), timeout); err != nil {
			backend.Close()
			return nil, err
		}
		s.newCollection = func(name string) collection.Collection { return backend.Collection(name) }
		s.closeBackend = backend.Close
	} else {
		s.newCollection = func(name string) collection.Collection { return memory.New(name) }
	}

	return s, nil
}

// Table returns the named table, creating it on first use.
func (s *Store) Table(name string) *Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[name]; ok {
		return t
	}
	t := &Table{
		name: name,
		svc:  query.New(s.newCollection(name), s.cache, s.logger),
	}
	s.tables[name] = t
	return t
}

// Close releases the backend connection, if any. Active subscriptions should
// be unsubscribed first.
func (s *Store) Close() {
	if s.closeBackend != nil {
		s.closeBackend()
	}
}

// Table is the query and write surface of one collection.
type Table struct {
	name string
	svc  *query.Service
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Get returns a record by ID.
func (t *Table) Get(ctx context.Context, id int64) (Record, error) {
	rec, err := t.svc.Get(ctx, record.Key(id))
	if err != nil {
		return Record{}, err
	}
	return toRecord(rec), nil
}

// Add inserts a payload and returns the assigned ID.
func (t *Table) Add(ctx context.Context, data map[string]any) (int64, error) {
	key, err := t.svc.Add(ctx, data)
	return int64(key), err
}

// AddMany inserts payloads in order and returns the last assigned ID.
func (t *Table) AddMany(ctx context.Context, data []map[string]any) (int64, error) {
	key, err := t.svc.AddMany(ctx, data)
	return int64(key), err
}

// Update replaces the payload at an ID; ErrNotFound when absent.
func (t *Table) Update(ctx context.Context, id int64, data map[string]any) error {
	return t.svc.Update(ctx, record.Key(id), data)
}

// UpdateManyByKey merges partial changes into records addressed by ID inside
// one transaction; absent IDs are skipped. Returns the updated count.
func (t *Table) UpdateManyByKey(ctx context.Context, changes []Change) (int, error) {
	kc := make([]query.KeyedChange, len(changes))
	for i, c := range changes {
		kc[i] = query.KeyedChange{Key: record.Key(c.ID), Changes: c.Changes}
	}
	return t.svc.UpdateManyByKey(ctx, kc)
}

// UpdateManyByMatch merges partial changes into every record matching the
// filter. Returns the updated count.
func (t *Table) UpdateManyByMatch(ctx context.Context, filterSpec, changes map[string]any) (int, error) {
	f, err := filter.Parse(filterSpec)
	if err != nil {
		return 0, err
	}
	return t.svc.UpdateManyByMatch(ctx, f, changes)
}

// Delete removes a record; absent IDs are a no-op.
func (t *Table) Delete(ctx context.Context, id int64) error {
	return t.svc.Delete(ctx, record.Key(id))
}

// DeleteMany removes records by ID; absent IDs are skipped.
func (t *Table) DeleteMany(ctx context.Context, ids []int64) error {
	keys := make([]record.Key, len(ids))
	for i, id := range ids {
		keys[i] = record.Key(id)
	}
	return t.svc.DeleteMany(ctx, keys)
}

// DeleteManyWhere removes every record matching the filter. Returns the
// deleted count.
func (t *Table) DeleteManyWhere(ctx context.Context, filterSpec map[string]any) (int, error) {
	f, err := filter.Parse(filterSpec)
	if err != nil {
		return 0, err
	}
	return t.svc.DeleteManyWhere(ctx, f)
}

// FindFirst returns the first record (in ID order) matching the filter.
func (t *Table) FindFirst(ctx context.Context, filterSpec, projSpec map[string]any) (Record, bool, error) {
	q, err := parseQuery(filterSpec, projSpec)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok, err := t.svc.FindFirst(ctx, q)
	if err != nil || !ok {
		return Record{}, ok, err
	}
	return toRecord(rec), true, nil
}

// FindLast returns the last record (reverse ID order) matching the filter.
func (t *Table) FindLast(ctx context.Context, filterSpec, projSpec map[string]any) (Record, bool, error) {
	q, err := parseQuery(filterSpec, projSpec)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok, err := t.svc.FindLast(ctx, q)
	if err != nil || !ok {
		return Record{}, ok, err
	}
	return toRecord(rec), true, nil
}

// FindMany returns every matching record in ID order. Result payloads may be
// shared with the result cache and with other callers; treat them as
// read-only.
func (t *Table) FindMany(ctx context.Context, filterSpec, projSpec map[string]any) ([]Record, error) {
	q, err := parseQuery(filterSpec, projSpec)
	if err != nil {
		return nil, err
	}
	results, err := t.svc.FindMany(ctx, q)
	if err != nil {
		return nil, err
	}
	return toRecords(results), nil
}

// Query starts a fluent query against the table.
func (t *Table) Query() *QueryBuilder {
	return &QueryBuilder{table: t}
}

func parseQuery(filterSpec, projSpec map[string]any) (query.Query, error) {
	f, err := filter.Parse(filterSpec)
	if err != nil {
		return query.Query{}, err
	}
	p, err := projection.Parse(projSpec)
	if err != nil {
		return query.Query{}, err
	}
	return query.Query{Filter: f, Projection: p}, nil
}

func toRecord(r record.Record) Record {
	return Record{ID: int64(r.Key), Data: r.Payload}
}

func toRecords(rs []record.Record) []Record {
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = toRecord(r)
	}
	return out
}

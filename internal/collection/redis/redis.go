// Package redis backs a collection with Redis via rueidis. Records live as
// JSON strings, key order is kept in a sorted set, the key sequence in a
// counter, and change notifications propagate over pub/sub — which is what
// lets several open instances of the consuming application observe each
// other's mutations.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/liveq-db/liveq/internal/collection"
	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/record"
)

// advanceSeqScript bumps the key sequence to at least ARGV[1].
const advanceSeqScript = `local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > c then redis.call('SET', KEYS[1], ARGV[1]) end
return 0`

// Config holds connection parameters for a Redis-backed store.
type Config struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store owns the rueidis client shared by all collections.
type Store struct {
	client rueidis.Client
	prefix string
}

// NewStore connects to Redis via rueidis.
func NewStore(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "liveq:"
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return domain.NewStorageError("PING", err)
	}
	return nil
}

// Close shuts down the client.
func (s *Store) Close() {
	s.client.Close()
}

// WaitForReady polls Ping until the store responds or the timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for redis: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

// Collection returns a named collection handle.
func (s *Store) Collection(name string) *Collection {
	return &Collection{store: s, name: name}
}

// Compile-time check: Collection implements collection.Collection.
var _ collection.Collection = (*Collection)(nil)

// Collection is one named keyed record collection in Redis.
type Collection struct {
	store *Store
	name  string
}

// Name identifies the collection.
func (c *Collection) Name() string { return c.name }

func (c *Collection) seqKey() string  { return c.store.prefix + c.name + ":seq" }
func (c *Collection) keysKey() string { return c.store.prefix + c.name + ":keys" }
func (c *Collection) channel() string { return c.store.prefix + c.name + ":events" }
func (c *Collection) recKey(k record.Key) string {
	return c.store.prefix + c.name + ":rec:" + strconv.FormatInt(int64(k), 10)
}

// Get returns a record by key.
func (c *Collection) Get(ctx context.Context, key record.Key) (record.Record, error) {
	cl := c.store.client
	raw, err := cl.Do(ctx, cl.B().Get().Key(c.recKey(key)).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return record.Record{}, fmt.Errorf("key %d: %w", key, domain.ErrNotFound)
		}
		return record.Record{}, domain.NewStorageError("GET", err)
	}
	return decodeRecord(key, raw)
}

// Add inserts a payload and returns the assigned key.
func (c *Collection) Add(ctx context.Context, payload map[string]any) (record.Key, error) {
	key, err := c.nextKey(ctx)
	if err != nil {
		return 0, err
	}
	if err := c.putRecord(ctx, key, payload); err != nil {
		return 0, err
	}
	c.publish(ctx, collection.OpAdd, key)
	return key, nil
}

// BulkAdd inserts payloads in order and returns the last assigned key.
func (c *Collection) BulkAdd(ctx context.Context, payloads []map[string]any) (record.Key, error) {
	var last record.Key
	for _, p := range payloads {
		key, err := c.nextKey(ctx)
		if err != nil {
			return 0, err
		}
		if err := c.putRecord(ctx, key, p); err != nil {
			return 0, err
		}
		last = key
	}
	if len(payloads) > 0 {
		c.publish(ctx, collection.OpBulk, 0)
	}
	return last, nil
}

// BulkGet returns the records for the given keys; missing keys are skipped.
func (c *Collection) BulkGet(ctx context.Context, keys []record.Key) ([]record.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	recKeys := make([]string, len(keys))
	for i, k := range keys {
		recKeys[i] = c.recKey(k)
	}
	cl := c.store.client
	values, err := cl.Do(ctx, cl.B().Mget().Key(recKeys...).Build()).ToArray()
	if err != nil {
		return nil, domain.NewStorageError("MGET", err)
	}
	out := make([]record.Record, 0, len(keys))
	for i, msg := range values {
		raw, err := msg.AsBytes()
		if err != nil {
			continue // nil reply: key absent
		}
		rec, err := decodeRecord(keys[i], raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update replaces the payload of an existing record (SET XX).
func (c *Collection) Update(ctx context.Context, key record.Key, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.NewStorageError("SET", err)
	}
	cl := c.store.client
	err = cl.Do(ctx, cl.B().Set().Key(c.recKey(key)).Value(string(data)).Xx().Build()).Error()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return fmt.Errorf("key %d: %w", key, domain.ErrNotFound)
		}
		return domain.NewStorageError("SET", err)
	}
	c.publish(ctx, collection.OpUpdate, key)
	return nil
}

// BulkPut upserts records at their explicit keys and advances the key
// sequence past the largest one.
func (c *Collection) BulkPut(ctx context.Context, records []record.Record) error {
	var maxKey record.Key
	for _, r := range records {
		if err := c.putRecord(ctx, r.Key, r.Payload); err != nil {
			return err
		}
		if r.Key > maxKey {
			maxKey = r.Key
		}
	}
	if maxKey > 0 {
		cl := c.store.client
		cmd := cl.B().Eval().Script(advanceSeqScript).Numkeys(1).Key(c.seqKey()).
			Arg(strconv.FormatInt(int64(maxKey), 10)).Build()
		if err := cl.Do(ctx, cmd).Error(); err != nil {
			return domain.NewStorageError("EVAL", err)
		}
	}
	if len(records) > 0 {
		c.publish(ctx, collection.OpBulk, 0)
	}
	return nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (c *Collection) Delete(ctx context.Context, key record.Key) error {
	cl := c.store.client
	results := cl.DoMulti(ctx,
		cl.B().Del().Key(c.recKey(key)).Build(),
		cl.B().Zrem().Key(c.keysKey()).Member(strconv.FormatInt(int64(key), 10)).Build(),
	)
	removed, err := results[0].AsInt64()
	if err != nil {
		return domain.NewStorageError("DEL", err)
	}
	if err := results[1].Error(); err != nil {
		return domain.NewStorageError("ZREM", err)
	}
	if removed > 0 {
		c.publish(ctx, collection.OpDelete, key)
	}
	return nil
}

// BulkDelete removes records; absent keys are skipped.
func (c *Collection) BulkDelete(ctx context.Context, keys []record.Key) error {
	if len(keys) == 0 {
		return nil
	}
	recKeys := make([]string, len(keys))
	members := make([]string, len(keys))
	for i, k := range keys {
		recKeys[i] = c.recKey(k)
		members[i] = strconv.FormatInt(int64(k), 10)
	}
	cl := c.store.client
	results := cl.DoMulti(ctx,
		cl.B().Del().Key(recKeys...).Build(),
		cl.B().Zrem().Key(c.keysKey()).Member(members...).Build(),
	)
	removed, err := results[0].AsInt64()
	if err != nil {
		return domain.NewStorageError("DEL", err)
	}
	if err := results[1].Error(); err != nil {
		return domain.NewStorageError("ZREM", err)
	}
	if removed > 0 {
		c.publish(ctx, collection.OpBulk, 0)
	}
	return nil
}

// Scan returns all records in key order, or reversed.
func (c *Collection) Scan(ctx context.Context, reverse bool) ([]record.Record, error) {
	cl := c.store.client
	var cmd rueidis.Completed
	if reverse {
		cmd = cl.B().Zrange().Key(c.keysKey()).Min("0").Max("-1").Rev().Build()
	} else {
		cmd = cl.B().Zrange().Key(c.keysKey()).Min("0").Max("-1").Build()
	}
	members, err := cl.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, domain.NewStorageError("ZRANGE", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]record.Key, len(members))
	for i, m := range members {
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, domain.NewStorageError("ZRANGE", fmt.Errorf("bad member %q: %w", m, err))
		}
		keys[i] = record.Key(n)
	}
	return c.BulkGet(ctx, keys)
}

// Transaction runs the work function against the collection. Redis provides
// no cross-call isolation here; the grouping is of notifications only:
// watchers see a single bulk event after the work completes.
func (c *Collection) Transaction(ctx context.Context, mode collection.TxMode, work func(collection.Collection) error) error {
	tx := &txCollection{Collection: c, readOnly: mode == collection.TxReadOnly}
	if err := work(tx); err != nil {
		return err
	}
	if tx.mutated {
		c.publish(ctx, collection.OpBulk, 0)
	}
	return nil
}

// Watch subscribes to the collection's pub/sub channel. The goroutine owns
// the channel and closes it when the subscription ends.
func (c *Collection) Watch(ctx context.Context) (<-chan collection.Event, func(), error) {
	ch := make(chan collection.Event, 4)
	subCtx, cancel := context.WithCancel(ctx)

	cl := c.store.client
	go func() {
		defer close(ch)
		_ = cl.Receive(subCtx, cl.B().Subscribe().Channel(c.channel()).Build(), func(m rueidis.PubSubMessage) {
			select {
			case ch <- parseEvent(m.Message):
			default:
				// Buffer full: a pending notification already forces a re-read.
			}
		})
	}()

	return ch, cancel, nil
}

func (c *Collection) nextKey(ctx context.Context) (record.Key, error) {
	cl := c.store.client
	n, err := cl.Do(ctx, cl.B().Incr().Key(c.seqKey()).Build()).AsInt64()
	if err != nil {
		return 0, domain.NewStorageError("INCR", err)
	}
	return record.Key(n), nil
}

func (c *Collection) putRecord(ctx context.Context, key record.Key, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.NewStorageError("SET", err)
	}
	member := strconv.FormatInt(int64(key), 10)
	cl := c.store.client
	results := cl.DoMulti(ctx,
		cl.B().Set().Key(c.recKey(key)).Value(string(data)).Build(),
		cl.B().Zadd().Key(c.keysKey()).ScoreMember().ScoreMember(float64(key), member).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return domain.NewStorageError("SET", err)
		}
	}
	return nil
}

func (c *Collection) publish(ctx context.Context, op collection.Op, key record.Key) {
	msg := string(op) + ":" + strconv.FormatInt(int64(key), 10)
	cl := c.store.client
	// Delivery failures are not surfaced: subscribers in this process run off
	// the same stream and will see the next event; a lost remote event is
	// repaired by the next mutation's notification.
	_ = cl.Do(ctx, cl.B().Publish().Channel(c.channel()).Message(msg).Build()).Error()
}

func decodeRecord(key record.Key, raw []byte) (record.Record, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return record.Record{}, domain.NewStorageError("GET", fmt.Errorf("decode record %d: %w", key, err))
	}
	return record.Record{Key: key, Payload: payload}, nil
}

func parseEvent(msg string) collection.Event {
	opStr, keyStr, ok := strings.Cut(msg, ":")
	ev := collection.Event{Op: collection.Op(opStr)}
	if ok {
		if n, err := strconv.ParseInt(keyStr, 10, 64); err == nil {
			ev.Key = record.Key(n)
		}
	}
	return ev
}

// txCollection suppresses per-operation notifications inside a transaction
// and rejects writes in read-only mode.
type txCollection struct {
	*Collection
	readOnly bool
	mutated  bool
}

func (t *txCollection) Add(ctx context.Context, payload map[string]any) (record.Key, error) {
	if err := t.writable("add"); err != nil {
		return 0, err
	}
	key, err := t.Collection.nextKey(ctx)
	if err != nil {
		return 0, err
	}
	if err := t.Collection.putRecord(ctx, key, payload); err != nil {
		return 0, err
	}
	t.mutated = true
	return key, nil
}

func (t *txCollection) BulkAdd(ctx context.Context, payloads []map[string]any) (record.Key, error) {
	if err := t.writable("bulkAdd"); err != nil {
		return 0, err
	}
	var last record.Key
	for _, p := range payloads {
		key, err := t.Add(ctx, p)
		if err != nil {
			return 0, err
		}
		last = key
	}
	return last, nil
}

func (t *txCollection) Update(ctx context.Context, key record.Key, payload map[string]any) error {
	if err := t.writable("update"); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.NewStorageError("SET", err)
	}
	cl := t.store.client
	err = cl.Do(ctx, cl.B().Set().Key(t.recKey(key)).Value(string(data)).Xx().Build()).Error()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return fmt.Errorf("key %d: %w", key, domain.ErrNotFound)
		}
		return domain.NewStorageError("SET", err)
	}
	t.mutated = true
	return nil
}

func (t *txCollection) BulkPut(ctx context.Context, records []record.Record) error {
	if err := t.writable("bulkPut"); err != nil {
		return err
	}
	for _, r := range records {
		if err := t.Collection.putRecord(ctx, r.Key, r.Payload); err != nil {
			return err
		}
	}
	t.mutated = len(records) > 0 || t.mutated
	return nil
}

func (t *txCollection) Delete(ctx context.Context, key record.Key) error {
	if err := t.writable("delete"); err != nil {
		return err
	}
	cl := t.store.client
	results := cl.DoMulti(ctx,
		cl.B().Del().Key(t.recKey(key)).Build(),
		cl.B().Zrem().Key(t.keysKey()).Member(strconv.FormatInt(int64(key), 10)).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return domain.NewStorageError("DEL", err)
		}
	}
	t.mutated = true
	return nil
}

func (t *txCollection) BulkDelete(ctx context.Context, keys []record.Key) error {
	if err := t.writable("bulkDelete"); err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (t *txCollection) Transaction(_ context.Context, _ collection.TxMode, work func(collection.Collection) error) error {
	// Nested transactions join the enclosing one.
	return work(t)
}

func (t *txCollection) Watch(context.Context) (<-chan collection.Event, func(), error) {
	return nil, nil, fmt.Errorf("watch inside a transaction: %w", domain.ErrStorage)
}

func (t *txCollection) writable(op string) error {
	if t.readOnly {
		return domain.NewStorageError(op, fmt.Errorf("write in read-only transaction"))
	}
	return nil
}

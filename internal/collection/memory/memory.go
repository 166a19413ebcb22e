// Package memory is the in-process collection backend: auto-incrementing
// keys, key-ordered scans and watcher fan-out. It is the default backend and
// the one the test suite runs against.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/liveq-db/liveq/internal/collection"
	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/record"
)

// watchBuffer bounds each watcher channel. A full buffer already holds an
// undelivered notification, so further events coalesce into it.
const watchBuffer = 4

// Compile-time check: Collection implements collection.Collection.
var _ collection.Collection = (*Collection)(nil)

// Collection is an in-memory keyed record collection.
type Collection struct {
	name string

	mu   sync.Mutex
	seq  record.Key
	keys []record.Key // ascending
	recs map[record.Key]record.Record

	watchMu     sync.Mutex
	watchers    map[uint64]chan collection.Event
	nextWatcher uint64
}

// New creates an empty collection.
func New(name string) *Collection {
	return &Collection{
		name:     name,
		recs:     make(map[record.Key]record.Record),
		watchers: make(map[uint64]chan collection.Event),
	}
}

// Name identifies the collection.
func (c *Collection) Name() string { return c.name }

// Get returns a record by key.
func (c *Collection) Get(_ context.Context, key record.Key) (record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Collection) getLocked(key record.Key) (record.Record, error) {
	r, ok := c.recs[key]
	if !ok {
		return record.Record{}, fmt.Errorf("key %d: %w", key, domain.ErrNotFound)
	}
	return r.Clone(), nil
}

// Add inserts a payload and returns the assigned key.
func (c *Collection) Add(_ context.Context, payload map[string]any) (record.Key, error) {
	c.mu.Lock()
	key := c.addLocked(payload)
	c.mu.Unlock()
	c.notify(collection.Event{Op: collection.OpAdd, Key: key})
	return key, nil
}

func (c *Collection) addLocked(payload map[string]any) record.Key {
	c.seq++
	key := c.seq
	c.recs[key] = record.New(key, payload)
	c.keys = append(c.keys, key)
	return key
}

// BulkAdd inserts payloads in order and returns the last assigned key.
func (c *Collection) BulkAdd(_ context.Context, payloads []map[string]any) (record.Key, error) {
	c.mu.Lock()
	var last record.Key
	for _, p := range payloads {
		last = c.addLocked(p)
	}
	c.mu.Unlock()
	if len(payloads) > 0 {
		c.notify(collection.Event{Op: collection.OpBulk})
	}
	return last, nil
}

// BulkGet returns the records for the given keys; missing keys are skipped.
func (c *Collection) BulkGet(_ context.Context, keys []record.Key) ([]record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := c.recs[k]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Update replaces the payload of an existing record.
func (c *Collection) Update(_ context.Context, key record.Key, payload map[string]any) error {
	c.mu.Lock()
	err := c.updateLocked(key, payload)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(collection.Event{Op: collection.OpUpdate, Key: key})
	return nil
}

func (c *Collection) updateLocked(key record.Key, payload map[string]any) error {
	if _, ok := c.recs[key]; !ok {
		return fmt.Errorf("key %d: %w", key, domain.ErrNotFound)
	}
	c.recs[key] = record.New(key, payload)
	return nil
}

// BulkPut upserts records at their explicit keys, advancing the key sequence
// past the largest seen key.
func (c *Collection) BulkPut(_ context.Context, records []record.Record) error {
	c.mu.Lock()
	for _, r := range records {
		if _, ok := c.recs[r.Key]; !ok {
			c.keys = insertSorted(c.keys, r.Key)
			if r.Key > c.seq {
				c.seq = r.Key
			}
		}
		c.recs[r.Key] = r.Clone()
	}
	c.mu.Unlock()
	if len(records) > 0 {
		c.notify(collection.Event{Op: collection.OpBulk})
	}
	return nil
}

// Delete removes a record. Deleting an absent key is a no-op.
func (c *Collection) Delete(_ context.Context, key record.Key) error {
	c.mu.Lock()
	deleted := c.deleteLocked(key)
	c.mu.Unlock()
	if deleted {
		c.notify(collection.Event{Op: collection.OpDelete, Key: key})
	}
	return nil
}

func (c *Collection) deleteLocked(key record.Key) bool {
	if _, ok := c.recs[key]; !ok {
		return false
	}
	delete(c.recs, key)
	for i, k := range c.keys {
		if k == key {
			c.keys = append(c.keys[:i], c.keys[i+1:]...)
			break
		}
	}
	return true
}

// BulkDelete removes records; absent keys are skipped.
func (c *Collection) BulkDelete(_ context.Context, keys []record.Key) error {
	c.mu.Lock()
	deleted := false
	for _, k := range keys {
		if c.deleteLocked(k) {
			deleted = true
		}
	}
	c.mu.Unlock()
	if deleted {
		c.notify(collection.Event{Op: collection.OpBulk})
	}
	return nil
}

// Scan returns all records in key order, or reversed.
func (c *Collection) Scan(_ context.Context, reverse bool) ([]record.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.Record, 0, len(c.keys))
	if reverse {
		for i := len(c.keys) - 1; i >= 0; i-- {
			out = append(out, c.recs[c.keys[i]].Clone())
		}
	} else {
		for _, k := range c.keys {
			out = append(out, c.recs[k].Clone())
		}
	}
	return out, nil
}

// Transaction runs work while holding the collection lock. Notifications for
// mutations made inside the transaction fire once, after the work returns.
// Read-only transactions reject writes.
func (c *Collection) Transaction(_ context.Context, mode collection.TxMode, work func(collection.Collection) error) error {
	c.mu.Lock()
	tx := &txView{c: c, readOnly: mode == collection.TxReadOnly}
	err := work(tx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if tx.mutated {
		c.notify(collection.Event{Op: collection.OpBulk})
	}
	return nil
}

// Watch registers a change-notification channel. The stop function is
// idempotent; cancelling ctx also stops the watch.
func (c *Collection) Watch(ctx context.Context) (<-chan collection.Event, func(), error) {
	ch := make(chan collection.Event, watchBuffer)

	c.watchMu.Lock()
	id := c.nextWatcher
	c.nextWatcher++
	c.watchers[id] = ch
	c.watchMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			close(ch)
			c.watchMu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	return ch, stop, nil
}

func (c *Collection) notify(ev collection.Event) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		select {
		case ch <- ev:
		default:
			// Buffer full: a pending notification already forces a re-read.
		}
	}
}

func insertSorted(keys []record.Key, k record.Key) []record.Key {
	i := 0
	for ; i < len(keys) && keys[i] < k; i++ {
	}
	keys = append(keys, 0)
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	return keys
}

// txView exposes the collection inside a transaction with the lock already
// held. Watchers are notified by the owner after commit.
type txView struct {
	c        *Collection
	readOnly bool
	mutated  bool
}

var _ collection.Collection = (*txView)(nil)

func (t *txView) Name() string { return t.c.name }

func (t *txView) Get(_ context.Context, key record.Key) (record.Record, error) {
	return t.c.getLocked(key)
}

func (t *txView) Add(_ context.Context, payload map[string]any) (record.Key, error) {
	if err := t.writable("add"); err != nil {
		return 0, err
	}
	t.mutated = true
	return t.c.addLocked(payload), nil
}

func (t *txView) BulkAdd(_ context.Context, payloads []map[string]any) (record.Key, error) {
	if err := t.writable("bulkAdd"); err != nil {
		return 0, err
	}
	var last record.Key
	for _, p := range payloads {
		last = t.c.addLocked(p)
		t.mutated = true
	}
	return last, nil
}

func (t *txView) BulkGet(_ context.Context, keys []record.Key) ([]record.Record, error) {
	out := make([]record.Record, 0, len(keys))
	for _, k := range keys {
		if r, ok := t.c.recs[k]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (t *txView) Update(_ context.Context, key record.Key, payload map[string]any) error {
	if err := t.writable("update"); err != nil {
		return err
	}
	if err := t.c.updateLocked(key, payload); err != nil {
		return err
	}
	t.mutated = true
	return nil
}

func (t *txView) BulkPut(_ context.Context, records []record.Record) error {
	if err := t.writable("bulkPut"); err != nil {
		return err
	}
	for _, r := range records {
		if _, ok := t.c.recs[r.Key]; !ok {
			t.c.keys = insertSorted(t.c.keys, r.Key)
			if r.Key > t.c.seq {
				t.c.seq = r.Key
			}
		}
		t.c.recs[r.Key] = r.Clone()
		t.mutated = true
	}
	return nil
}

func (t *txView) Delete(_ context.Context, key record.Key) error {
	if err := t.writable("delete"); err != nil {
		return err
	}
	if t.c.deleteLocked(key) {
		t.mutated = true
	}
	return nil
}

func (t *txView) BulkDelete(_ context.Context, keys []record.Key) error {
	if err := t.writable("bulkDelete"); err != nil {
		return err
	}
	for _, k := range keys {
		if t.c.deleteLocked(k) {
			t.mutated = true
		}
	}
	return nil
}

func (t *txView) Scan(_ context.Context, reverse bool) ([]record.Record, error) {
	out := make([]record.Record, 0, len(t.c.keys))
	if reverse {
		for i := len(t.c.keys) - 1; i >= 0; i-- {
			out = append(out, t.c.recs[t.c.keys[i]].Clone())
		}
	} else {
		for _, k := range t.c.keys {
			out = append(out, t.c.recs[k].Clone())
		}
	}
	return out, nil
}

func (t *txView) Transaction(_ context.Context, _ collection.TxMode, work func(collection.Collection) error) error {
	// Nested transactions join the enclosing one.
	return work(t)
}

func (t *txView) Watch(context.Context) (<-chan collection.Event, func(), error) {
	return nil, nil, fmt.Errorf("watch inside a transaction: %w", domain.ErrStorage)
}

func (t *txView) writable(op string) error {
	if t.readOnly {
		return domain.NewStorageError(op, fmt.Errorf("write in read-only transaction"))
	}
	return nil
}

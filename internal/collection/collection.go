// Package collection defines the contract of the external keyed record
// collection the query engine runs against: an ordered set of records with
// auto-incrementing keys, bulk variants, transactional grouping and a
// change-notification stream.
package collection

import (
	"context"

	"github.com/liveq-db/liveq/internal/domain/record"
)

// Op names a mutation kind carried by a change notification.
type Op string

// Mutation kinds.
const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpBulk   Op = "bulk"
)

// Event is a change notification. It carries no relevance information:
// subscribers must always re-evaluate their full query. Key is 0 when the
// originating record is unknown (bulk mutations, other processes).
type Event struct {
	Op  Op
	Key record.Key
}

// TxMode selects the transactional grouping mode.
type TxMode string

// Transaction modes.
const (
	TxReadOnly  TxMode = "r"
	TxReadWrite TxMode = "rw"
)

// Collection is the persistence collaborator. Implementations assign keys on
// insert and emit a notification on every mutation, including mutations made
// by other open instances of the consuming process where the backend supports
// cross-process propagation.
type Collection interface {
	// Name identifies the collection; part of every query fingerprint.
	Name() string

	Get(ctx context.Context, key record.Key) (record.Record, error)
	Add(ctx context.Context, payload map[string]any) (record.Key, error)
	// BulkAdd inserts payloads in order and returns the last assigned key.
	BulkAdd(ctx context.Context, payloads []map[string]any) (record.Key, error)
	BulkGet(ctx context.Context, keys []record.Key) ([]record.Record, error)
	Update(ctx context.Context, key record.Key, payload map[string]any) error
	BulkPut(ctx context.Context, records []record.Record) error
	Delete(ctx context.Context, key record.Key) error
	BulkDelete(ctx context.Context, keys []record.Key) error
	// Scan returns all records in key order, or reversed.
	Scan(ctx context.Context, reverse bool) ([]record.Record, error)
	// Transaction groups the work function's operations; mutations notify
	// watchers once, after the work completes.
	Transaction(ctx context.Context, mode TxMode, work func(Collection) error) error
	// Watch subscribes to change notifications. The returned channel has a
	// small buffer; notifications arriving while the buffer is full coalesce
	// (one pending notification already guarantees a re-read of the latest
	// state). The stop function is idempotent and closes the channel.
	Watch(ctx context.Context) (<-chan Event, func(), error)
}

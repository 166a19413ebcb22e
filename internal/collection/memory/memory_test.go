package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liveq-db/liveq/internal/collection"
	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/record"
)

func ctx() context.Context { return context.Background() }

func TestAddAssignsIncrementingKeys(t *testing.T) {
	c := New("todos")
	k1, err := c.Add(ctx(), map[string]any{"title": "a"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	k2, _ := c.Add(ctx(), map[string]any{"title": "b"})
	if k1 != 1 || k2 != 2 {
		t.Errorf("keys = %d, %d, want 1, 2", k1, k2)
	}
}

func TestGet(t *testing.T) {
	c := New("todos")
	key, _ := c.Add(ctx(), map[string]any{"title": "a"})

	r, err := c.Get(ctx(), key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Payload["title"] != "a" {
		t.Errorf("payload = %v", r.Payload)
	}

	_, err = c.Get(ctx(), 99)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestGet_ReturnsIsolatedCopy(t *testing.T) {
	c := New("todos")
	key, _ := c.Add(ctx(), map[string]any{"title": "a"})

	r, _ := c.Get(ctx(), key)
	r.Payload["title"] = "mutated"

	again, _ := c.Get(ctx(), key)
	if again.Payload["title"] != "a" {
		t.Error("stored record was mutated through a returned copy")
	}
}

func TestUpdate(t *testing.T) {
	c := New("todos")
	key, _ := c.Add(ctx(), map[string]any{"title": "a"})

	if err := c.Update(ctx(), key, map[string]any{"title": "b"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	r, _ := c.Get(ctx(), key)
	if r.Payload["title"] != "b" {
		t.Errorf("payload = %v", r.Payload)
	}

	if err := c.Update(ctx(), 99, map[string]any{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	c := New("todos")
	key, _ := c.Add(ctx(), map[string]any{"title": "a"})

	if err := c.Delete(ctx(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(ctx(), key); err != nil {
		t.Errorf("second Delete: %v, want nil", err)
	}
	if _, err := c.Get(ctx(), key); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestScan_KeyOrderAndReverse(t *testing.T) {
	c := New("todos")
	for _, title := range []string{"a", "b", "c"} {
		if _, err := c.Add(ctx(), map[string]any{"title": title}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	recs, err := c.Scan(ctx(), false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(recs) != 3 || recs[0].Payload["title"] != "a" || recs[2].Payload["title"] != "c" {
		t.Errorf("forward scan = %v", recs)
	}

	rev, _ := c.Scan(ctx(), true)
	if rev[0].Payload["title"] != "c" || rev[2].Payload["title"] != "a" {
		t.Errorf("reverse scan = %v", rev)
	}
}

func TestBulkAddReturnsLastKey(t *testing.T) {
	c := New("todos")
	last, err := c.BulkAdd(ctx(), []map[string]any{{"t": 1}, {"t": 2}, {"t": 3}})
	if err != nil {
		t.Fatalf("BulkAdd: %v", err)
	}
	if last != 3 {
		t.Errorf("last = %d, want 3", last)
	}
}

func TestBulkPut_UpsertsAndAdvancesSequence(t *testing.T) {
	c := New("todos")
	_, _ = c.Add(ctx(), map[string]any{"t": "a"})

	err := c.BulkPut(ctx(), []record.Record{
		{Key: 1, Payload: map[string]any{"t": "a2"}},
		{Key: 7, Payload: map[string]any{"t": "g"}},
	})
	if err != nil {
		t.Fatalf("BulkPut: %v", err)
	}

	next, _ := c.Add(ctx(), map[string]any{"t": "h"})
	if next != 8 {
		t.Errorf("next key = %d, want 8 (sequence advanced past explicit key)", next)
	}

	recs, _ := c.Scan(ctx(), false)
	if len(recs) != 3 || recs[0].Payload["t"] != "a2" || recs[1].Key != 7 {
		t.Errorf("scan = %v", recs)
	}
}

func TestBulkGetAndBulkDelete_SkipAbsent(t *testing.T) {
	c := New("todos")
	_, _ = c.BulkAdd(ctx(), []map[string]any{{"t": 1}, {"t": 2}})

	recs, _ := c.BulkGet(ctx(), []record.Key{1, 42, 2})
	if len(recs) != 2 {
		t.Errorf("BulkGet = %v", recs)
	}

	if err := c.BulkDelete(ctx(), []record.Key{2, 42}); err != nil {
		t.Fatalf("BulkDelete: %v", err)
	}
	left, _ := c.Scan(ctx(), false)
	if len(left) != 1 || left[0].Key != 1 {
		t.Errorf("remaining = %v", left)
	}
}

func TestWatch_NotifiesOnMutations(t *testing.T) {
	c := New("todos")
	events, stop, err := c.Watch(ctx())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	_, _ = c.Add(ctx(), map[string]any{"t": 1})

	select {
	case ev := <-events:
		if ev.Op != collection.OpAdd || ev.Key != 1 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification after add")
	}
}

func TestWatch_StopIsIdempotentAndClosesChannel(t *testing.T) {
	c := New("todos")
	events, stop, _ := c.Watch(ctx())
	stop()
	stop()

	if _, open := <-events; open {
		t.Error("channel should be closed after stop")
	}

	// Mutations after stop must not panic.
	if _, err := c.Add(ctx(), map[string]any{"t": 1}); err != nil {
		t.Fatalf("Add after stop: %v", err)
	}
}

func TestWatch_FullBufferCoalesces(t *testing.T) {
	c := New("todos")
	events, stop, _ := c.Watch(ctx())
	defer stop()

	// More mutations than the buffer holds must not block the writer.
	for i := 0; i < watchBuffer*3; i++ {
		if _, err := c.Add(ctx(), map[string]any{"i": i}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	n := 0
	for {
		select {
		case <-events:
			n++
		default:
			if n == 0 || n > watchBuffer {
				t.Errorf("buffered events = %d, want 1..%d", n, watchBuffer)
			}
			return
		}
	}
}

func TestTransaction_GroupsNotifications(t *testing.T) {
	c := New("todos")
	events, stop, _ := c.Watch(ctx())
	defer stop()

	err := c.Transaction(ctx(), collection.TxReadWrite, func(tx collection.Collection) error {
		if _, err := tx.Add(ctx(), map[string]any{"t": 1}); err != nil {
			return err
		}
		if _, err := tx.Add(ctx(), map[string]any{"t": 2}); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Op != collection.OpBulk {
			t.Errorf("event = %+v, want bulk", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification after transaction")
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected second notification: %+v", ev)
	default:
	}
}

func TestTransaction_ReadOnlyRejectsWrites(t *testing.T) {
	c := New("todos")
	err := c.Transaction(ctx(), collection.TxReadOnly, func(tx collection.Collection) error {
		_, err := tx.Add(ctx(), map[string]any{"t": 1})
		return err
	})
	if !errors.Is(err, domain.ErrStorage) {
		t.Errorf("error = %v, want ErrStorage", err)
	}
}

func TestTransaction_ReadsSeeTransactionWrites(t *testing.T) {
	c := New("todos")
	err := c.Transaction(ctx(), collection.TxReadWrite, func(tx collection.Collection) error {
		key, err := tx.Add(ctx(), map[string]any{"t": "x"})
		if err != nil {
			return err
		}
		r, err := tx.Get(ctx(), key)
		if err != nil {
			return err
		}
		if r.Payload["t"] != "x" {
			t.Errorf("payload = %v", r.Payload)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
}

package liveq

import (
	"context"
	"sync"

	"github.com/liveq-db/liveq/internal/usecase/query"
)

// SubscribeOptions configures a live query.
type SubscribeOptions struct {
	// Filter selects the records; nil matches everything.
	Filter map[string]any
	// Projection shapes the matched payloads; nil keeps them whole.
	Projection map[string]any
	// OnError, when set, is invoked once if the subscription fails after a
	// successful start. The subscription is terminal after a failure.
	OnError func(error)
}

// Subscription is a standing query. Updates carries a new result set whenever
// the matching content changes; between changes Current returns the same
// slice, so callers can use slice identity to skip redundant work. Result
// payloads are shared; treat them as read-only.
type Subscription struct {
	inner *query.Subscription

	updates chan []Record
	done    chan struct{}

	mu      sync.Mutex
	current []Record

	unsubOnce sync.Once
}

// Subscribe evaluates the query once, then re-evaluates on every collection
// change. The initial result is available from Current immediately and is not
// sent on Updates.
func (t *Table) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	q, err := parseQuery(opts.Filter, opts.Projection)
	if err != nil {
		return nil, err
	}
	inner, err := t.svc.Subscribe(ctx, query.SubscribeOptions{
		Filter:     q.Filter,
		Projection: q.Projection,
		OnError:    opts.OnError,
	})
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		inner:   inner,
		updates: make(chan []Record, 1),
		done:    make(chan struct{}),
	}
	// The initial evaluation runs synchronously, so its delivery is already
	// buffered. Consume it here: it seeds Current and is not an update.
	select {
	case initial := <-inner.Updates():
		s.current = toRecords(initial)
	default:
		s.current = toRecords(inner.Current())
	}
	go s.forward()
	return s, nil
}

// forward converts each delivery exactly once so that Current keeps returning
// the identical slice until the content actually changes.
func (s *Subscription) forward() {
	defer close(s.done)
	for results := range s.inner.Updates() {
		converted := toRecords(results)
		s.mu.Lock()
		s.current = converted
		s.mu.Unlock()

		// Latest value wins: a stale pending update is superseded.
		select {
		case s.updates <- converted:
		default:
			select {
			case <-s.updates:
			default:
			}
			s.updates <- converted
		}
	}
	close(s.updates)
}

// Updates delivers result sets on content change. The channel is closed after
// Unsubscribe, context cancellation, or a terminal failure.
func (s *Subscription) Updates() <-chan []Record { return s.updates }

// Current returns the most recent result set.
func (s *Subscription) Current() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Err reports the terminal failure, if any.
func (s *Subscription) Err() error { return s.inner.Err() }

// Unsubscribe stops the query. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	s.unsubOnce.Do(func() {
		s.inner.Unsubscribe()
		<-s.done
	})
}

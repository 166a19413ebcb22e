package query

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveq-db/liveq/internal/canonical"
	"github.com/liveq-db/liveq/internal/collection"
	"github.com/liveq-db/liveq/internal/domain"
	"github.com/liveq-db/liveq/internal/domain/filter"
	"github.com/liveq-db/liveq/internal/domain/projection"
	"github.com/liveq-db/liveq/internal/domain/record"
	"github.com/liveq-db/liveq/internal/metrics"
)

// errNotificationStream marks a watch channel that closed on its own.
var errNotificationStream = errors.New("notification stream closed")

// SubscribeOptions configures a live query.
type SubscribeOptions struct {
	Filter     filter.Filter
	Projection projection.Projection
	// OnError is invoked once if an evaluation fails; the subscription then
	// terminates and must be re-created to recover.
	OnError func(error)
}

// Subscription is a live query. Every collection notification triggers a
// re-evaluation; a delivery happens only when the result content changed, so
// the value observed through Current and Updates is reference-stable across
// notifications that do not change it.
type Subscription struct {
	id       string
	svc      *Service
	query    Query
	queryKey string
	onError  func(error)

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()

	updates chan []record.Record
	done    chan struct{}

	mu        sync.Mutex
	current   []record.Record
	lastFP    string
	delivered bool
	err       error

	unsubOnce sync.Once
}

// Subscribe starts a live query. The initial evaluation runs synchronously so
// Current is populated (and its error surfaces directly) before any
// notification is processed.
func (s *Service) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	events, stopWatch, err := s.coll.Watch(subCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		svc:       s,
		query:     Query{Filter: opts.Filter, Projection: opts.Projection},
		onError:   opts.OnError,
		ctx:       subCtx,
		cancel:    cancel,
		stopWatch: stopWatch,
		updates:   make(chan []record.Record, 1),
		done:      make(chan struct{}),
	}
	sub.queryKey = s.queryKey(sub.query)

	if err := sub.evaluate(); err != nil {
		stopWatch()
		cancel()
		close(sub.updates)
		close(sub.done)
		return nil, err
	}

	go sub.loop(events)

	s.logger.Debug("subscription started",
		zap.String("subscription", sub.id),
		zap.String("collection", s.coll.Name()),
	)
	return sub, nil
}

// ID returns the subscription identifier.
func (sub *Subscription) ID() string { return sub.id }

// Updates yields a result set on every content change, starting with the
// initial result. Only the latest undelivered result is retained; the channel
// closes when the subscription ends.
func (sub *Subscription) Updates() <-chan []record.Record { return sub.updates }

// Current returns the most recent result. The exact same slice is returned
// until the content actually changes.
func (sub *Subscription) Current() []record.Record {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.current
}

// Err returns the terminal evaluation error, if any.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Done closes when the subscription has fully stopped.
func (sub *Subscription) Done() <-chan struct{} { return sub.done }

// Unsubscribe stops the live query. Idempotent; an evaluation in flight when
// this is called never delivers its result.
func (sub *Subscription) Unsubscribe() {
	sub.unsubOnce.Do(func() {
		sub.cancel()
		sub.stopWatch()
	})
}

// loop is the controller: it consumes change notifications and re-evaluates.
// Notifications arriving while an evaluation runs coalesce in the watch
// buffer; the single goroutine guarantees deliveries stay ordered and that no
// stale result follows a newer one.
func (sub *Subscription) loop(events <-chan collection.Event) {
	defer close(sub.done)
	defer close(sub.updates)

	for {
		select {
		case <-sub.ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				// A closed events channel without cancellation means the
				// notification stream itself died (e.g. the backend pub/sub
				// connection dropped). That terminates the subscription as a
				// storage failure rather than silently.
				if sub.ctx.Err() == nil {
					sub.fail(domain.NewStorageError("watch", errNotificationStream))
				}
				return
			}
			if err := sub.evaluate(); err != nil {
				sub.fail(err)
				return
			}
		}
	}
}

// evaluate runs the query once and delivers only if content changed. The
// fingerprint comparison is the fast path; the authoritative structural
// comparison always confirms before a delivery is suppressed.
func (sub *Subscription) evaluate() error {
	results, fps, err := sub.svc.evaluate(sub.ctx, sub.query, false, false)
	if err != nil {
		return err
	}
	combined := canonical.Combine(fps)

	sub.mu.Lock()
	if sub.delivered && combined == sub.lastFP && resultsEqual(sub.current, results) {
		sub.mu.Unlock()
		sub.svc.cache.Touch(sub.queryKey)
		metrics.Deliveries.WithLabelValues("unchanged").Inc()
		return nil
	}

	// Adopt the cached slice when another consumer of the same query already
	// produced identical content, so reference stability holds across
	// subscriptions and one-shot reads.
	if !sub.delivered {
		if entry, ok := sub.svc.cache.Get(sub.queryKey); ok && entry.Fingerprint == combined {
			if cached, isResults := entry.Result.([]record.Record); isResults && resultsEqual(cached, results) {
				results = cached
			}
		}
	}

	sub.current = results
	sub.lastFP = combined
	sub.delivered = true
	sub.mu.Unlock()

	sub.svc.cache.Put(sub.queryKey, combined, results)
	metrics.Deliveries.WithLabelValues("fresh").Inc()
	sub.deliver(results)
	return nil
}

// deliver hands the result to the consumer, keeping only the newest value if
// the consumer lags, and suppressing entirely after unsubscribe.
func (sub *Subscription) deliver(results []record.Record) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case sub.updates <- results:
			return
		default:
			// Drop the stale pending value and retry with the newer one.
			select {
			case <-sub.updates:
			default:
			}
		}
	}
}

func (sub *Subscription) fail(err error) {
	sub.mu.Lock()
	sub.err = err
	empty := []record.Record{}
	sub.current = empty
	sub.mu.Unlock()

	sub.svc.logger.Warn("subscription failed",
		zap.String("subscription", sub.id),
		zap.String("collection", sub.svc.coll.Name()),
		zap.Error(err),
	)
	// Safe default: deliver an empty result, then surface the error once.
	sub.deliver(empty)
	if sub.onError != nil {
		sub.onError(err)
	}
	sub.stopWatch()
	sub.cancel()
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound indicates the item is not in the queue.
	ErrNotFound = errors.New("queue item not found")

	// ErrNotClaimable indicates the item is not eligible for replay, for
	// example because another sync engine holds its lease.
	ErrNotClaimable = errors.New("queue item not claimable")

	// ErrConflict indicates a modification kept losing to concurrent writers.
	ErrConflict = errors.New("queue item modified concurrently")
)

// modifyRetries bounds optimistic retries of Backend.Modify.
const modifyRetries = 16

var (
	queueItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "safety_queue_items",
		Help: "Items currently in the offline queue by priority",
	}, []string{"priority"})

	queueOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_queue_operations_total",
		Help: "Offline queue operations by operation and result",
	}, []string{"operation", "result"})
)

// Filter selects items by priority when draining.
type Filter int

const (
	// FilterAll selects every item.
	FilterAll Filter = iota

	// FilterCritical selects critical items only.
	FilterCritical

	// FilterNormal selects normal items only.
	FilterNormal
)

func (f Filter) match(p Priority) bool {
	switch f {
	case FilterCritical:
		return p == PriorityCritical
	case FilterNormal:
		return p != PriorityCritical
	default:
		return true
	}
}

// Backend is durable storage for queue items. Implementations must commit
// before returning and must list items critical first, then by Seq.
// Modify is an atomic read-modify-write across every process sharing the
// storage; fn must not change Priority or Seq.
type Backend interface {
	NextSeq(ctx context.Context) (int64, error)
	Put(ctx context.Context, item Item) error
	Get(ctx context.Context, id string) (Item, error)
	Modify(ctx context.Context, id string, fn func(Item) (Item, error)) (Item, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Item, error)
	Close() error
}

// Queue serializes every mutation through a single mutex, so enqueues that
// happen during a sync pass never interleave with its updates.
type Queue struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a queue over backend.
func New(backend Backend, logger zerolog.Logger) *Queue {
	if backend == nil {
		panic("queue backend cannot be nil")
	}
	return &Queue{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// Enqueue assigns the item a fresh ID, sequence and zero attempt count,
// marks it pending and stores it durably before returning it.
func (q *Queue) Enqueue(ctx context.Context, item Item) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.backend.NextSeq(ctx)
	if err != nil {
		queueOps.WithLabelValues("enqueue", "error").Inc()
		return Item{}, fmt.Errorf("next sequence: %w", err)
	}

	item.ID = uuid.NewString()
	item.Seq = seq
	item.Attempts = 0
	item.Synced = false
	item.State = StatePending
	item.NextAttemptAt = time.Time{}
	item.LastError = ""
	item.EnqueuedAt = q.now()
	if item.Priority == "" {
		item.Priority = PriorityNormal
	}

	if err := q.backend.Put(ctx, item); err != nil {
		queueOps.WithLabelValues("enqueue", "error").Inc()
		return Item{}, fmt.Errorf("store queue item: %w", err)
	}

	queueOps.WithLabelValues("enqueue", "ok").Inc()
	queueItems.WithLabelValues(string(item.Priority)).Inc()

	q.logger.Info().
		Str("item_id", item.ID).
		Str("method", item.Method).
		Str("url", item.URL).
		Str("priority", string(item.Priority)).
		Msg("Request queued for sync")

	return item, nil
}

// Drain returns the items matching filter: critical before normal, oldest
// first within a priority. Items stay in the queue.
func (q *Queue) Drain(ctx context.Context, filter Filter) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.backend.List(ctx)
	if err != nil {
		queueOps.WithLabelValues("drain", "error").Inc()
		return nil, fmt.Errorf("list queue: %w", err)
	}

	out := items[:0]
	for _, it := range items {
		if filter.match(it.Priority) {
			out = append(out, it)
		}
	}
	queueOps.WithLabelValues("drain", "ok").Inc()
	return out, nil
}

// Get returns the item with id or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Get(ctx, id)
}

// Update replaces a stored item. An item removed in the meantime is not
// recreated; ErrNotFound is returned instead.
func (q *Queue) Update(ctx context.Context, item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.backend.Modify(ctx, item.ID, func(current Item) (Item, error) {
		// Identity fields are fixed at enqueue time.
		item.Seq = current.Seq
		item.Priority = current.Priority
		item.EnqueuedAt = current.EnqueuedAt
		return item, nil
	})
	if err != nil {
		queueOps.WithLabelValues("update", "error").Inc()
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("store queue item: %w", err)
	}
	queueOps.WithLabelValues("update", "ok").Inc()
	return nil
}

// Claim atomically applies begin to the item if it is eligible at now.
// begin moves the item in flight and sets its lease. ErrNotClaimable is
// returned for ineligible items, which includes an unexpired lease held by
// any owner.
func (q *Queue) Claim(ctx context.Context, id string, now time.Time, begin func(Item) Item) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.backend.Modify(ctx, id, func(current Item) (Item, error) {
		if !current.Eligible(now) {
			return Item{}, ErrNotClaimable
		}
		next := begin(current)
		next.Seq = current.Seq
		next.Priority = current.Priority
		next.EnqueuedAt = current.EnqueuedAt
		return next, nil
	})
	switch {
	case err == nil:
		queueOps.WithLabelValues("claim", "ok").Inc()
	case errors.Is(err, ErrNotClaimable), errors.Is(err, ErrNotFound):
		queueOps.WithLabelValues("claim", "skipped").Inc()
	default:
		queueOps.WithLabelValues("claim", "error").Inc()
	}
	return it, err
}

// Remove deletes the item with id. Removing an unknown id is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		queueOps.WithLabelValues("remove", "noop").Inc()
		return nil
	}
	if err != nil {
		queueOps.WithLabelValues("remove", "error").Inc()
		return err
	}

	if err := q.backend.Delete(ctx, id); err != nil {
		queueOps.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("delete queue item: %w", err)
	}

	queueOps.WithLabelValues("remove", "ok").Inc()
	queueItems.WithLabelValues(string(current.Priority)).Dec()
	return nil
}

// Len returns the number of items in the queue, failed ones included, and
// resets the queue gauge from storage.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queue: %w", err)
	}

	counts := map[Priority]int{PriorityCritical: 0, PriorityNormal: 0}
	for _, it := range items {
		counts[it.Priority]++
	}
	for p, n := range counts {
		queueItems.WithLabelValues(string(p)).Set(float64(n))
	}
	return len(items), nil
}

// Close closes the backend.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backend.Close()
}

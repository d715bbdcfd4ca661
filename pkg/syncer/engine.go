// Package syncer replays queued requests once connectivity returns.
//
// Each queue item moves Pending -> InFlight -> {Synced, Pending, Failed}
// through the pure transition functions in this package. An item is claimed
// with a lease before each replay, so no two engines sharing a queue replay
// it at once. Critical items drain first and retry without backoff.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/safety-proxy/pkg/client"
	"github.com/Sternrassler/safety-proxy/pkg/events"
	"github.com/Sternrassler/safety-proxy/pkg/notify"
	"github.com/Sternrassler/safety-proxy/pkg/queue"
)

// ErrOffline is returned by ForceSync while the engine judges itself offline.
var ErrOffline = errors.New("sync denied while offline")

var (
	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_sync_attempts_total",
		Help: "Replay attempts by priority and outcome",
	}, []string{"priority", "outcome"})

	syncBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "safety_sync_backoff_seconds",
		Help:    "Backoff windows assigned to normal items after a failed replay",
		Buckets: []float64{1, 2, 4, 8, 16, 30, 60},
	})

	syncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_sync_passes_total",
		Help: "Sync passes by trigger",
	}, []string{"trigger"})
)

// Store is the part of the offline queue the engine needs.
type Store interface {
	Drain(ctx context.Context, filter queue.Filter) ([]queue.Item, error)
	Claim(ctx context.Context, id string, now time.Time, begin func(queue.Item) queue.Item) (queue.Item, error)
	Update(ctx context.Context, item queue.Item) error
	Remove(ctx context.Context, id string) error
}

// Replayer sends a captured request verbatim.
type Replayer interface {
	Replay(ctx context.Context, method, rawURL string, header http.Header, body []byte) client.Result
}

// Connectivity tells the engine whether it is online.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// Report summarizes a sync pass.
type Report struct {
	Synced      int `json:"synced"`
	Retrying    int `json:"retrying"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
	Skipped     int `json:"skipped"`
}

func (r Report) String() string {
	return fmt.Sprintf("synced=%d retrying=%d failed=%d interrupted=%d skipped=%d",
		r.Synced, r.Retrying, r.Failed, r.Interrupted, r.Skipped)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeRetrying
	outcomeFailed
	outcomeInterrupted
)

// Engine drains the offline queue.
type Engine struct {
	id       string
	store    Store
	replayer Replayer
	conn     Connectivity
	bus      *events.Bus
	sub      *events.Subscription
	sink     notify.Sink
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an engine. bus and sink may be nil.
func New(store Store, replayer Replayer, conn Connectivity, bus *events.Bus, sink notify.Sink, cfg Config, logger zerolog.Logger) *Engine {
	var sub *events.Subscription
	if bus != nil {
		sub = bus.Subscribe(64, events.ConnectivityChanged, events.PeriodicTick, events.ForceSync)
	}
	return &Engine{
		id:       uuid.NewString(),
		sub:      sub,
		store:    store,
		replayer: replayer,
		conn:     conn,
		bus:      bus,
		sink:     sink,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// SyncPass replays every eligible item, critical first. Cancelling ctx
// interrupts the pass; the item in flight returns to pending.
func (e *Engine) SyncPass(ctx context.Context) (Report, error) {
	syncPasses.WithLabelValues("pass").Inc()
	return e.pass(ctx, queue.FilterAll)
}

// ForceSync runs a pass over critical items only. It is denied with
// ErrOffline while offline; the denial is logged and shown as a notice.
func (e *Engine) ForceSync(ctx context.Context) (Report, error) {
	if !e.conn.IsOnline(ctx) {
		e.logger.Warn().Msg("Force sync denied while offline")
		e.notice(notify.Notice{
			Kind:    notify.KindSyncDenied,
			Title:   "Sync unavailable",
			Message: "Emergency data will be sent as soon as the connection returns",
		})
		return Report{}, ErrOffline
	}
	syncPasses.WithLabelValues("force").Inc()
	return e.pass(ctx, queue.FilterCritical)
}

func (e *Engine) pass(ctx context.Context, filter queue.Filter) (Report, error) {
	var report Report

	items, err := e.store.Drain(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("drain queue: %w", err)
	}

	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if !it.Eligible(e.now()) {
			report.Skipped++
			continue
		}

		switch e.syncItem(ctx, it.ID) {
		case outcomeSynced:
			report.Synced++
		case outcomeRetrying:
			report.Retrying++
		case outcomeFailed:
			report.Failed++
		case outcomeInterrupted:
			report.Interrupted++
		default:
			report.Skipped++
		}
	}

	if report.Synced+report.Failed+report.Retrying+report.Interrupted > 0 {
		e.logger.Info().
			Int("synced", report.Synced).
			Int("retrying", report.Retrying).
			Int("failed", report.Failed).
			Int("interrupted", report.Interrupted).
			Msg("Sync pass finished")
	}
	return report, ctx.Err()
}

// claim leases the item to this engine. A false result means another pass
// or engine holds it, or it is no longer eligible.
func (e *Engine) claim(ctx context.Context, logger zerolog.Logger, id string) (queue.Item, bool) {
	now := e.now()
	it, err := e.store.Claim(ctx, id, now, func(it queue.Item) queue.Item {
		return Begin(it, e.id, now.Add(e.cfg.Lease))
	})
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) && !errors.Is(err, queue.ErrNotClaimable) {
			logger.Error().Err(err).Msg("Failed to claim queue item")
		}
		return queue.Item{}, false
	}
	return it, true
}

// syncItem replays one item under a lease. Critical items are re-claimed
// for each immediate retry.
func (e *Engine) syncItem(ctx context.Context, id string) outcome {
	// Persisting results must not depend on the pass still running.
	storeCtx := context.WithoutCancel(ctx)

	it, ok := e.claim(storeCtx, e.logger.With().Str("item_id", id).Logger(), id)
	if !ok {
		return outcomeSkipped
	}

	logger := e.logger.With().
		Str("item_id", it.ID).
		Str("method", it.Method).
		Str("url", it.URL).
		Str("priority", string(it.Priority)).
		Logger()

	for {
		res := e.replayer.Replay(ctx, it.Method, it.URL, it.Headers, it.Body)
		res.Discard()

		if res.OK() {
			return e.synced(storeCtx, logger, Succeed(it))
		}

		if ctx.Err() != nil {
			it = Interrupt(it)
			syncAttempts.WithLabelValues(string(it.Priority), "interrupted").Inc()
			if err := e.store.Update(storeCtx, it); err != nil && !errors.Is(err, queue.ErrNotFound) {
				logger.Error().Err(err).Msg("Failed to revert interrupted item")
			}
			logger.Debug().Int("attempts", it.Attempts).Msg("Replay interrupted")
			return outcomeInterrupted
		}

		it = Fail(it, e.now(), e.cfg, res.Err().Error())
		if err := e.store.Update(storeCtx, it); err != nil {
			if !errors.Is(err, queue.ErrNotFound) {
				logger.Error().Err(err).Msg("Failed to record replay failure")
			}
			return outcomeSkipped
		}

		if it.State == queue.StateFailed {
			return e.exhausted(logger, it)
		}

		syncAttempts.WithLabelValues(string(it.Priority), "retry").Inc()
		if it.Priority == queue.PriorityCritical {
			logger.Warn().Int("attempts", it.Attempts).Str("error", it.LastError).Msg("Critical replay failed, retrying immediately")
			if ctx.Err() != nil {
				return outcomeInterrupted
			}
			if it, ok = e.claim(storeCtx, logger, it.ID); !ok {
				return outcomeSkipped
			}
			continue
		}

		backoff := it.NextAttemptAt.Sub(e.now())
		syncBackoff.Observe(e.cfg.Backoff(it.Attempts).Seconds())
		logger.Warn().
			Int("attempts", it.Attempts).
			Str("error", it.LastError).
			Dur("backoff", backoff).
			Msg("Replay failed, backing off")
		return outcomeRetrying
	}
}

func (e *Engine) synced(ctx context.Context, logger zerolog.Logger, it queue.Item) outcome {
	syncAttempts.WithLabelValues(string(it.Priority), "synced").Inc()
	if err := e.store.Remove(ctx, it.ID); err != nil {
		// The origin accepted the request; a leftover item would replay it.
		logger.Error().Err(err).Msg("Failed to remove synced item")
	}

	logger.Info().Int("attempts", it.Attempts+1).Msg("Queued request synced")
	e.publish(events.Event{Type: events.SyncComplete, ItemID: it.ID})
	e.notice(notify.Notice{
		Kind:    notify.KindSyncComplete,
		Title:   "Synced",
		Message: "Your offline changes have been sent",
		ItemID:  it.ID,
	})
	return outcomeSynced
}

func (e *Engine) exhausted(logger zerolog.Logger, it queue.Item) outcome {
	syncAttempts.WithLabelValues(string(it.Priority), "failed").Inc()
	logger.Error().
		Int("attempts", it.Attempts).
		Str("error", it.LastError).
		Msg("Queued request failed permanently")

	e.publish(events.Event{Type: events.SyncFailed, ItemID: it.ID, Message: it.LastError})
	e.notice(notify.Notice{
		Kind:    notify.KindQueueExhausted,
		Title:   "Sync failed",
		Message: fmt.Sprintf("A %s request could not be sent after %d attempts", it.Method, it.Attempts),
		ItemID:  it.ID,
	})
	return outcomeFailed
}

func (e *Engine) publish(ev events.Event) {
	if e.bus == nil {
		return
	}
	ev.At = e.now()
	e.bus.Publish(ev)
}

func (e *Engine) notice(n notify.Notice) {
	if e.sink == nil {
		return
	}
	n.At = e.now()
	e.sink.Notify(n)
}

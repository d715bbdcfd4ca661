package connectivity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/safety-proxy/pkg/events"
)

// Prometheus metrics for connectivity tracking.
var (
	connectivityOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_connectivity_online",
		Help: "1 when the upstream network is considered reachable",
	})

	connectivityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_connectivity_transitions_total",
		Help: "Total number of online/offline transitions by source",
	}, []string{"to", "source"})
)

// Tracker records connectivity state and publishes a ConnectivityChanged
// event on every transition.
type Tracker struct {
	redis     *redis.Client
	logger    zerolog.Logger
	publisher events.Publisher
	threshold int

	// mu serializes read-modify-write cycles within this process.
	mu sync.Mutex
}

// NewTracker creates a new connectivity tracker. publisher may be nil.
func NewTracker(redisClient *redis.Client, publisher events.Publisher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:     redisClient,
		logger:    logger,
		publisher: publisher,
		threshold: DefaultOfflineThreshold,
	}
}

// SetThreshold changes the consecutive failure count that flips to offline.
func (t *Tracker) SetThreshold(n int) {
	if n > 0 {
		t.threshold = n
	}
}

// GetState retrieves the current state from Redis.
// Returns an online state if no data exists in Redis.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	vals, err := t.redis.MGet(ctx, RedisKeyOnline, RedisKeyFailures, RedisKeyLastChange).Result()
	if err != nil {
		return nil, fmt.Errorf("get connectivity state: %w", err)
	}

	state := &State{Online: true}
	if s, ok := vals[0].(string); ok {
		state.Online = s == "1"
	}
	if s, ok := vals[1].(string); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("parse failures: %w", err)
		}
		state.ConsecutiveFailures = n
	}
	if s, ok := vals[2].(string); ok {
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse last change: %w", err)
		}
		state.LastChange = time.UnixMilli(ts)
	}

	return state, nil
}

// IsOnline reports the current state. A Redis error is logged and treated
// as online so that requests still reach the network.
func (t *Tracker) IsOnline(ctx context.Context) bool {
	state, err := t.GetState(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Connectivity state unavailable, assuming online")
		return true
	}
	return state.Online
}

// SetOnline records an explicit connectivity signal from the host.
// Returns true if the state changed.
func (t *Tracker) SetOnline(ctx context.Context, online bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.GetState(ctx)
	if err != nil {
		return false, err
	}
	return t.transition(ctx, state, online, 0, "signal")
}

// RecordSuccess notes that the network answered. Any HTTP response counts,
// whatever its status.
func (t *Tracker) RecordSuccess(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}
	if state.Online && state.ConsecutiveFailures == 0 {
		return nil
	}
	_, err = t.transition(ctx, state, true, 0, "observed")
	return err
}

// RecordFailure notes a transport failure. After threshold consecutive
// failures the state flips to offline.
func (t *Tracker) RecordFailure(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.GetState(ctx)
	if err != nil {
		return err
	}

	failures := state.ConsecutiveFailures + 1
	online := state.Online
	if failures >= t.threshold {
		online = false
	}
	_, err = t.transition(ctx, state, online, failures, "observed")
	return err
}

// transition stores the new state and, if Online flipped, logs and
// publishes the change.
func (t *Tracker) transition(ctx context.Context, state *State, online bool, failures int, source string) (bool, error) {
	changed := state.Online != online
	now := time.Now()

	onlineVal := "0"
	if online {
		onlineVal = "1"
	}

	// Store in Redis atomically
	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyOnline, onlineVal, 0)
	pipe.Set(ctx, RedisKeyFailures, failures, 0)
	if changed {
		pipe.Set(ctx, RedisKeyLastChange, now.UnixMilli(), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("store connectivity state in redis: %w", err)
	}

	if online {
		connectivityOnline.Set(1)
	} else {
		connectivityOnline.Set(0)
	}

	if !changed {
		return false, nil
	}

	to := "offline"
	if online {
		to = "online"
	}
	connectivityTransitionsTotal.WithLabelValues(to, source).Inc()

	if online {
		t.logger.Info().
			Str("source", source).
			Dur("offline_for", state.Since()).
			Msg("Network is online")
	} else {
		t.logger.Warn().
			Str("source", source).
			Int("consecutive_failures", failures).
			Msg("Network is offline")
	}

	if t.publisher != nil {
		t.publisher.Publish(events.Event{
			Type:   events.ConnectivityChanged,
			Online: online,
			At:     now,
		})
	}

	return true, nil
}

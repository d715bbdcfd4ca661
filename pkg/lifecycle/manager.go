// Package lifecycle provisions cache regions on version upgrade, gates
// interception until the new version is fully precached, and turns
// connectivity, timer and push signals into events for the sync engine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/safety-proxy/pkg/cache"
	"github.com/Sternrassler/safety-proxy/pkg/classify"
	"github.com/Sternrassler/safety-proxy/pkg/events"
	"github.com/Sternrassler/safety-proxy/pkg/notify"
)

var (
	// ErrPrecache indicates a manifest entry could not be fetched or stored.
	ErrPrecache = errors.New("precache failed")

	// ErrNotReady indicates no version has been activated yet.
	ErrNotReady = errors.New("no version activated")
)

var (
	upgradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_lifecycle_upgrades_total",
		Help: "Version upgrades by result",
	}, []string{"result"})

	upgradeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "safety_lifecycle_upgrade_duration_seconds",
		Help:    "Duration of version upgrades in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	readyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_lifecycle_ready",
		Help: "1 once a version is active and requests are intercepted",
	})

	emergencyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "safety_emergency_mode",
		Help: "1 while emergency mode is on",
	})
)

// RegionStore is the part of the cache manager used for provisioning.
type RegionStore interface {
	Put(ctx context.Context, region cache.Region, entry *cache.Entry) error
	DeleteRegion(ctx context.Context, regionID string) error
	DeleteRegionsExcept(ctx context.Context, keep ...cache.Region) ([]string, error)
	Regions(ctx context.Context) ([]string, error)
}

// Interceptor is the router: it handles requests once a version is active.
type Interceptor interface {
	http.RoundTripper
	SetRegions(standard, critical cache.Region)
}

// Connectivity records explicit online/offline signals.
type Connectivity interface {
	SetOnline(ctx context.Context, online bool) (bool, error)
	IsOnline(ctx context.Context) bool
}

// Config holds the lifecycle configuration.
type Config struct {
	// Origin is the base URL manifest paths resolve against.
	Origin *url.URL

	// Manifest lists the entries precached on upgrade.
	Manifest Manifest

	// PrecacheConcurrency bounds parallel manifest fetches.
	PrecacheConcurrency int

	// PrecacheTimeout bounds each manifest fetch.
	PrecacheTimeout time.Duration

	// PeriodicInterval is the period of the sync trigger.
	PeriodicInterval time.Duration
}

// DefaultConfig returns the default lifecycle configuration.
func DefaultConfig(origin *url.URL) Config {
	return Config{
		Origin:              origin,
		Manifest:            DefaultManifest(),
		PrecacheConcurrency: 4,
		PrecacheTimeout:     10 * time.Second,
		PeriodicInterval:    30 * time.Second,
	}
}

// Manager coordinates version upgrades and sync triggers. It is the
// explicit context object shared by the proxy's components; nothing here
// is process-global.
type Manager struct {
	cfg         Config
	store       RegionStore
	fetcher     Fetcher
	interceptor Interceptor
	conn        Connectivity
	bus         *events.Bus
	sub         *events.Subscription
	sink        notify.Sink
	logger      zerolog.Logger

	upgradeMu sync.Mutex
	mu        sync.RWMutex
	version   Version
	ready     atomic.Bool
	emergency atomic.Bool
}

// New creates a manager. sink may be nil.
func New(cfg Config, store RegionStore, fetcher Fetcher, interceptor Interceptor, conn Connectivity, bus *events.Bus, sink notify.Sink, logger zerolog.Logger) *Manager {
	d := DefaultConfig(cfg.Origin)
	if cfg.Manifest.Standard == nil && cfg.Manifest.Critical == nil {
		cfg.Manifest = d.Manifest
	}
	if cfg.PrecacheConcurrency <= 0 {
		cfg.PrecacheConcurrency = d.PrecacheConcurrency
	}
	if cfg.PrecacheTimeout <= 0 {
		cfg.PrecacheTimeout = d.PrecacheTimeout
	}
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = d.PeriodicInterval
	}

	return &Manager{
		cfg:         cfg,
		store:       store,
		fetcher:     fetcher,
		interceptor: interceptor,
		conn:        conn,
		bus:         bus,
		sub:         bus.Subscribe(16, events.PushReceived),
		sink:        sink,
		logger:      logger,
	}
}

// Ready reports whether a version is active.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Version returns the active version or ErrNotReady.
func (m *Manager) Version() (Version, error) {
	if !m.Ready() {
		return Version{}, ErrNotReady
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

// Upgrade installs and activates v:
//  1. every manifest entry is fetched; any failure aborts with nothing written
//  2. all entries are written into v's regions; a write failure removes the
//     new regions again
//  3. every region not belonging to v is deleted
//  4. v becomes active and VersionActivated is published
//
// A previously active version keeps serving until step 4.
func (m *Manager) Upgrade(ctx context.Context, v Version) error {
	m.upgradeMu.Lock()
	defer m.upgradeMu.Unlock()

	start := time.Now()
	logger := m.logger.With().Str("version", v.String()).Logger()
	logger.Info().Msg("Installing version")

	jobs := make([]precacheJob, 0, len(m.cfg.Manifest.Standard)+len(m.cfg.Manifest.Critical))
	for _, p := range m.cfg.Manifest.Standard {
		jobs = append(jobs, precacheJob{region: v.Standard, path: p})
	}
	for _, p := range m.cfg.Manifest.Critical {
		jobs = append(jobs, precacheJob{region: v.Critical, path: p})
	}

	pc := &precacher{
		fetcher:     m.fetcher,
		origin:      m.cfg.Origin,
		concurrency: m.cfg.PrecacheConcurrency,
		timeout:     m.cfg.PrecacheTimeout,
	}
	entries, err := pc.fetchAll(ctx, jobs)
	if err != nil {
		upgradesTotal.WithLabelValues("fetch_failed").Inc()
		logger.Error().Err(err).Msg("Precache failed, version not activated")
		return err
	}

	live, err := m.store.Regions(ctx)
	if err != nil {
		upgradesTotal.WithLabelValues("store_failed").Inc()
		return fmt.Errorf("list regions: %w", err)
	}

	for _, pe := range entries {
		if err := m.store.Put(ctx, pe.region, pe.entry); err != nil {
			upgradesTotal.WithLabelValues("store_failed").Inc()
			m.discardRegions(logger, live, v)
			logger.Error().Err(err).Str("key", pe.entry.Identity.Key()).Msg("Precache write failed, version not activated")
			return fmt.Errorf("%w: store %s: %v", ErrPrecache, pe.entry.Identity.URL, err)
		}
	}

	deleted, err := m.store.DeleteRegionsExcept(ctx, v.Standard, v.Critical)
	if err != nil {
		upgradesTotal.WithLabelValues("cleanup_failed").Inc()
		logger.Error().Err(err).Msg("Failed to delete stale regions, version not activated")
		return fmt.Errorf("delete stale regions: %w", err)
	}

	m.mu.Lock()
	m.version = v
	m.mu.Unlock()
	m.interceptor.SetRegions(v.Standard, v.Critical)
	m.ready.Store(true)
	readyGauge.Set(1)

	upgradesTotal.WithLabelValues("activated").Inc()
	upgradeDuration.Observe(time.Since(start).Seconds())
	logger.Info().
		Int("entries", len(entries)).
		Strs("deleted_regions", deleted).
		Dur("duration", time.Since(start)).
		Msg("Version activated")

	m.bus.Publish(events.Event{Type: events.VersionActivated, Version: v.String()})
	return nil
}

// discardRegions removes the regions of v that were not live before the
// upgrade started. Live regions are left alone even when v reuses them.
func (m *Manager) discardRegions(logger zerolog.Logger, live []string, v Version) {
	wasLive := make(map[string]bool, len(live))
	for _, id := range live {
		wasLive[id] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range []cache.Region{v.Standard, v.Critical} {
		if wasLive[r.ID()] {
			continue
		}
		if err := m.store.DeleteRegion(ctx, r.ID()); err != nil {
			logger.Warn().Err(err).Str("region", r.ID()).Msg("Failed to discard partial region")
		}
	}
}

// RoundTrip passes requests straight to the network until a version is
// active, and through the interceptor afterwards. In emergency mode writes
// are tagged so they queue with critical priority.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	if m.emergency.Load() && classify.IsStateChanging(req.Method) && req.Header.Get("X-Emergency-Mode") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("X-Emergency-Mode", "true")
	}

	if !m.Ready() {
		res := m.fetcher.Fetch(req.Context(), req)
		if res.Response != nil {
			return res.Response, nil
		}
		return nil, res.Err()
	}
	return m.interceptor.RoundTrip(req)
}

// SetOnline records an explicit connectivity signal. The tracker publishes
// ConnectivityChanged on a transition.
func (m *Manager) SetOnline(ctx context.Context, online bool) error {
	changed, err := m.conn.SetOnline(ctx, online)
	if err != nil {
		return fmt.Errorf("record connectivity: %w", err)
	}
	if changed {
		m.logger.Info().Bool("online", online).Msg("Connectivity changed")
	}
	return nil
}

// EmergencyMode reports whether emergency mode is on.
func (m *Manager) EmergencyMode() bool {
	return m.emergency.Load()
}

// SetEmergencyMode switches emergency mode. Switching it on also asks the
// sync engine for a critical sync.
func (m *Manager) SetEmergencyMode(on bool) {
	if m.emergency.Swap(on) == on {
		return
	}

	if on {
		emergencyGauge.Set(1)
		m.logger.Warn().Msg("Emergency mode activated")
	} else {
		emergencyGauge.Set(0)
		m.logger.Info().Msg("Emergency mode deactivated")
	}
	m.bus.Publish(events.Event{Type: events.EmergencyModeChanged, Emergency: on})
	if on {
		m.bus.Publish(events.Event{Type: events.ForceSync})
	}
}

// HandlePush parses an inbound push payload, shows it through the sink and
// publishes PushReceived. A malformed payload yields the default
// notification.
func (m *Manager) HandlePush(payload []byte) notify.Notification {
	n := notify.ParsePush(payload)

	m.logger.Info().
		Str("alert_id", n.AlertID).
		Str("level", n.Level).
		Str("tag", n.Tag).
		Msg("Push received")

	if m.sink != nil {
		m.sink.Notify(notify.Notice{
			Kind:    notify.KindAlert,
			Title:   n.Title,
			Message: n.Body,
			At:      time.Now(),
		})
	}
	m.bus.Publish(events.Event{
		Type:    events.PushReceived,
		AlertID: n.AlertID,
		Level:   n.Level,
		Message: n.Body,
	})
	return n
}

// Run publishes PeriodicTick every PeriodicInterval and switches emergency
// mode on for critical push alerts, until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PeriodicInterval)
	defer ticker.Stop()
	defer m.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			m.bus.Publish(events.Event{Type: events.PeriodicTick})

		case ev, ok := <-m.sub.C():
			if !ok {
				return nil
			}
			if (notify.Notification{Level: ev.Level}).Critical() {
				m.logger.Warn().Str("alert_id", ev.AlertID).Msg("Critical alert received")
				m.SetEmergencyMode(true)
			}
		}
	}
}

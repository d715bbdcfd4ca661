// Package router decides, per request class, whether a request is served
// from the network, the regioned cache or a degraded response, and queues
// failed safety writes for replay.
//
//	Class        Strategy                    On network failure
//	Critical     network first               writes queued (202), reads get
//	                                         the cached copy or emergency page
//	ApiSafety    network only                writes queued (202), reads fail
//	StaticAsset  cache first                 image placeholder, else fail
//	Generic      network first               cached copy, else offline page for navigations
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/safety-proxy/pkg/cache"
	"github.com/Sternrassler/safety-proxy/pkg/classify"
	"github.com/Sternrassler/safety-proxy/pkg/client"
	"github.com/Sternrassler/safety-proxy/pkg/queue"
)

var (
	routedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_router_requests_total",
		Help: "Requests handled by class and how they were answered",
	}, []string{"class", "served_by"})

	cacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "safety_router_cache_write_failures_total",
		Help: "Background cache writes that failed",
	})
)

// Answer sources used as the served_by label.
const (
	servedNetwork     = "network"
	servedCache       = "cache"
	servedPlaceholder = "placeholder"
	servedQueued      = "queued"
	servedOfflinePage = "offline_page"
	servedFailure     = "failure"
)

// ErrBodyTooLarge is returned when a safety write cannot be captured for
// replay because its body exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("request body too large to queue")

// Fetcher performs network calls.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) client.Result
}

// Cache is the part of the cache manager the router needs.
type Cache interface {
	Match(ctx context.Context, id cache.Identity, preferred cache.Region) (*cache.Entry, error)
	Refresh(ctx context.Context, region cache.Region, entry *cache.Entry) error
}

// Enqueuer stores failed safety writes.
type Enqueuer interface {
	Enqueue(ctx context.Context, item queue.Item) (queue.Item, error)
}

// Config holds the router configuration.
type Config struct {
	// Standard receives static assets and generic pages.
	Standard cache.Region

	// Critical receives emergency pages.
	Critical cache.Region

	// OfflinePage is served to navigations that fail with nothing cached.
	// Relative paths resolve against the request URL.
	OfflinePage string

	// Origin is the upstream base URL used by ServeHTTP.
	Origin *url.URL

	// MaxBodyBytes bounds the body captured for queueing.
	MaxBodyBytes int64

	// CacheWriteTimeout bounds each background cache write.
	CacheWriteTimeout time.Duration
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		Standard:          cache.Region{Name: "kids-safety", Version: "v1.2.0"},
		Critical:          cache.Region{Name: "emergency-cache", Version: "v1"},
		OfflinePage:       "/offline-safety.html",
		MaxBodyBytes:      10 << 20,
		CacheWriteTimeout: 5 * time.Second,
	}
}

// Router routes intercepted requests. It is safe for concurrent use.
type Router struct {
	cfg     Config
	fetcher Fetcher
	cache   Cache
	queue   Enqueuer
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	standard cache.Region
	critical cache.Region

	writes sync.WaitGroup
}

// New creates a router.
func New(cfg Config, fetcher Fetcher, c Cache, q Enqueuer, logger zerolog.Logger) *Router {
	d := DefaultConfig()
	if cfg.Standard.Name == "" {
		cfg.Standard = d.Standard
	}
	if cfg.Critical.Name == "" {
		cfg.Critical = d.Critical
	}
	if cfg.OfflinePage == "" {
		cfg.OfflinePage = d.OfflinePage
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.CacheWriteTimeout <= 0 {
		cfg.CacheWriteTimeout = d.CacheWriteTimeout
	}

	return &Router{
		cfg:      cfg,
		fetcher:  fetcher,
		cache:    c,
		queue:    q,
		logger:   logger,
		now:      time.Now,
		standard: cfg.Standard,
		critical: cfg.Critical,
	}
}

// SetRegions switches the regions written to and preferred on reads.
func (r *Router) SetRegions(standard, critical cache.Region) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.standard, r.critical = standard, critical
}

// Regions returns the current standard and critical regions.
func (r *Router) Regions() (standard, critical cache.Region) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.standard, r.critical
}

// Wait blocks until every background cache write has finished.
func (r *Router) Wait() {
	r.writes.Wait()
}

// RoundTrip implements http.RoundTripper.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Handle(req.Context(), req)
}

// Handle answers req according to its class. Apart from the propagated
// failures of ApiSafety reads, writes the origin refused with a 4xx,
// StaticAsset non-images and uncached non-navigation Generic requests, it
// always returns a response.
func (r *Router) Handle(ctx context.Context, req *http.Request) (resp *http.Response, err error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("router: request without URL")
	}
	class := classify.Classify(req)

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic", p).
				Str("url", requestURL(req)).
				Msg("Router panic recovered")
			resp, err = nil, fmt.Errorf("router: internal error: %v", p)
			routedTotal.WithLabelValues(class.String(), servedFailure).Inc()
		}
	}()

	switch class {
	case classify.Critical:
		return r.serveCritical(ctx, req)
	case classify.ApiSafety:
		return r.serveAPISafety(ctx, req)
	case classify.StaticAsset:
		return r.serveStaticAsset(ctx, req)
	default:
		return r.serveGeneric(ctx, req)
	}
}

// serveCritical is network first with a cached copy, then the emergency
// page, as fallback. Failed writes are queued like safety writes.
func (r *Router) serveCritical(ctx context.Context, req *http.Request) (*http.Response, error) {
	_, region := r.Regions()

	body, writing, err := r.prepareWrite(req)
	if err != nil {
		routedTotal.WithLabelValues(classify.Critical.String(), servedFailure).Inc()
		return nil, err
	}

	res := r.fetcher.Fetch(ctx, req)
	if res.OK() {
		r.store(ctx, req, res.Response, region, classify.Critical)
		return r.served(classify.Critical, servedNetwork, res.Response), nil
	}

	if writing {
		if !retryable(res) {
			return r.propagate(classify.Critical, res)
		}
		if resp := r.enqueue(ctx, req, body, res, queue.PriorityCritical); resp != nil {
			return r.served(classify.Critical, servedQueued, resp), nil
		}
	}
	res.Discard()

	if resp := r.lookup(ctx, req, cache.NewIdentity(req), region); resp != nil {
		r.logger.Warn().Str("url", req.URL.String()).Err(res.Err()).Msg("Network failed, serving cached emergency page")
		return r.served(classify.Critical, servedCache, resp), nil
	}

	r.logger.Warn().Str("url", req.URL.String()).Err(res.Err()).Msg("Network failed, serving emergency placeholder")
	return r.served(classify.Critical, servedPlaceholder, emergencyPlaceholder(req)), nil
}

// serveAPISafety never reads the cache. Failed writes are queued.
func (r *Router) serveAPISafety(ctx context.Context, req *http.Request) (*http.Response, error) {
	body, writing, err := r.prepareWrite(req)
	if err != nil {
		routedTotal.WithLabelValues(classify.ApiSafety.String(), servedFailure).Inc()
		return nil, err
	}

	res := r.fetcher.Fetch(ctx, req)
	if res.OK() {
		return r.served(classify.ApiSafety, servedNetwork, res.Response), nil
	}
	if writing && retryable(res) {
		if resp := r.enqueue(ctx, req, body, res, queue.PriorityFor(req)); resp != nil {
			return r.served(classify.ApiSafety, servedQueued, resp), nil
		}
	}
	return r.propagate(classify.ApiSafety, res)
}

// prepareWrite captures the body of a state-changing request for replay.
func (r *Router) prepareWrite(req *http.Request) ([]byte, bool, error) {
	if !classify.IsStateChanging(req.Method) {
		return nil, false, nil
	}
	body, err := r.captureBody(req)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// retryable reports whether a failed write is worth queueing. A 4xx would
// be refused again on replay, so the origin's answer stands.
func retryable(res client.Result) bool {
	return res.Failure == nil || res.Failure.Retryable()
}

func requestURL(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return req.URL.String()
}

// enqueue stores a failed write and returns the 202 acknowledgement, or nil
// when the queue is unavailable and the original failure must stand.
func (r *Router) enqueue(ctx context.Context, req *http.Request, body []byte, res client.Result, priority queue.Priority) *http.Response {
	item, err := r.queue.Enqueue(context.WithoutCancel(ctx), queue.NewItem(req, body, priority))
	if err != nil {
		r.logger.Error().Err(err).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("Failed to queue request")
		return nil
	}
	res.Discard()

	r.logger.Warn().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("item_id", item.ID).
		Str("priority", string(item.Priority)).
		Err(res.Err()).
		Msg("Network failed, request queued for sync")
	return queuedResponse(req, item.ID, r.now())
}

// serveStaticAsset is cache first.
func (r *Router) serveStaticAsset(ctx context.Context, req *http.Request) (*http.Response, error) {
	region, _ := r.Regions()

	if resp := r.lookup(ctx, req, cache.NewIdentity(req), region); resp != nil {
		return r.served(classify.StaticAsset, servedCache, resp), nil
	}

	res := r.fetcher.Fetch(ctx, req)
	if res.OK() {
		r.store(ctx, req, res.Response, region, classify.StaticAsset)
		return r.served(classify.StaticAsset, servedNetwork, res.Response), nil
	}

	if classify.IsImage(req) {
		res.Discard()
		r.logger.Debug().Str("url", req.URL.String()).Err(res.Err()).Msg("Image unavailable, serving placeholder")
		return r.served(classify.StaticAsset, servedPlaceholder, imagePlaceholderResponse(req)), nil
	}
	return r.propagate(classify.StaticAsset, res)
}

// serveGeneric is network first with a cached copy, then the offline page for
// navigations, as fallback.
func (r *Router) serveGeneric(ctx context.Context, req *http.Request) (*http.Response, error) {
	region, _ := r.Regions()

	res := r.fetcher.Fetch(ctx, req)
	if res.OK() {
		r.store(ctx, req, res.Response, region, classify.Generic)
		return r.served(classify.Generic, servedNetwork, res.Response), nil
	}

	if resp := r.lookup(ctx, req, cache.NewIdentity(req), region); resp != nil {
		res.Discard()
		r.logger.Warn().Str("url", req.URL.String()).Err(res.Err()).Msg("Network failed, serving cached copy")
		return r.served(classify.Generic, servedCache, resp), nil
	}

	if classify.IsNavigation(req) {
		if page := r.offlinePage(req); page != "" {
			if resp := r.lookup(ctx, req, cache.URLIdentity(page), region); resp != nil {
				res.Discard()
				r.logger.Warn().Str("url", req.URL.String()).Err(res.Err()).Msg("Network failed, serving offline page")
				return r.served(classify.Generic, servedOfflinePage, resp), nil
			}
		}
	}
	return r.propagate(classify.Generic, res)
}

// lookup returns the cached response for id, or nil. Only GET requests
// read the cache.
func (r *Router) lookup(ctx context.Context, req *http.Request, id cache.Identity, preferred cache.Region) *http.Response {
	if req.Method != "" && req.Method != http.MethodGet {
		return nil
	}
	entry, err := r.cache.Match(ctx, id, preferred)
	if errors.Is(err, cache.ErrCacheMiss) && id.Vary != "" {
		// Entries stored without credentials (precached ones) are shared.
		entry, err = r.cache.Match(ctx, cache.Identity{Method: id.Method, URL: id.URL}, preferred)
	}
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.Warn().Err(err).Str("key", id.Key()).Msg("Cache read failed")
		} else {
			r.logger.Debug().Str("key", id.Key()).Msg("Cache miss")
		}
		return nil
	}
	r.logger.Debug().Str("key", id.Key()).Str("region", entry.Region).Msg("Cache hit")
	return cache.EntryToResponse(entry, req)
}

// store buffers a successful GET response and writes it to region in the
// background. The write is started before the response is returned.
func (r *Router) store(ctx context.Context, req *http.Request, resp *http.Response, region cache.Region, class classify.Class) {
	if req.Method != "" && req.Method != http.MethodGet {
		return
	}

	id := cache.NewIdentity(req)
	entry, err := cache.ResponseToEntry(resp, id, region)
	if err != nil {
		cacheWriteFailures.Inc()
		r.logger.Warn().Err(err).Str("key", id.Key()).Msg("Failed to buffer response for cache")
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CacheWriteTimeout)
	r.writes.Add(1)
	go func() {
		defer r.writes.Done()
		defer cancel()
		err := r.cache.Refresh(writeCtx, region, entry)
		if errors.Is(err, cache.ErrRegionRetired) {
			r.logger.Debug().Str("key", id.Key()).Str("region", region.ID()).Msg("Region retired, response not cached")
			return
		}
		if err != nil {
			cacheWriteFailures.Inc()
			r.logger.Warn().Err(err).
				Str("key", id.Key()).
				Str("region", region.ID()).
				Str("class", class.String()).
				Msg("Cache write failed")
		}
	}()
}

// propagate hands the original failure back: the upstream response for a
// non-2xx status, the transport error otherwise.
func (r *Router) propagate(class classify.Class, res client.Result) (*http.Response, error) {
	routedTotal.WithLabelValues(class.String(), servedFailure).Inc()
	if res.Response != nil {
		return res.Response, nil
	}
	return nil, res.Err()
}

func (r *Router) served(class classify.Class, by string, resp *http.Response) *http.Response {
	routedTotal.WithLabelValues(class.String(), by).Inc()
	return resp
}

func (r *Router) offlinePage(req *http.Request) string {
	ref, err := url.Parse(r.cfg.OfflinePage)
	if err != nil {
		return ""
	}
	return req.URL.ResolveReference(ref).String()
}

// captureBody reads the request body so it can be both sent and queued.
func (r *Router) captureBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(io.LimitReader(req.Body, r.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > r.cfg.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return body, nil
}

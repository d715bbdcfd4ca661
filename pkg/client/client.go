// Package client performs the proxy's network calls. Every call returns an
// explicit Result: a 2xx response is a success, anything else (transport
// error, timeout, non-2xx status) is a Failure.
package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for network calls.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_fetch_total",
		Help: "Total network calls by method and outcome",
	}, []string{"method", "outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safety_fetch_duration_seconds",
		Help:    "Network call duration in seconds by method",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})
)

// Observer is told about the outcome of every call that was not canceled
// by its caller. The connectivity tracker implements it.
type Observer interface {
	RecordSuccess(ctx context.Context) error
	RecordFailure(ctx context.Context) error
}

// Config holds the fetcher configuration.
type Config struct {
	// Timeout bounds each call, including reading the response body.
	Timeout time.Duration

	// Transport is the underlying round tripper (default http.DefaultTransport).
	Transport http.RoundTripper
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
	}
}

// Result is the outcome of a network call. Exactly one of OK() and
// Failure != nil holds. Failures caused by a non-2xx status keep the
// response so it can be handed back unchanged.
type Result struct {
	Response *http.Response
	Failure  *FetchError
}

// OK reports whether the call returned a 2xx response.
func (r Result) OK() bool {
	return r.Failure == nil && r.Response != nil
}

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// Discard closes the body of a failed result's response, if any.
func (r Result) Discard() {
	if r.Response != nil && r.Response.Body != nil {
		r.Response.Body.Close()
	}
}

// Fetcher executes network calls.
type Fetcher struct {
	httpClient *http.Client
	observer   Observer
	config     Config
	logger     zerolog.Logger
}

// New creates a new fetcher. observer may be nil.
func New(cfg Config, observer Observer) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects are the caller's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		observer: observer,
		config:   cfg,
		logger:   log.With().Str("component", "fetcher").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *Fetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Fetch sends req bounded by the configured timeout.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) Result {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	startTime := time.Now()
	defer func() {
		fetchDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	callCtx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	resp, err := f.httpClient.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		failure := f.classifyError(ctx, callCtx, err)
		fetchTotal.WithLabelValues(method, string(failure.Kind)).Inc()
		if failure.Kind != FailureCanceled {
			f.observe(ctx, false)
		}
		f.logger.Debug().
			Err(err).
			Str("url", req.URL.String()).
			Str("kind", string(failure.Kind)).
			Msg("Network call failed")
		return Result{Failure: failure}
	}

	// The timeout covers the body as well, so the context lives until the
	// caller closes it.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	f.observe(ctx, true)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := kindForStatus(resp.StatusCode)
		fetchTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
		f.logger.Debug().
			Str("url", req.URL.String()).
			Int("status", resp.StatusCode).
			Str("kind", string(kind)).
			Msg("Network call returned non-2xx")
		return Result{
			Response: resp,
			Failure: &FetchError{
				Kind:       kind,
				StatusCode: resp.StatusCode,
				Message:    resp.Status,
			},
		}
	}

	fetchTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	return Result{Response: resp}
}

// Replay sends a captured request verbatim: the given method, headers and
// body and nothing else. The default Go User-Agent is suppressed when the
// captured headers carry none.
func (f *Fetcher) Replay(ctx context.Context, method, rawURL string, header http.Header, body []byte) Result {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		fetchTotal.WithLabelValues(method, "invalid").Inc()
		return Result{Failure: &FetchError{
			Kind:    FailureNetwork,
			Message: "build replay request",
			Err:     err,
		}}
	}

	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = nil
	}

	return f.Fetch(ctx, req)
}

// classifyError categorizes a transport error. callCtx is the per-call
// context derived from parent.
func (f *Fetcher) classifyError(parent, callCtx context.Context, err error) *FetchError {
	switch {
	case parent.Err() != nil:
		return &FetchError{Kind: FailureCanceled, Message: "caller context done", Err: errors.Join(ErrCanceled, err)}
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return &FetchError{Kind: FailureTimeout, Message: "no response within " + f.config.Timeout.String(), Err: errors.Join(ErrTimeout, err)}
	default:
		return &FetchError{Kind: FailureNetwork, Message: "transport error", Err: err}
	}
}

func (f *Fetcher) observe(ctx context.Context, ok bool) {
	if f.observer == nil {
		return
	}
	// Observations are recorded even after the caller gave up.
	ctx = context.WithoutCancel(ctx)

	var err error
	if ok {
		err = f.observer.RecordSuccess(ctx)
	} else {
		err = f.observer.RecordFailure(ctx)
	}
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to record connectivity observation")
	}
}

// cancelOnClose releases the per-call context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

package testutil

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
)

// ErrOffline is returned by OfflineTransport while offline.
var ErrOffline = errors.New("testutil: network offline")

// OfflineTransport wraps a round tripper and fails every request with
// ErrOffline while switched off, like a device without connectivity.
type OfflineTransport struct {
	Base http.RoundTripper

	offline  atomic.Bool
	mu       sync.Mutex
	failNext int
	attempts int64
}

// NewOfflineTransport wraps base (http.DefaultTransport when nil).
func NewOfflineTransport(base http.RoundTripper) *OfflineTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &OfflineTransport{Base: base}
}

// SetOffline switches connectivity.
func (t *OfflineTransport) SetOffline(offline bool) {
	t.offline.Store(offline)
}

// FailNext makes the next n requests fail regardless of the switch.
func (t *OfflineTransport) FailNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
}

// Attempts returns how many requests reached the transport.
func (t *OfflineTransport) Attempts() int {
	return int(atomic.LoadInt64(&t.attempts))
}

// RoundTrip implements http.RoundTripper.
func (t *OfflineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&t.attempts, 1)

	t.mu.Lock()
	fail := t.failNext > 0
	if fail {
		t.failNext--
	}
	t.mu.Unlock()

	if fail || t.offline.Load() {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, ErrOffline
	}
	return t.Base.RoundTrip(req)
}

package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/Sternrassler/safety-proxy/internal/testutil"
)

func TestServeHTTP_ProxiesToOrigin(t *testing.T) {
	f := newFixture(t)
	origin, _ := url.Parse(f.origin.URL())
	f.router.cfg.Origin = origin
	f.origin.SetResponse("/api/safety/status", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"ok":true}`,
		Headers:    map[string]string{"Content-Type": "application/json", "Connection": "close"},
	})

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/api/safety/status", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("X-Child", "7")
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Connection") != "" {
		t.Error("hop-by-hop header forwarded to client")
	}

	reqs := f.origin.Requests()
	if len(reqs) != 1 || reqs[0].Header.Get("X-Child") != "7" {
		t.Errorf("origin requests = %+v", reqs)
	}
}

func TestServeHTTP_QueuedWrite(t *testing.T) {
	f := newFixture(t)
	origin, _ := url.Parse(f.origin.URL())
	f.router.cfg.Origin = origin
	f.transport.SetOffline(true)

	req := httptest.NewRequest(http.MethodPost, "http://proxy.local/api/safety/checkin", strings.NewReader(`{"n":1}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"queueId"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestServeHTTP_FailureIsBadGateway(t *testing.T) {
	f := newFixture(t)
	origin, _ := url.Parse(f.origin.URL())
	f.router.cfg.Origin = origin
	f.transport.SetOffline(true)

	req := httptest.NewRequest(http.MethodGet, "http://proxy.local/api/safety/status", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Error("empty error body")
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
		{"/base", "/x", "/base/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/safety-proxy/internal/testutil"
)

func TestResponder_Act(t *testing.T) {
	tests := []struct {
		action     string
		path       string
		wantUrgent bool
	}{
		{ActionSafe, "/api/safety/safe-response", false},
		{ActionHelp, "/api/safety/help-request", true},
		{ActionOpen, "/api/safety/open", false},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			origin := testutil.NewMockOrigin()
			defer origin.Close()
			origin.SetResponse(tt.path, testutil.NewOKResponse("application/json", `{}`))

			base, _ := url.Parse(origin.URL())
			r := NewResponder(base, http.DefaultTransport, zerolog.Nop())
			r.now = func() time.Time { return time.UnixMilli(1700000000000) }

			status, err := r.Act(context.Background(), tt.action, "alert-7")
			if err != nil {
				t.Fatalf("Act() error = %v", err)
			}
			if status != http.StatusOK {
				t.Errorf("Act() status = %d, want 200", status)
			}

			reqs := origin.Requests()
			if len(reqs) != 1 {
				t.Fatalf("origin saw %d requests, want 1", len(reqs))
			}
			if reqs[0].Method != http.MethodPost || reqs[0].Path != tt.path {
				t.Errorf("request = %s %s, want POST %s", reqs[0].Method, reqs[0].Path, tt.path)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(reqs[0].Body, &body); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if body["alertId"] != "alert-7" || body["response"] != tt.action || body["timestamp"] != float64(1700000000000) {
				t.Errorf("body = %v", body)
			}
			if urgent, _ := body["urgent"].(bool); urgent != tt.wantUrgent {
				t.Errorf("urgent = %v, want %v", urgent, tt.wantUrgent)
			}
		})
	}
}

func TestResponder_UnknownAction(t *testing.T) {
	base, _ := url.Parse("http://origin.test")
	r := NewResponder(base, http.DefaultTransport, zerolog.Nop())

	if _, err := r.Act(context.Background(), "dance", "a"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Act() error = %v, want ErrUnknownAction", err)
	}
}

func TestResponder_TransportError(t *testing.T) {
	transport := testutil.NewOfflineTransport(nil)
	transport.SetOffline(true)

	base, _ := url.Parse("http://origin.test")
	r := NewResponder(base, transport, zerolog.Nop())

	if _, err := r.Act(context.Background(), ActionSafe, "a"); !errors.Is(err, testutil.ErrOffline) {
		t.Errorf("Act() error = %v, want ErrOffline", err)
	}
}

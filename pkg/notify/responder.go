package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Notification action names.
const (
	ActionOpen = "open"
	ActionSafe = "safe"
	ActionHelp = "help"
)

// ErrUnknownAction is returned by Act for an action it does not know.
var ErrUnknownAction = errors.New("unknown notification action")

var actionPaths = map[string]string{
	ActionOpen: "/api/safety/open",
	ActionSafe: "/api/safety/safe-response",
	ActionHelp: "/api/safety/help-request",
}

type actionBody struct {
	AlertID   string `json:"alertId"`
	Response  string `json:"response"`
	Timestamp int64  `json:"timestamp"`
	Urgent    bool   `json:"urgent,omitempty"`
}

// Responder posts notification actions back to the origin. The transport is
// normally the router, so an action taken offline is queued like any other
// safety write.
type Responder struct {
	origin    *url.URL
	transport http.RoundTripper
	logger    zerolog.Logger
	now       func() time.Time
}

// NewResponder creates a responder posting to origin through transport.
func NewResponder(origin *url.URL, transport http.RoundTripper, logger zerolog.Logger) *Responder {
	return &Responder{
		origin:    origin,
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}
}

// Act posts the action for alertID and returns the status code the
// transport answered with (202 when the post was queued).
func (r *Responder) Act(ctx context.Context, action, alertID string) (int, error) {
	path, ok := actionPaths[action]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	body, err := json.Marshal(actionBody{
		AlertID:   alertID,
		Response:  action,
		Timestamp: r.now().UnixMilli(),
		Urgent:    action == ActionHelp,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal action body: %w", err)
	}

	target := r.origin.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.transport.RoundTrip(req)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("action", action).
			Str("alert_id", alertID).
			Msg("Notification action failed")
		return 0, fmt.Errorf("post %s: %w", action, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	r.logger.Info().
		Str("action", action).
		Str("alert_id", alertID).
		Int("status", resp.StatusCode).
		Msg("Notification action sent")
	return resp.StatusCode, nil
}

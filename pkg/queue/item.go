// Package queue is the durable offline queue of state-changing requests
// that failed against the network and wait to be replayed.
package queue

import (
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/safety-proxy/pkg/cache"
)

// Priority orders items in the queue.
type Priority string

const (
	// PriorityNormal items drain after critical ones and back off between attempts.
	PriorityNormal Priority = "normal"

	// PriorityCritical items are emergency or safety tagged: they drain
	// first and retry without backoff.
	PriorityCritical Priority = "critical"
)

// rank is the sort position of p; lower drains first.
func (p Priority) rank() int {
	if p == PriorityCritical {
		return 0
	}
	return 1
}

// State is the replay state of an item.
type State string

const (
	// StatePending items are waiting for a sync pass.
	StatePending State = "pending"

	// StateInFlight items are being replayed.
	StateInFlight State = "in_flight"

	// StateFailed items exhausted their attempts and are not retried
	// automatically.
	StateFailed State = "failed"
)

// Item is one queued request.
type Item struct {
	ID       string         `json:"id"`
	Identity cache.Identity `json:"identity"`

	// Method, URL, Headers and Body are replayed verbatim.
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers"`
	Body    []byte      `json:"body,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	Priority   Priority  `json:"priority"`
	Synced     bool      `json:"synced"`
	State      State     `json:"state"`

	// NextAttemptAt is the end of the backoff window; zero means now.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// LastError is the failure of the most recent attempt.
	LastError string `json:"last_error,omitempty"`

	// Owner and LeaseUntil record the sync engine holding an in-flight
	// item. An expired lease makes the item claimable again.
	Owner      string    `json:"owner,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`

	// Seq is the insertion sequence number assigned by the backend.
	Seq int64 `json:"seq"`
}

// NewItem captures req with its already-read body for later replay.
func NewItem(req *http.Request, body []byte, priority Priority) Item {
	var captured []byte
	if body != nil {
		captured = append([]byte(nil), body...)
	}
	return Item{
		Identity: cache.NewIdentity(req),
		Method:   req.Method,
		URL:      req.URL.String(),
		Headers:  req.Header.Clone(),
		Body:     captured,
		Priority: priority,
	}
}

// PriorityFor decides the priority of a failed request.
func PriorityFor(req *http.Request) Priority {
	if strings.EqualFold(req.Header.Get("X-Emergency-Mode"), "true") ||
		strings.EqualFold(req.Header.Get("X-Priority"), "critical") {
		return PriorityCritical
	}
	u := req.URL.String()
	for _, p := range []string{"/api/emergency", "/panic", "/safety-alert"} {
		if strings.Contains(u, p) {
			return PriorityCritical
		}
	}
	return PriorityNormal
}

// Eligible reports whether a sync pass at now may replay the item.
func (it Item) Eligible(now time.Time) bool {
	if it.State == StateFailed || it.Synced {
		return false
	}
	if it.State == StateInFlight && now.Before(it.LeaseUntil) {
		return false
	}
	if it.Priority == PriorityCritical {
		return true
	}
	return !now.Before(it.NextAttemptAt)
}

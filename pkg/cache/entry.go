package cache

import (
	"net/http"
	"time"
)

// Entry is a cached response.
type Entry struct {
	// Identity of the request that produced the response
	Identity Identity `json:"identity"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Data is the response body
	Data []byte `json:"data"`

	// StoredAt is when the response was written to the cache
	StoredAt time.Time `json:"stored_at"`

	// Region is the ID of the region holding the entry
	Region string `json:"region"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// KeyHeaders are the request headers that take part in a request identity.
// Two requests for the same URL with different credentials must not share
// a cache entry.
var KeyHeaders = []string{"Authorization"}

// Identity identifies a request for caching purposes. It is a value type
// and never changes after construction.
type Identity struct {
	// Method is the upper-case HTTP method.
	Method string `json:"method"`

	// URL is the absolute request URL including the query string.
	URL string `json:"url"`

	// Vary is a digest of the KeyHeaders values, empty when none are set.
	Vary string `json:"vary,omitempty"`
}

// NewIdentity builds the identity of req.
func NewIdentity(req *http.Request) Identity {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return Identity{
		Method: method,
		URL:    req.URL.String(),
		Vary:   varyDigest(req.Header),
	}
}

// URLIdentity is the identity of a plain GET for rawURL, as used for
// precached manifest entries and fallback pages.
func URLIdentity(rawURL string) Identity {
	return Identity{Method: http.MethodGet, URL: rawURL}
}

// Key returns the deterministic key string.
// Format: sw:METHOD:URL[:vary=DIGEST]
//
// Example:
//
//	sw:GET:https://app.example/emergency.html
func (id Identity) Key() string {
	key := "sw:" + id.Method + ":" + id.URL
	if id.Vary != "" {
		key += ":vary=" + id.Vary
	}
	return key
}

func varyDigest(h http.Header) string {
	var parts []string
	for _, name := range KeyHeaders {
		if v := h.Get(name); v != "" {
			parts = append(parts, strings.ToLower(name)+"="+v)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:8])
}

// Package classify maps intercepted requests to the request class that
// decides which caching strategy handles them.
package classify

import (
	"net/http"
	"strings"
)

// Class is a request class. The zero value is Generic.
type Class int

const (
	// Generic is everything no other rule matched.
	Generic Class = iota

	// StaticAsset covers stylesheets, scripts, images and icons.
	StaticAsset

	// ApiSafety covers the safety API endpoints.
	ApiSafety

	// Critical covers emergency pages that must stay reachable offline.
	Critical
)

// String returns the label used in logs and metrics.
func (c Class) String() string {
	switch c {
	case Critical:
		return "critical"
	case ApiSafety:
		return "api_safety"
	case StaticAsset:
		return "static_asset"
	default:
		return "generic"
	}
}

// rule pairs a class with the URL substrings that select it.
type rule struct {
	class    Class
	patterns []string
}

// rules are evaluated in order; the first match wins. URLs overlap
// (e.g. /api/emergency matches both Critical and ApiSafety), so the order
// here is the precedence.
var rules = []rule{
	{Critical, []string{"/emergency", "/safety-alert", "/panic"}},
	{ApiSafety, []string{"/api/safety", "/api/emergency", "/api/alerts"}},
	{StaticAsset, []string{"/css/", "/js/", "/images/", "/icons/", ".png", ".jpg", ".css", ".js"}},
}

// Classify returns the class of req. It never fails: a nil request or one
// without a URL is Generic.
func Classify(req *http.Request) Class {
	if req == nil || req.URL == nil {
		return Generic
	}
	return ClassifyURL(req.URL.String())
}

// ClassifyURL applies the classification rules to a raw URL string.
func ClassifyURL(rawURL string) Class {
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.Contains(rawURL, p) {
				return r.class
			}
		}
	}
	return Generic
}

// IsStateChanging reports whether method may change server state. Such
// requests are the only ones queued for replay.
func IsStateChanging(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}

// IsNavigation reports whether req is a full-page navigation.
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return false
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// IsImage reports whether req asks for a raster image asset.
func IsImage(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	u := req.URL.String()
	return strings.Contains(u, ".png") || strings.Contains(u, ".jpg")
}

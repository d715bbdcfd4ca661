package router

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Proxy is a reverse proxy to Origin that sends every request through
// Transport, normally a Router or something wrapping one.
type Proxy struct {
	Origin    *url.URL
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

// NewProxy creates a proxy to origin.
func NewProxy(origin *url.URL, transport http.RoundTripper, logger zerolog.Logger) *Proxy {
	return &Proxy{Origin: origin, Transport: transport, Logger: logger}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if p.Origin == nil {
		http.Error(w, "no origin configured", http.StatusInternalServerError)
		return
	}

	out := req.Clone(req.Context())
	out.RequestURI = ""
	out.URL.Scheme = p.Origin.Scheme
	out.URL.Host = p.Origin.Host
	out.URL.Path = singleJoiningSlash(p.Origin.Path, req.URL.Path)
	out.Host = p.Origin.Host
	removeHopHeaders(out.Header)
	if req.ContentLength == 0 {
		out.Body = nil
	}

	resp, err := p.Transport.RoundTrip(out)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		p.Logger.Debug().Err(err).Str("url", out.URL.String()).Msg("Proxy request failed")
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.Logger.Debug().Err(err).Str("url", out.URL.String()).Msg("Failed to copy response body")
	}
}

// ServeHTTP proxies an inbound request to Config.Origin through Handle.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	NewProxy(r.cfg.Origin, r, r.logger).ServeHTTP(w, req)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

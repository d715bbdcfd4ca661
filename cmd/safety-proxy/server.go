package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Sternrassler/safety-proxy/pkg/lifecycle"
	"github.com/Sternrassler/safety-proxy/pkg/metrics"
	"github.com/Sternrassler/safety-proxy/pkg/notify"
	"github.com/Sternrassler/safety-proxy/pkg/queue"
	"github.com/Sternrassler/safety-proxy/pkg/router"
	"github.com/Sternrassler/safety-proxy/pkg/syncer"
)

const maxControlBody = 64 << 10

// handler serves the control endpoints under /_sw/ and proxies everything
// else to the origin through the lifecycle manager.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /_sw/connectivity", a.handleConnectivity)
	mux.HandleFunc("POST /_sw/emergency", a.handleEmergency)
	mux.HandleFunc("POST /_sw/push", a.handlePush)
	mux.HandleFunc("POST /_sw/notification-action", a.handleNotificationAction)
	mux.HandleFunc("POST /_sw/sync", a.handleSync)
	mux.HandleFunc("GET /_sw/queue", a.handleQueue)
	mux.HandleFunc("POST /_sw/upgrade", a.handleUpgrade)

	mux.Handle("/", router.NewProxy(a.cfg.origin, a.lifecycle, a.logger))
	return mux
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Online    bool   `json:"online"`
	Emergency bool   `json:"emergency"`
	Queued    int    `json:"queued"`
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "starting",
		Online:    a.tracker.IsOnline(r.Context()),
		Emergency: a.lifecycle.EmergencyMode(),
	}
	if v, err := a.lifecycle.Version(); err == nil {
		resp.Status = "ok"
		resp.Version = v.String()
	}
	if n, err := a.queue.Len(r.Context()); err == nil {
		resp.Queued = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "online is required")
		return
	}
	if err := a.lifecycle.SetOnline(r.Context(), *body.Online); err != nil {
		a.logger.Error().Err(err).Msg("Failed to record connectivity")
		writeError(w, http.StatusInternalServerError, "failed to record connectivity")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	a.lifecycle.SetEmergencyMode(body.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"emergency": a.lifecycle.EmergencyMode()})
}

func (a *app) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}
	writeJSON(w, http.StatusOK, a.lifecycle.HandlePush(payload))
}

func (a *app) handleNotificationAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action  string `json:"action"`
		AlertID string `json:"alertId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	status, err := a.responder.Act(r.Context(), body.Action, body.AlertID)
	switch {
	case errors.Is(err, notify.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]int{"status": status})
	}
}

// handleSync runs a critical-only sync, or a full pass with ?all=true.
func (a *app) handleSync(w http.ResponseWriter, r *http.Request) {
	var (
		report syncer.Report
		err    error
	)
	if r.URL.Query().Get("all") == "true" {
		report, err = a.engine.SyncPass(r.Context())
	} else {
		report, err = a.engine.ForceSync(r.Context())
	}

	switch {
	case errors.Is(err, syncer.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		a.logger.Error().Err(err).Msg("Sync failed")
		writeError(w, http.StatusInternalServerError, "sync failed")
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

type queuedItem struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Priority  string      `json:"priority"`
	State     queue.State `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
}

func (a *app) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := a.queue.Drain(r.Context(), queue.FilterAll)
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to list queue")
		writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}

	out := make([]queuedItem, 0, len(items))
	for _, it := range items {
		out = append(out, queuedItem{
			ID:        it.ID,
			Method:    it.Method,
			URL:       it.URL,
			Priority:  string(it.Priority),
			State:     it.State,
			Attempts:  it.Attempts,
			LastError: it.LastError,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUpgrade installs the posted version and activates it once every
// manifest entry is stored.
func (a *app) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var v lifecycle.Version
	if !decodeJSON(w, r, &v) {
		return
	}
	if v.Standard.Name == "" || v.Critical.Name == "" {
		writeError(w, http.StatusBadRequest, "standard and critical regions are required")
		return
	}

	if err := a.lifecycle.Upgrade(r.Context(), v); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, lifecycle.ErrPrecache) {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": v.String()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

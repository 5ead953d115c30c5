package main

import (
	"encoding/json"
	"net/http"

	"github.com/GoCodeAlone/imagemanifest/objectstore"
	"github.com/GoCodeAlone/imagemanifest/observability/tracing"
	"github.com/GoCodeAlone/imagemanifest/webhook"
)

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /readyz", tracing.SpanMiddleware("/readyz", http.HandlerFunc(a.ready)))
	mux.Handle("GET /manifest", tracing.SpanMiddleware("/manifest", http.HandlerFunc(a.snapshot)))
	mux.Handle("GET "+a.metrics.Path(), a.metrics.Handler())

	var notify http.Handler = webhook.NewReceiver(a.retries,
		webhook.WithAuthToken(a.cfg.Server.AuthToken),
		webhook.WithReceiverLogger(a.logger),
	)
	if a.limiter != nil {
		notify = a.limiter.Middleware(notify)
	}
	mux.Handle(a.cfg.Server.NotifyPath, tracing.SpanMiddleware(a.cfg.Server.NotifyPath, notify))

	webhook.NewHandler(a.retries, a.cfg.Server.AuthToken).RegisterRoutes(mux)

	return a.metrics.Middleware(mux)
}

// ready reports whether the manifest location is reachable. A manifest
// that does not exist yet is fine.
func (a *app) ready(w http.ResponseWriter, r *http.Request) {
	_, err := a.store.Head(r.Context(), a.cfg.Manifest.ManifestKey)
	if err != nil && !objectstore.IsNotFound(err) {
		a.logger.Warn("Manifest location unreachable", "key", a.cfg.Manifest.ManifestKey, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *app) snapshot(w http.ResponseWriter, r *http.Request) {
	m, err := a.updater.Snapshot(r.Context())
	var data []byte
	if err == nil {
		data, err = m.Encode()
	}
	if err != nil {
		a.logger.Error("Failed to read manifest", "key", a.cfg.Manifest.ManifestKey, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "manifest unavailable"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

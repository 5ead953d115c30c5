package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Handler serves the dead-letter admin API under /admin/dead-letter.
type Handler struct {
	retries *RetryManager
	token   string
}

// NewHandler returns the admin API for the manager's dead letters. A
// non-empty token is required as a bearer token on every route.
func NewHandler(retries *RetryManager, token string) *Handler {
	return &Handler{retries: retries, token: token}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	const base = "/admin/dead-letter"
	routes := map[string]http.HandlerFunc{
		"GET " + base:                   h.list,
		"DELETE " + base:                h.purge,
		"GET " + base + "/stats":        h.stats,
		"GET " + base + "/{id}":         h.get,
		"DELETE " + base + "/{id}":      h.remove,
		"POST " + base + "/{id}/replay": h.replay,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, h.requireToken(fn))
	}
}

func (h *Handler) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, h.token) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	items := h.retries.Store().List()
	writeJSON(w, http.StatusOK, struct {
		Items []*Delivery `json:"items"`
		Total int         `json:"total"`
	}{items, len(items)})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.retries.Store().Stats())
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	if d, ok := h.retries.Store().Get(r.PathValue("id")); ok {
		writeJSON(w, http.StatusOK, d)
		return
	}
	writeError(w, http.StatusNotFound, "not found")
}

// replay answers 422 with the re-dead-lettered delivery when the
// batch fails again. The failure detail is in the delivery's lastError.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	d, err := h.retries.Replay(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		writeJSON(w, http.StatusUnprocessableEntity, struct {
			Error    string    `json:"error"`
			Delivery *Delivery `json:"delivery"`
		}{"replay failed", d})
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.retries.Store().Remove(r.PathValue("id")); !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) purge(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"purged": h.retries.Store().Purge()})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

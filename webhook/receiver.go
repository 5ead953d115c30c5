package webhook

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/imagemanifest/notification"
)

// DefaultMaxBodyBytes limits the size of a notification request body.
const DefaultMaxBodyBytes = 1 << 20

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithAuthToken requires requests to carry token as a bearer token.
func WithAuthToken(token string) ReceiverOption {
	return func(rc *Receiver) { rc.token = token }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) ReceiverOption {
	return func(rc *Receiver) { rc.maxBody = n }
}

// WithReceiverLogger sets the receiver's logger.
func WithReceiverLogger(l *slog.Logger) ReceiverOption {
	return func(rc *Receiver) { rc.logger = l }
}

// Receiver accepts S3-style event documents POSTed by MinIO webhook
// targets, SNS HTTP subscriptions or anything that emits the same JSON,
// and delivers them through a RetryManager.
type Receiver struct {
	manager *RetryManager
	token   string
	maxBody int64
	logger  *slog.Logger
}

// NewReceiver creates a Receiver delivering through manager.
func NewReceiver(manager *RetryManager, opts ...ReceiverOption) *Receiver {
	rc := &Receiver{
		manager: manager,
		maxBody: DefaultMaxBodyBytes,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// ServeHTTP handles one notification request. Test events and empty
// payloads are acknowledged without touching the manifest.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !authorized(r, rc.token) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	notes, err := notification.Decode(body)
	if err != nil {
		rc.logger.Warn("Rejected notification payload", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}
	if len(notes) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	delivery, err := rc.manager.Send(r.Context(), "webhook", notes)
	if err != nil {
		resp := map[string]any{"error": "notification could not be applied"}
		attrs := []any{"remote", r.RemoteAddr, "notifications", len(notes), "error", err}
		if delivery != nil {
			resp["deliveryId"] = delivery.ID
			attrs = append(attrs, "delivery", delivery.ID)
		}
		rc.logger.Error("Failed to deliver webhook notification", attrs...)
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"deliveryId":    delivery.ID,
		"notifications": len(notes),
	})
}

// authorized reports whether r carries token as a bearer token. An empty
// token allows every request.
func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

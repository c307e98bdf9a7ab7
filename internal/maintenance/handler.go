// Package maintenance exposes cron-triggered housekeeping endpoints.
package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"tube-backend/internal/observability"
)

// TokenPurger clears refresh tokens that expired before now, at most batchSize
// per call.
type TokenPurger interface {
	PurgeExpiredRefreshTokens(ctx context.Context, batchSize int) (int64, error)
}

type CleanupHandler struct {
	purger     TokenPurger
	logger     *observability.Logger
	cronSecret string
	batchSize  int
}

type cleanupResult struct {
	ClearedRefreshTokens int64 `json:"cleared_refresh_tokens"`
}

func NewCleanupHandler(purger TokenPurger, logger *observability.Logger, cronSecret string, batchSize int) *CleanupHandler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &CleanupHandler{
		purger:     purger,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		batchSize:  batchSize,
	}
}

// Routes mounts the cleanup endpoint for both GET (scheduler pings) and POST.
func (h *CleanupHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /internal/maintenance/cleanup", h.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", h.Handle)
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Without a secret the endpoint does not exist.
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	cleared, err := h.purger.PurgeExpiredRefreshTokens(r.Context(), h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{"cleared_refresh_tokens": cleared})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": cleanupResult{ClearedRefreshTokens: cleared},
	})
}

func (h *CleanupHandler) authorized(r *http.Request) bool {
	scheme, secret, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(secret)), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

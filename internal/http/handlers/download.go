package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/pansacloud/gateway/internal/auth"
	"github.com/pansacloud/gateway/internal/model"
	"github.com/pansacloud/gateway/internal/repo"
)

// TokenResolver looks up download tokens.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (model.DownloadToken, error)
}

// DownloadHandler answers what a download link grants. Serving the blobs
// themselves is the file service's job; it calls this first.
type DownloadHandler struct {
	tokens TokenResolver
	logger log.Logger
}

// NewDownloadHandler creates a DownloadHandler
func NewDownloadHandler(tokens TokenResolver, logger log.Logger) *DownloadHandler {
	return &DownloadHandler{tokens: tokens, logger: logger}
}

type grantResponse struct {
	OK        bool      `json:"ok"`
	Kind      string    `json:"kind"`
	UserID    int64     `json:"user_id"`
	FileID    *int64    `json:"file_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleResolve handles GET /dl/{token}
func (h *DownloadHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "token is required")
		return
	}

	t, err := h.tokens.Resolve(r.Context(), token)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "link not found")
		return
	case errors.Is(err, auth.ErrTokenExpired):
		respondWithError(w, http.StatusGone, "link expired")
		return
	case err != nil:
		level.Error(h.logger).Log("msg", "failed to resolve download token", "err", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, grantResponse{
		OK:        true,
		Kind:      string(t.Kind),
		UserID:    t.UserID,
		FileID:    t.FileID,
		ExpiresAt: t.ExpiresAt,
	})
}

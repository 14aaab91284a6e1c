package handlers

import "net/http"

// HealthHandler reports liveness and the messaging connection state.
type HealthHandler struct {
	state func() string
}

// NewHealthHandler creates a HealthHandler. state may be nil before the
// connection manager exists.
func NewHealthHandler(state func() string) *HealthHandler {
	return &HealthHandler{state: state}
}

type healthResponse struct {
	OK bool   `json:"ok"`
	WA string `json:"wa"`
}

// ServeHTTP handles GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true, WA: "idle"}
	if h.state != nil {
		resp.WA = h.state()
	}
	respondJSON(w, http.StatusOK, resp)
}

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tjfontaine/polyglot-chat-backend/internal/server"
)

// HandleHealth reports liveness.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   h.Version,
	})
}

func (h *Handler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, RootResponse{Message: h.AppName, Version: h.Version})
}

// HandleProtected greets an authenticated caller.
func (h *Handler) HandleProtected(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, fmt.Sprintf("Hello, %s. You are accessing a protected route.", p.Email))
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-chat-backend/internal/server"
)

// HandleGetHistory returns the reconstructed conversation of a thread.
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if _, err := h.authorize(r.Context(), threadID); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, h.Reconstructor.Reconstruct(r.Context(), threadID))
}

// HandleDeleteHistory deletes a thread's checkpoints, keeping the thread row.
func (h *Handler) HandleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if _, err := h.authorize(r.Context(), threadID); err != nil {
		server.WriteError(w, r, err)
		return
	}

	res := h.Deleter.Delete(r.Context(), threadID)
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusInternalServerError
		server.AddLogField(r.Context(), "error", res.Message)
	}
	server.WriteJSON(w, status, res)
}

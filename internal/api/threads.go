package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/server"
	"github.com/tjfontaine/polyglot-chat-backend/internal/threads"
)

// HandleCreateThread starts a thread owned by the caller.
func (h *Handler) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	var req ThreadCreateRequest
	if err := decode(r, &req, true); err != nil {
		server.WriteError(w, r, err)
		return
	}

	thread, err := h.Threads.Create(r.Context(), p.UserID, req.ThreadTitle)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "thread_id", thread.ID)
	server.WriteJSON(w, http.StatusOK, thread)
}

// HandleSearch finds the caller's threads by title.
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	if !q.Has("query") {
		server.WriteError(w, r, domain.ErrInvalidRequest("query parameter is required"))
		return
	}

	found, err := h.Threads.Search(r.Context(), p.UserID, q.Get("query"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, found)
}

// HandleTitles lists the caller's threads, newest first.
func (h *Handler) HandleTitles(w http.ResponseWriter, r *http.Request) {
	p, err := principal(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	page, err := intParam(r, "page", 1)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit", threads.DefaultPageSize)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}

	list, err := h.Threads.List(r.Context(), p.UserID, page, limit)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, list)
}

// HandleUpdateTitle generates and stores a title for a thread.
func (h *Handler) HandleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req TitleUpdateRequest
	if err := decode(r, &req, false); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if err := lengthBetween("thread_id", req.ThreadID, 1, MaxThreadIDLength); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if _, err := h.authorize(r.Context(), req.ThreadID); err != nil {
		server.WriteError(w, r, err)
		return
	}

	title, err := h.Threads.UpdateTitle(r.Context(), req.ThreadID, req.Message)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, TitleUpdateResponse{ThreadID: req.ThreadID, NewTitle: title})
}

// HandleDeleteThread deletes a thread after its history is verified gone.
func (h *Handler) HandleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if _, err := h.authorize(r.Context(), threadID); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if err := h.Threads.Delete(r.Context(), threadID); err != nil {
		server.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.ErrInvalidRequest(name + " must be an integer")
	}
	return n, nil
}

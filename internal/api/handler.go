// Package api exposes the chat backend over HTTP, SSE and WebSocket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tjfontaine/polyglot-chat-backend/internal/auth"
	"github.com/tjfontaine/polyglot-chat-backend/internal/chat"
	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/history"
	"github.com/tjfontaine/polyglot-chat-backend/internal/server"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
	"github.com/tjfontaine/polyglot-chat-backend/internal/threads"
)

// Deps are the collaborators a Handler serves.
type Deps struct {
	Chat          *chat.Service
	Mock          *chat.Service
	Threads       *threads.Service
	Ownership     storage.ThreadStore
	Reconstructor *history.Reconstructor
	Deleter       *history.Deleter
	AppName       string
	Version       string
	// AllowedOrigins gates WebSocket upgrades; "*" allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler serves every API route.
type Handler struct {
	Deps
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &Handler{Deps: deps}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Mount registers the routes on r. Routes under prefix that take a thread
// require requireAuth; non-streaming routes are also bounded by timeout.
func (h *Handler) Mount(r chi.Router, prefix string, requireAuth func(http.Handler) http.Handler, timeout time.Duration) {
	r.Get("/", h.HandleRoot)
	r.With(requireAuth).Get("/protected-route", h.HandleProtected)

	r.Route(prefix, func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Post("/message/stream/mock", h.HandleStreamMock)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/message/stream", h.HandleStream)
			r.Get("/message/ws", h.HandleWebSocket)

			r.Group(func(r chi.Router) {
				r.Use(server.TimeoutMiddleware(timeout))
				r.Post("/message", h.HandleSendMessage)
				r.Get("/history/{thread_id}", h.HandleGetHistory)
				r.Delete("/history/{thread_id}", h.HandleDeleteHistory)
				r.Post("/thread", h.HandleCreateThread)
				r.Get("/search", h.HandleSearch)
				r.Get("/titles", h.HandleTitles)
				r.Post("/update_thread_title", h.HandleUpdateTitle)
				r.Delete("/delete/{thread_id}", h.HandleDeleteThread)
			})
		})
	})
}

// authorize fails with 403 unless the caller owns threadID.
func (h *Handler) authorize(ctx context.Context, threadID string) (auth.Principal, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return p, domain.ErrAuthentication("Not authenticated")
	}
	server.AddLogField(ctx, "thread_id", threadID)

	owns, err := h.Ownership.Owns(ctx, threadID, p.UserID)
	if err != nil {
		return p, domain.ErrServer("failed to verify thread ownership").WithCause(err)
	}
	if !owns {
		h.Logger.Warn("thread access denied",
			slog.String("thread_id", threadID),
			slog.String("user_id", p.UserID))
		return p, domain.ErrPermission("You do not have access to this thread.").WithCode(domain.ErrorCodeThreadNotOwned)
	}
	return p, nil
}

func principal(r *http.Request) (auth.Principal, error) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return p, domain.ErrAuthentication("Not authenticated")
	}
	return p, nil
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

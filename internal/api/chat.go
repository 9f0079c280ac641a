package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/polyglot-chat-backend/internal/chat"
	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/server"
	"github.com/tjfontaine/polyglot-chat-backend/internal/stream"
)

const wsReadLimit = 64 << 10

// HandleSendMessage answers a message in one response.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decode(r, &req, false); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if _, err := h.authorize(r.Context(), req.ThreadID); err != nil {
		server.WriteError(w, r, err)
		return
	}

	resp := h.Chat.Send(r.Context(), req.Message, req.ThreadID)
	server.AddLogField(r.Context(), "message_id", resp.MessageID)
	server.WriteJSON(w, http.StatusOK, resp)
}

// HandleStream answers a message as a Server-Sent Events stream.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.streamRequest(w, r)
	if !ok {
		return
	}
	if _, err := h.authorize(r.Context(), req.ThreadID); err != nil {
		server.WriteError(w, r, err)
		return
	}
	h.serveSSE(w, r, h.Chat, req)
}

// HandleStreamMock streams a scripted answer without calling the model.
func (h *Handler) HandleStreamMock(w http.ResponseWriter, r *http.Request) {
	req, ok := h.streamRequest(w, r)
	if !ok {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")
	h.serveSSE(w, r, h.Mock, req)
}

func (h *Handler) streamRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := decode(r, &req, false); err != nil {
		server.WriteError(w, r, err)
		return req, false
	}
	if err := req.Validate(); err != nil {
		server.WriteError(w, r, err)
		return req, false
	}
	server.AddLogField(r.Context(), "thread_id", req.ThreadID)
	return req, true
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, svc *chat.Service, req ChatRequest) {
	sse := stream.NewSSEWriter(w)
	if sse == nil {
		server.WriteError(w, r, domain.ErrServer("streaming unsupported"))
		return
	}

	if err := svc.Stream(r.Context(), req.Message, req.ThreadID, sse.Emit); err != nil {
		h.logStreamEnd(req.ThreadID, err)
	}
}

// HandleWebSocket streams answers over a WebSocket. The thread is fixed by the
// thread_id query parameter; each client text message {"message": ...} starts
// one response, delivered as JSON frames. A disconnect cancels the response
// in progress.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if err := lengthBetween("thread_id", threadID, 1, MaxThreadIDLength); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if _, err := h.authorize(r.Context(), threadID); err != nil {
		server.WriteError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		server.AddError(r.Context(), err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	// The request context is not cancelled when a hijacked client goes away;
	// the reader cancels ctx instead.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	inbound := make(chan wsRequest, wsPendingMessages)
	go h.readWebSocket(ctx, cancel, conn, threadID, inbound)

	out := stream.NewWSWriter(conn)
	for {
		var req wsRequest
		select {
		case <-ctx.Done():
			return
		case req = <-inbound:
		}

		err := req.err
		if err == nil {
			err = lengthBetween("message", req.msg.Message, 1, MaxMessageLength)
		}
		if err != nil {
			_ = out.Emit(stream.Frame{
				Type:      stream.FrameError,
				ThreadID:  threadID,
				Timestamp: time.Now().UTC(),
				Error:     domain.AsAPIError(err).Message,
			})
			continue
		}

		if err := h.Chat.Stream(ctx, req.msg.Message, threadID, out.Emit); err != nil {
			h.logStreamEnd(threadID, err)
			return
		}
	}
}

// wsPendingMessages bounds the client messages queued behind a running response.
const wsPendingMessages = 8

type wsRequest struct {
	msg WSMessage
	err error
}

// readWebSocket owns the read side of conn. It cancels ctx when the client
// closes or the connection fails, and hands each message to inbound.
func (h *Handler) readWebSocket(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, threadID string, inbound chan<- wsRequest) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Logger.Debug("websocket read ended", slog.String("thread_id", threadID), slog.String("error", err.Error()))
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req.msg); err != nil {
			req.err = domain.ErrInvalidRequest("invalid message: " + err.Error())
		}

		select {
		case inbound <- req:
		case <-ctx.Done():
			return
		default:
			h.Logger.Warn("websocket client exceeded pending messages", slog.String("thread_id", threadID))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many pending messages"),
				time.Now().Add(stream.DefaultWriteWait))
			return
		}
	}
}

func (h *Handler) logStreamEnd(threadID string, err error) {
	if errors.Is(err, context.Canceled) {
		h.Logger.Debug("client disconnected during stream", slog.String("thread_id", threadID))
		return
	}
	h.Logger.Warn("stream ended early", slog.String("thread_id", threadID), slog.String("error", err.Error()))
}

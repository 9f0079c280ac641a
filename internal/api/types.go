package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

const (
	MaxMessageLength  = 10000
	MaxThreadIDLength = 100

	maxBodyBytes = 1 << 20
)

// ChatRequest is the body of the message endpoints.
type ChatRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

// Validate enforces the field length limits.
func (c ChatRequest) Validate() error {
	if err := lengthBetween("message", c.Message, 1, MaxMessageLength); err != nil {
		return err
	}
	return lengthBetween("thread_id", c.ThreadID, 1, MaxThreadIDLength)
}

// WSMessage is one client message on the WebSocket.
type WSMessage struct {
	Message string `json:"message"`
}

// ThreadCreateRequest is the optional body of POST /thread.
type ThreadCreateRequest struct {
	ThreadTitle string `json:"thread_title"`
}

// TitleUpdateRequest asks for a generated title.
type TitleUpdateRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// TitleUpdateResponse reports the stored title.
type TitleUpdateResponse struct {
	ThreadID string `json:"thread_id"`
	NewTitle string `json:"new_title"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// RootResponse describes the service.
type RootResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

func lengthBetween(field, value string, lo, hi int) error {
	n := utf8.RuneCountInString(value)
	switch {
	case n < lo:
		return domain.ErrInvalidRequest(fmt.Sprintf("%s must be at least %d characters", field, lo))
	case n > hi:
		return domain.ErrInvalidRequest(fmt.Sprintf("%s must be at most %d characters", field, hi))
	}
	return nil
}

// decode reads a JSON body into v. An empty body is allowed when optional.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err)).WithCause(err)
	}
	return nil
}

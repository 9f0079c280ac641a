package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its status and writes {"detail": message}. The full
// error is attached to the request log.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	AddError(r.Context(), err)
	WriteJSON(w, apiErr.HTTPStatusCode(), ErrorBody{Detail: apiErr.Message})
}

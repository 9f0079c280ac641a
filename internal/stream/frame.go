// Package stream converts agent steps into ordered frames for incremental
// delivery over SSE or WebSocket.
package stream

import (
	"time"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

// FrameType discriminates stream frames.
type FrameType string

const (
	FrameStreamStart   FrameType = "stream_start"
	FrameToolCalls     FrameType = "tool_calls"
	FrameContentChunk  FrameType = "content_chunk"
	FrameFinalResponse FrameType = "final_response"
	FrameStreamEnd     FrameType = "stream_end"
	FrameError         FrameType = "error"
)

// Frame is one wire-level event. MessageID is shared by every frame of a response.
type Frame struct {
	Type      FrameType         `json:"type"`
	ThreadID  string            `json:"thread_id"`
	MessageID string            `json:"message_id"`
	Timestamp time.Time         `json:"timestamp"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []domain.ToolCall `json:"tool_calls,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// EmitFunc delivers a frame to the transport. An error stops the framer.
type EmitFunc func(Frame) error

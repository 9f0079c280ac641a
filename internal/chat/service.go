// Package chat runs one user message through an agent runner and delivers the
// result either aggregated into a single response or as a frame stream.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-chat-backend/internal/agent"
	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/stream"
)

// Response is the single-shot answer to a message.
type Response struct {
	Response  string            `json:"response"`
	ThreadID  string            `json:"thread_id"`
	MessageID string            `json:"message_id"`
	Timestamp time.Time         `json:"timestamp"`
	ToolCalls []domain.ToolCall `json:"tool_calls,omitempty"`
}

// Service binds a runner to both delivery modes.
type Service struct {
	runner agent.Runner
	framer *stream.Framer
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(runner agent.Runner, framer *stream.Framer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runner: runner, framer: framer, logger: logger}
}

// Send processes message and returns the final answer with every tool call
// made along the way. Failures are folded into an apology answer.
func (s *Service) Send(ctx context.Context, message, threadID string) Response {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp := Response{ThreadID: threadID, MessageID: uuid.NewString()}

	for ev := range s.runner.Run(ctx, message, threadID) {
		if ev.Err != nil {
			resp.Response = s.apologize(threadID, ev.Err)
			break
		}
		info, err := agent.ExtractResponse(ev)
		if err != nil {
			resp.Response = s.apologize(threadID, err)
			break
		}
		resp.ToolCalls = append(resp.ToolCalls, info.ToolCalls...)
		if info.IsFinal {
			resp.Response = info.Content
			break
		}
	}

	resp.Timestamp = time.Now().UTC()
	return resp
}

// Stream processes message and emits frames until the framer finishes. The
// runner is cancelled when Stream returns.
func (s *Service) Stream(ctx context.Context, message, threadID string, emit stream.EmitFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return s.framer.Run(ctx, threadID, s.runner.Run(ctx, message, threadID), emit)
}

func (s *Service) apologize(threadID string, err error) string {
	s.logger.Error("chat processing failed",
		slog.String("thread_id", threadID),
		slog.String("error", err.Error()))
	return fmt.Sprintf("I apologize, but I encountered an error: %s", domain.AsAPIError(err).Message)
}

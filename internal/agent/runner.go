package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/llm"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
	"github.com/tjfontaine/polyglot-chat-backend/internal/telemetry"
	"github.com/tjfontaine/polyglot-chat-backend/internal/tools"
)

// ChatModel is the completion call the runner depends on. *llm.Client implements it.
type ChatModel interface {
	CreateChatCompletion(ctx context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error)
}

// Options configures an LLMRunner.
type Options struct {
	Model         string
	Temperature   float64
	SystemPrompt  string
	MaxSteps      int
	ContextTokens int
}

// LLMRunner is a ReAct-style runner: it alternates model calls and tool
// executions, checkpointing the full message list after every step.
type LLMRunner struct {
	model  ChatModel
	store  storage.CheckpointStore
	tools  *tools.Registry
	opts   Options
	logger *slog.Logger
}

var _ Runner = (*LLMRunner)(nil)

// NewLLMRunner creates a runner. A nil logger uses slog.Default.
func NewLLMRunner(model ChatModel, store storage.CheckpointStore, registry *tools.Registry, opts Options, logger *slog.Logger) *LLMRunner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMRunner{
		model:  model,
		store:  store,
		tools:  registry,
		opts:   opts,
		logger: logger,
	}
}

// Run starts processing in a goroutine. Failures are delivered as a single
// error step; nothing is sent once ctx is done.
func (r *LLMRunner) Run(ctx context.Context, message, threadID string) <-chan StepEvent {
	out := make(chan StepEvent)
	go func() {
		defer close(out)
		if err := r.run(ctx, message, threadID, out); err != nil {
			if ctx.Err() != nil {
				r.logger.Debug("agent run cancelled", slog.String("thread_id", threadID))
				return
			}
			r.logger.Error("agent run failed",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()))
			send(ctx, out, StepEvent{Err: err})
		}
	}()
	return out
}

func (r *LLMRunner) run(ctx context.Context, message, threadID string, out chan<- StepEvent) error {
	state, cp, err := loadState(ctx, r.store, threadID)
	if err != nil {
		return err
	}

	state.ChannelValues.Messages = append(state.ChannelValues.Messages, domain.Message{
		Type:             domain.MessageTypeHuman,
		Content:          domain.Content(message),
		ID:               uuid.NewString(),
		AdditionalKwargs: map[string]any{"timestamp": now()},
	})
	if err := cp.save(ctx, state, "input"); err != nil {
		return err
	}

	for step := 0; step < r.opts.MaxSteps; step++ {
		aiMsg, err := r.callModel(ctx, threadID, step, state.ChannelValues.Messages)
		if err != nil {
			return err
		}

		state.ChannelValues.Messages = append(state.ChannelValues.Messages, aiMsg)
		if err := cp.save(ctx, state, "loop"); err != nil {
			return err
		}
		if !send(ctx, out, StepEvent{Node: NodeAgent, Messages: []domain.Message{aiMsg}}) {
			return ctx.Err()
		}

		if len(aiMsg.ToolCalls) == 0 {
			return nil
		}

		toolMsgs, err := r.runTools(ctx, aiMsg.ToolCalls)
		if err != nil {
			return err
		}
		state.ChannelValues.Messages = append(state.ChannelValues.Messages, toolMsgs...)
		if err := cp.save(ctx, state, "loop"); err != nil {
			return err
		}
		if !send(ctx, out, StepEvent{Node: NodeTools, Messages: toolMsgs}) {
			return ctx.Err()
		}
	}

	return domain.ErrServer(fmt.Sprintf("agent stopped after %d steps without a final answer", r.opts.MaxSteps)).
		WithCode(domain.ErrorCodeMaxStepsExceeded)
}

func (r *LLMRunner) callModel(ctx context.Context, threadID string, step int, history []domain.Message) (domain.Message, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.step")
	defer span.End()
	span.SetAttributes(
		attribute.String("thread_id", threadID),
		attribute.Int("step", step),
		attribute.String("model", r.opts.Model),
	)

	window, err := TrimContext(history, r.opts.ContextTokens)
	if err != nil {
		return domain.Message{}, err
	}
	if len(window) < len(history) {
		r.logger.Debug("trimmed agent context",
			slog.String("thread_id", threadID),
			slog.Int("dropped", len(history)-len(window)))
	}

	temperature := r.opts.Temperature
	req := &llm.ChatCompletionRequest{
		Model:       r.opts.Model,
		Messages:    toChatMessages(r.opts.SystemPrompt, window),
		Temperature: &temperature,
		Tools:       r.tools.Definitions(),
	}

	resp, err := r.model.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return domain.Message{}, domain.ErrUpstream("model provider returned no choices")
	}

	choice := resp.Choices[0].Message
	msg := domain.Message{
		Type:             domain.MessageTypeAI,
		Content:          domain.Content(choice.Content),
		ID:               uuid.NewString(),
		AdditionalKwargs: map[string]any{"timestamp": now()},
	}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolInvocation{
			ID:       tc.ID,
			Type:     "function",
			Function: domain.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	span.SetAttributes(attribute.Int("tool_calls", len(msg.ToolCalls)))
	return msg, nil
}

// runTools executes each invocation in order. Tool failures become tool
// messages the model can react to; malformed arguments abort the run.
func (r *LLMRunner) runTools(ctx context.Context, invocations []domain.ToolInvocation) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(invocations))
	for _, inv := range invocations {
		args, err := ParseArguments(inv.Function.Arguments)
		if err != nil {
			return nil, domain.ErrUpstream(fmt.Sprintf("tool %s: %v", inv.Function.Name, err)).
				WithCode(domain.ErrorCodeMalformedToolArgument).
				WithCause(err)
		}

		content, err := r.callTool(ctx, inv.Function.Name, args)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("tool call failed",
				slog.String("tool", inv.Function.Name),
				slog.String("error", err.Error()))
			content = fmt.Sprintf("Error: %v\n Please fix your mistakes.", err)
		}

		msgs = append(msgs, domain.Message{
			Type:       domain.MessageTypeTool,
			Content:    domain.Content(content),
			ID:         uuid.NewString(),
			Name:       inv.Function.Name,
			ToolCallID: inv.ID,
		})
	}
	return msgs, nil
}

func (r *LLMRunner) callTool(ctx context.Context, name string, args map[string]any) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "tool.call")
	defer span.End()
	span.SetAttributes(attribute.String("tool", name))

	tool, err := r.tools.Get(name)
	if err != nil {
		return "", err
	}
	content, err := tool.Call(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return content, err
}

func toChatMessages(systemPrompt string, msgs []domain.Message) []llm.ChatCompletionMessage {
	out := make([]llm.ChatCompletionMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, llm.ChatCompletionMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range msgs {
		cm := llm.ChatCompletionMessage{Content: m.Text()}
		switch m.Type {
		case domain.MessageTypeHuman:
			cm.Role = "user"
		case domain.MessageTypeAI:
			cm.Role = "assistant"
			invocations, err := m.Invocations()
			if err != nil {
				continue
			}
			for _, inv := range invocations {
				cm.ToolCalls = append(cm.ToolCalls, llm.ToolCall{
					ID:       inv.ID,
					Type:     "function",
					Function: llm.FunctionCall{Name: inv.Function.Name, Arguments: inv.Function.Arguments},
				})
			}
		case domain.MessageTypeTool:
			cm.Role = "tool"
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.Name
		case domain.MessageTypeSystem:
			cm.Role = "system"
		default:
			continue
		}
		out = append(out, cm)
	}
	return out
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// IsMalformedToolArguments reports whether err came from undecodable tool arguments.
func IsMalformedToolArguments(err error) bool {
	if errors.Is(err, ErrMalformedToolArguments) {
		return true
	}
	var apiErr *domain.APIError
	return errors.As(err, &apiErr) && apiErr.Code == domain.ErrorCodeMalformedToolArgument
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

// Script builds the steps replayed for one message.
type Script func(message, threadID string) []StepEvent

// ScriptedRunner replays canned steps without calling a model. It backs the
// mock streaming endpoint and tests.
type ScriptedRunner struct {
	script Script
}

var _ Runner = (*ScriptedRunner)(nil)

// NewScriptedRunner creates a runner; a nil script uses MockScript.
func NewScriptedRunner(script Script) *ScriptedRunner {
	if script == nil {
		script = MockScript
	}
	return &ScriptedRunner{script: script}
}

// Run emits the scripted steps in order, stopping early when ctx is done.
func (r *ScriptedRunner) Run(ctx context.Context, message, threadID string) <-chan StepEvent {
	out := make(chan StepEvent)
	steps := r.script(message, threadID)
	go func() {
		defer close(out)
		for _, ev := range steps {
			if !send(ctx, out, ev) {
				return
			}
		}
	}()
	return out
}

// Steps returns a script that replays exactly steps.
func Steps(steps ...StepEvent) Script {
	return func(string, string) []StepEvent { return steps }
}

// MockScript searches for the message, then answers with a fixed reply.
func MockScript(message, threadID string) []StepEvent {
	args, _ := json.Marshal(map[string]string{"query": message})
	return []StepEvent{
		{Node: NodeAgent, Messages: []domain.Message{ToolCallMessage(
			domain.ToolInvocation{
				ID:       "call_" + uuid.NewString()[:8],
				Type:     "function",
				Function: domain.FunctionCall{Name: "tavily_search_results_json", Arguments: string(args)},
			},
		)}},
		{Node: NodeTools, Messages: []domain.Message{{
			Type:    domain.MessageTypeTool,
			Content: `[{"url":"https://example.com","content":"Mock search result."}]`,
			Name:    "tavily_search_results_json",
		}}},
		{Node: NodeAgent, Messages: []domain.Message{AnswerMessage(fmt.Sprintf(
			"This is a mock response to your message: %q. It streams word by word so you can test the client. Everything is working!",
			message,
		))}},
	}
}

// AnswerMessage is an assistant message carrying a final answer.
func AnswerMessage(text string) domain.Message {
	return domain.Message{Type: domain.MessageTypeAI, Content: domain.Content(text), ID: uuid.NewString()}
}

// ToolCallMessage is an assistant message carrying only tool invocations.
func ToolCallMessage(invocations ...domain.ToolInvocation) domain.Message {
	return domain.Message{Type: domain.MessageTypeAI, ID: uuid.NewString(), ToolCalls: invocations}
}

// ErrorStep is a terminal error step.
func ErrorStep(err error) StepEvent {
	return StepEvent{Err: err}
}

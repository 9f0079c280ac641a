package agent

import (
	"errors"
	"testing"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

func invocation(name, args string) domain.ToolInvocation {
	return domain.ToolInvocation{ID: "call_1", Type: "function", Function: domain.FunctionCall{Name: name, Arguments: args}}
}

func TestExtractResponse(t *testing.T) {
	tests := []struct {
		name      string
		event     StepEvent
		wantTool  bool
		wantFinal bool
		wantText  string
		wantCalls []domain.ToolCall
		wantErr   bool
	}{
		{
			name:      "final answer",
			event:     StepEvent{Node: NodeAgent, Messages: []domain.Message{AnswerMessage("Paris is sunny.")}},
			wantFinal: true,
			wantText:  "Paris is sunny.",
		},
		{
			name: "tool call",
			event: StepEvent{Node: NodeAgent, Messages: []domain.Message{
				ToolCallMessage(invocation("tavily_search_results_json", `{"query":"paris weather"}`)),
			}},
			wantTool:  true,
			wantCalls: []domain.ToolCall{{ToolName: "tavily_search_results_json", Query: "paris weather"}},
		},
		{
			name: "tool call in additional_kwargs",
			event: StepEvent{Node: NodeAgent, Messages: []domain.Message{{
				Type: domain.MessageTypeAI,
				AdditionalKwargs: map[string]any{"tool_calls": []any{
					map[string]any{"id": "c1", "type": "function", "function": map[string]any{
						"name": "search", "arguments": `{"query":"go"}`,
					}},
				}},
			}}},
			wantTool:  true,
			wantCalls: []domain.ToolCall{{ToolName: "search", Query: "go"}},
		},
		{
			name: "arguments without query",
			event: StepEvent{Node: NodeAgent, Messages: []domain.Message{
				ToolCallMessage(invocation("calc", `{"expression":"1+1"}`)),
			}},
			wantTool:  true,
			wantCalls: []domain.ToolCall{{ToolName: "calc", Query: ""}},
		},
		{
			name:  "tools node is neutral",
			event: StepEvent{Node: NodeTools, Messages: []domain.Message{{Type: domain.MessageTypeTool, Content: "results"}}},
		},
		{
			name:  "error step is neutral",
			event: ErrorStep(errors.New("boom")),
		},
		{
			name: "malformed arguments",
			event: StepEvent{Node: NodeAgent, Messages: []domain.Message{
				ToolCallMessage(invocation("search", `{"query": "unterminated`)),
			}},
			wantErr: true,
		},
		{
			name: "python literal arguments rejected",
			event: StepEvent{Node: NodeAgent, Messages: []domain.Message{
				ToolCallMessage(invocation("search", `{'query': 'x'}`)),
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ExtractResponse(tt.event)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedToolArguments) {
					t.Fatalf("ExtractResponse() error = %v, want ErrMalformedToolArguments", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractResponse() error = %v", err)
			}
			if info.IsToolCall != tt.wantTool {
				t.Errorf("IsToolCall = %v, want %v", info.IsToolCall, tt.wantTool)
			}
			if info.IsFinal != tt.wantFinal {
				t.Errorf("IsFinal = %v, want %v", info.IsFinal, tt.wantFinal)
			}
			if info.Content != tt.wantText {
				t.Errorf("Content = %q, want %q", info.Content, tt.wantText)
			}
			if len(info.ToolCalls) != len(tt.wantCalls) {
				t.Fatalf("ToolCalls = %+v, want %+v", info.ToolCalls, tt.wantCalls)
			}
			for i, want := range tt.wantCalls {
				got := info.ToolCalls[i]
				if got.ToolName != want.ToolName || got.Query != want.Query {
					t.Errorf("ToolCalls[%d] = %+v, want %+v", i, got, want)
				}
			}
		})
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		raw     string
		wantLen int
		wantErr bool
	}{
		{``, 0, false},
		{`   `, 0, false},
		{`{}`, 0, false},
		{`{"query":"x","n":3}`, 2, false},
		{`null`, 0, true},
		{`[1,2]`, 0, true},
		{`"query"`, 0, true},
		{`{"a":1} {"b":2}`, 0, true},
		{`__import__('os').system('true')`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			args, err := ParseArguments(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseArguments(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if !tt.wantErr && len(args) != tt.wantLen {
				t.Errorf("ParseArguments(%q) = %v, want %d keys", tt.raw, args, tt.wantLen)
			}
		})
	}
}

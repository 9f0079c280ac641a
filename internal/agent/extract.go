package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

// ErrMalformedToolArguments is returned when a tool call's arguments are not a JSON object.
var ErrMalformedToolArguments = errors.New("malformed tool arguments")

// ResponseInfo is the classification of one StepEvent.
type ResponseInfo struct {
	Content    string
	ToolCalls  []domain.ToolCall
	IsToolCall bool
	IsFinal    bool
}

// ExtractResponse classifies an agent step as a tool-call step, a final
// answer, or neither. Tool arguments must decode to a JSON object.
func ExtractResponse(ev StepEvent) (ResponseInfo, error) {
	var info ResponseInfo
	if ev.Node != NodeAgent {
		return info, nil
	}

	for _, msg := range ev.Messages {
		if msg.Type != domain.MessageTypeAI {
			continue
		}
		if !msg.HasToolCalls() {
			info.IsFinal = true
			info.Content = msg.Text()
			continue
		}

		info.IsToolCall = true
		invocations, err := msg.Invocations()
		if err != nil {
			return ResponseInfo{}, fmt.Errorf("%w: %v", ErrMalformedToolArguments, err)
		}
		for _, inv := range invocations {
			args, err := ParseArguments(inv.Function.Arguments)
			if err != nil {
				return ResponseInfo{}, fmt.Errorf("tool %s: %w", inv.Function.Name, err)
			}
			query, _ := args["query"].(string)
			info.ToolCalls = append(info.ToolCalls, domain.ToolCall{
				ToolName:  inv.Function.Name,
				Query:     query,
				Arguments: args,
			})
		}
	}
	return info, nil
}

// ParseArguments decodes a tool-call argument string into an object.
// Empty input is an empty object; anything else must be exactly one JSON object.
func ParseArguments(raw string) (map[string]any, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToolArguments, err)
	}
	if args == nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrMalformedToolArguments)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after arguments", ErrMalformedToolArguments)
	}
	return args, nil
}

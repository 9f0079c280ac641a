package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MessageType is the serialized kind of a message stored inside a checkpoint.
type MessageType string

const (
	MessageTypeHuman  MessageType = "human"
	MessageTypeAI     MessageType = "ai"
	MessageTypeTool   MessageType = "tool"
	MessageTypeSystem MessageType = "system"
)

// Role is the conversational role exposed to clients.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content is message text. On the wire it may be a plain string or a list of
// typed parts; only text parts are kept.
type Content string

// UnmarshalJSON accepts a string, null, or an array of {"type":"text","text":...} parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content is neither a string nor a list of parts: %w", err)
	}

	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	*c = Content(b.String())
	return nil
}

// ToolInvocation is a model-issued function call in OpenAI wire form.
// Arguments is the raw JSON string produced by the model.
type ToolInvocation struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single turn embedded in a checkpoint's state payload.
type Message struct {
	Type             MessageType      `json:"type"`
	Content          Content          `json:"content"`
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name,omitempty"`
	ToolCalls        []ToolInvocation `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
	AdditionalKwargs map[string]any   `json:"additional_kwargs,omitempty"`
}

// Text returns the message content as a string.
func (m Message) Text() string {
	return string(m.Content)
}

// HasToolCalls reports whether the message carries pending tool-invocation
// metadata, either top-level or inside additional_kwargs.
func (m Message) HasToolCalls() bool {
	if len(m.ToolCalls) > 0 {
		return true
	}
	if m.AdditionalKwargs == nil {
		return false
	}
	for _, key := range []string{"tool_calls", "function_call"} {
		if present(m.AdditionalKwargs[key]) {
			return true
		}
	}
	return false
}

// Invocations returns the message's tool calls, falling back to the OpenAI-shaped
// list under additional_kwargs.tool_calls.
func (m Message) Invocations() ([]ToolInvocation, error) {
	if len(m.ToolCalls) > 0 {
		return m.ToolCalls, nil
	}
	raw, ok := m.AdditionalKwargs["tool_calls"]
	if !ok || !present(raw) {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var calls []ToolInvocation
	if err := json.Unmarshal(encoded, &calls); err != nil {
		return nil, fmt.Errorf("decode additional_kwargs.tool_calls: %w", err)
	}
	return calls, nil
}

// Timestamp returns the message's embedded timestamp from
// additional_kwargs.timestamp, accepting RFC3339 strings and unix seconds.
func (m Message) Timestamp() (time.Time, bool) {
	if m.AdditionalKwargs == nil {
		return time.Time{}, false
	}
	return ParseTimestamp(m.AdditionalKwargs["timestamp"])
}

// ParseTimestamp interprets a decoded JSON value as a point in time.
func ParseTimestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case string:
		if ts == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07:00"} {
			if t, err := time.Parse(layout, ts); err == nil {
				return t.UTC(), true
			}
		}
		if secs, err := strconv.ParseFloat(ts, 64); err == nil {
			return unixFloat(secs), true
		}
	case float64:
		if ts > 0 {
			return unixFloat(ts), true
		}
	case json.Number:
		if secs, err := ts.Float64(); err == nil && secs > 0 {
			return unixFloat(secs), true
		}
	}
	return time.Time{}, false
}

func unixFloat(secs float64) time.Time {
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, frac).UTC()
}

func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// ToolCall is the normalized record of one tool invocation surfaced to clients.
type ToolCall struct {
	ToolName  string         `json:"tool_name"`
	Query     string         `json:"query"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// HistoryMessage is one conversational turn returned by history reads.
type HistoryMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
}

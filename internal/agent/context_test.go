package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

func TestCountTokens(t *testing.T) {
	n, err := CountTokens([]domain.Message{{Type: domain.MessageTypeHuman, Content: "hello world"}})
	if err != nil {
		t.Fatalf("CountTokens() error = %v", err)
	}
	// "hello world" is two cl100k tokens.
	if n != 2+perMessageOverhead {
		t.Errorf("CountTokens() = %d, want %d", n, 2+perMessageOverhead)
	}
}

func TestTrimContext(t *testing.T) {
	long := domain.Content(strings.Repeat("lorem ipsum ", 200))
	msgs := []domain.Message{
		{Type: domain.MessageTypeHuman, Content: long},
		ToolCallMessage(invocation("search", `{"query":"x"}`)),
		{Type: domain.MessageTypeTool, Content: long, ToolCallID: "call_1"},
		{Type: domain.MessageTypeAI, Content: "short answer"},
		{Type: domain.MessageTypeHuman, Content: "next question"},
	}

	t.Run("disabled", func(t *testing.T) {
		got, err := TrimContext(msgs, 0)
		if err != nil || len(got) != len(msgs) {
			t.Errorf("TrimContext(0) = %d messages, %v", len(got), err)
		}
	})

	t.Run("fits", func(t *testing.T) {
		got, _ := TrimContext(msgs, 1_000_000)
		if len(got) != len(msgs) {
			t.Errorf("TrimContext(large) = %d messages, want %d", len(got), len(msgs))
		}
	})

	t.Run("drops oldest without orphaning tool results", func(t *testing.T) {
		got, err := TrimContext(msgs, 50)
		if err != nil {
			t.Fatalf("TrimContext() error = %v", err)
		}
		if len(got) == 0 || got[len(got)-1].Text() != "next question" {
			t.Fatalf("newest message not kept: %+v", got)
		}
		if got[0].Type == domain.MessageTypeTool {
			t.Errorf("window starts with a tool result: %+v", got[0])
		}
		if len(got) != 2 {
			t.Errorf("TrimContext() = %d messages, want 2", len(got))
		}
	})

	t.Run("keeps newest even when over budget", func(t *testing.T) {
		got, _ := TrimContext(msgs[:1], 1)
		if len(got) != 1 {
			t.Errorf("TrimContext() = %d messages, want 1", len(got))
		}
	})
}

func TestTrimContext_LongThread(t *testing.T) {
	turn := domain.Message{Type: domain.MessageTypeHuman, Content: domain.Content(strings.Repeat("context window ", 120))}
	per, err := CountTokens([]domain.Message{turn})
	if err != nil {
		t.Fatalf("CountTokens() error = %v", err)
	}

	const budget = 24000
	for _, n := range []int{200, 400, 800} {
		msgs := make([]domain.Message, n)
		for i := range msgs {
			msgs[i] = turn
		}

		start := time.Now()
		got, err := TrimContext(msgs, budget)
		elapsed := time.Since(start)
		if err != nil {
			t.Fatalf("n=%d: TrimContext() error = %v", n, err)
		}
		if want := budget / per; len(got) != want {
			t.Errorf("n=%d: kept %d messages, want %d", n, len(got), want)
		}
		if elapsed > 2*time.Second {
			t.Errorf("n=%d: TrimContext() took %v", n, elapsed)
		}
	}
}

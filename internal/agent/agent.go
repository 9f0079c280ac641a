// Package agent drives the tool-using LLM loop for one user message and
// classifies the steps it yields.
package agent

import (
	"context"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

// Node names the graph node that produced a step.
type Node string

const (
	NodeAgent Node = "agent"
	NodeTools Node = "tools"
)

// StepEvent is one unit of progress yielded while processing a message.
// A non-nil Err marks the terminal error step.
type StepEvent struct {
	Node     Node
	Messages []domain.Message
	Err      error
}

// Runner processes one message against a thread's checkpointed state.
// The returned channel is closed when processing ends or ctx is done.
type Runner interface {
	Run(ctx context.Context, message, threadID string) <-chan StepEvent
}

// send delivers ev unless ctx is done first.
func send(ctx context.Context, out chan<- StepEvent, ev StepEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

package agent

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
)

// perMessageOverhead approximates the role and framing tokens of one chat message.
const perMessageOverhead = 4

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CountTokens estimates the prompt size of msgs with the cl100k encoding.
func CountTokens(msgs []domain.Message) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	total := 0
	for _, m := range msgs {
		n, err := messageTokens(c, m)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func messageTokens(c tokenizer.Codec, m domain.Message) (int, error) {
	ids, _, err := c.Encode(m.Text())
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}
	n := len(ids) + perMessageOverhead
	for _, inv := range m.ToolCalls {
		ids, _, err := c.Encode(inv.Function.Name + inv.Function.Arguments)
		if err != nil {
			return 0, fmt.Errorf("failed to encode tool call: %w", err)
		}
		n += len(ids)
	}
	return n, nil
}

// TrimContext drops the oldest turns until msgs fits in budget tokens. The
// newest message is always kept, and the window never starts on a tool
// result whose invoking assistant message was dropped. budget <= 0 disables trimming.
// Each message is encoded at most once, walking back from the newest.
func TrimContext(msgs []domain.Message, budget int) ([]domain.Message, error) {
	if budget <= 0 || len(msgs) <= 1 {
		return msgs, nil
	}

	c, err := getCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	start := len(msgs) - 1
	total, err := messageTokens(c, msgs[start])
	if err != nil {
		return nil, err
	}
	for i := start - 1; i >= 0; i-- {
		n, err := messageTokens(c, msgs[i])
		if err != nil {
			return nil, err
		}
		if total+n > budget {
			break
		}
		total += n
		start = i
	}

	for start < len(msgs)-1 && msgs[start].Type == domain.MessageTypeTool {
		start++
	}
	return msgs[start:], nil
}

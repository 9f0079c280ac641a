// Package history rebuilds user-visible conversation history from agent
// checkpoints and deletes it with verification.
package history

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
)

// History is the reconstructed conversation for one thread.
type History struct {
	ThreadID      string                  `json:"thread_id"`
	Messages      []domain.HistoryMessage `json:"messages"`
	TotalMessages int                     `json:"total_messages"`
}

// shape locates the message list inside a decoded checkpoint payload.
type shape struct {
	name  string
	match func(payload map[string]json.RawMessage) json.RawMessage
}

// shapes are probed in order; the first that yields a non-empty list wins.
var shapes = []shape{
	{"channel_values.messages", nested("channel_values")},
	{"messages", func(p map[string]json.RawMessage) json.RawMessage { return p["messages"] }},
	{"values.messages", nested("values")},
}

func nested(key string) func(map[string]json.RawMessage) json.RawMessage {
	return func(p map[string]json.RawMessage) json.RawMessage {
		raw, ok := p[key]
		if !ok {
			return nil
		}
		var inner map[string]json.RawMessage
		if json.Unmarshal(raw, &inner) != nil {
			return nil
		}
		return inner["messages"]
	}
}

// Reconstructor turns a thread's checkpoints into ordered, deduplicated history.
type Reconstructor struct {
	store  storage.CheckpointStore
	logger *slog.Logger
}

// NewReconstructor creates a Reconstructor. A nil logger uses slog.Default.
func NewReconstructor(store storage.CheckpointStore, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{store: store, logger: logger}
}

type entry struct {
	msg   domain.HistoryMessage
	ts    time.Time
	known bool
}

// Reconstruct never fails: store errors yield an empty history and
// undecodable checkpoints are skipped.
func (r *Reconstructor) Reconstruct(ctx context.Context, threadID string) History {
	result := History{ThreadID: threadID, Messages: []domain.HistoryMessage{}}

	checkpoints, err := r.store.ListCheckpoints(ctx, threadID)
	if err != nil {
		r.logger.Warn("error listing checkpoints",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()))
		return result
	}
	if len(checkpoints) == 0 {
		r.logger.Debug("no checkpoints found", slog.String("thread_id", threadID))
		return result
	}

	var (
		entries []entry
		seen    = make(map[string]struct{})
	)
	for _, cp := range checkpoints {
		messages, shapeName, err := locateMessages(cp.Payload)
		if err != nil {
			r.logger.Warn("skipping malformed checkpoint",
				slog.String("thread_id", threadID),
				slog.String("checkpoint_id", cp.ID),
				slog.String("shape", shapeName),
				slog.String("error", err.Error()))
			continue
		}
		if len(messages) == 0 {
			continue
		}

		fallbackTS, fallbackKnown := checkpointTimestamp(cp)
		for _, m := range messages {
			role, ok := visibleRole(m)
			if !ok {
				continue
			}

			key := dedupKey(m)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			e := entry{msg: domain.HistoryMessage{
				Role:      role,
				Content:   m.Text(),
				MessageID: m.ID,
			}}
			if e.msg.MessageID == "" {
				e.msg.MessageID = uuid.NewString()
			}
			if ts, ok := m.Timestamp(); ok {
				e.ts, e.known = ts, true
			} else if fallbackKnown {
				e.ts, e.known = fallbackTS, true
			}
			if e.known {
				ts := e.ts
				e.msg.Timestamp = &ts
			}
			entries = append(entries, e)
		}
	}

	// Unknown timestamps sort first.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].known != entries[j].known {
			return !entries[i].known
		}
		return entries[i].ts.Before(entries[j].ts)
	})

	for _, e := range entries {
		result.Messages = append(result.Messages, e.msg)
	}
	result.TotalMessages = len(result.Messages)
	return result
}

// locateMessages decodes the first non-empty message list among the known shapes.
func locateMessages(payload json.RawMessage) ([]domain.Message, string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, "", err
	}

	for _, s := range shapes {
		raw := s.match(top)
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var messages []domain.Message
		if err := json.Unmarshal(raw, &messages); err != nil {
			return nil, s.name, err
		}
		if len(messages) > 0 {
			return messages, s.name, nil
		}
	}
	return nil, "", nil
}

// visibleRole keeps human turns and assistant turns that carry text and no
// pending tool invocation.
func visibleRole(m domain.Message) (domain.Role, bool) {
	switch m.Type {
	case domain.MessageTypeHuman:
		return domain.RoleUser, true
	case domain.MessageTypeAI:
		if m.HasToolCalls() || strings.TrimSpace(m.Text()) == "" {
			return "", false
		}
		return domain.RoleAssistant, true
	default:
		return "", false
	}
}

// dedupKey is kind plus content hash. Two distinct messages of the same kind
// with identical text in one thread collapse into one.
func dedupKey(m domain.Message) string {
	sum := blake3.Sum256([]byte(m.Text()))
	return string(m.Type) + ":" + hex.EncodeToString(sum[:])
}

// checkpointTimestamp reads ts or created_at from the checkpoint metadata,
// then from the payload itself.
func checkpointTimestamp(cp *storage.Checkpoint) (time.Time, bool) {
	for _, doc := range []json.RawMessage{cp.Metadata, cp.Payload} {
		if len(doc) == 0 {
			continue
		}
		var fields map[string]any
		if json.Unmarshal(doc, &fields) != nil {
			continue
		}
		for _, key := range []string{"ts", "created_at"} {
			if ts, ok := domain.ParseTimestamp(fields[key]); ok {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

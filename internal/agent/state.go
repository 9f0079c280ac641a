package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tjfontaine/polyglot-chat-backend/internal/domain"
	"github.com/tjfontaine/polyglot-chat-backend/internal/storage"
	"github.com/tjfontaine/polyglot-chat-backend/internal/telemetry"
)

// State is the agent state persisted in every checkpoint payload.
type State struct {
	ChannelValues ChannelValues `json:"channel_values"`
}

type ChannelValues struct {
	Messages []domain.Message `json:"messages"`
}

// CheckpointMetadata is written alongside every payload.
type CheckpointMetadata struct {
	TS     string `json:"ts"`
	Step   int    `json:"step"`
	Source string `json:"source"` // input or loop
}

// checkpointer appends successive states for one thread, chaining parent ids.
type checkpointer struct {
	store    storage.CheckpointStore
	threadID string
	parentID string
	step     int
}

// loadState returns the thread's latest state and a checkpointer positioned after it.
func loadState(ctx context.Context, store storage.CheckpointStore, threadID string) (*State, *checkpointer, error) {
	cp := &checkpointer{store: store, threadID: threadID, step: -1}

	latest, err := store.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint: %w", err)
	}
	state := &State{}
	if latest == nil {
		return state, cp, nil
	}

	if err := json.Unmarshal(latest.Payload, state); err != nil {
		return nil, nil, fmt.Errorf("decode checkpoint %s: %w", latest.ID, err)
	}
	cp.parentID = latest.ID
	if len(latest.Metadata) > 0 {
		var meta CheckpointMetadata
		if json.Unmarshal(latest.Metadata, &meta) == nil {
			cp.step = meta.Step
		}
	}
	return state, cp, nil
}

func (c *checkpointer) save(ctx context.Context, state *State, source string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "checkpoint.append")
	defer span.End()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	now := time.Now().UTC()
	c.step++
	meta, err := json.Marshal(CheckpointMetadata{
		TS:     now.Format(time.RFC3339Nano),
		Step:   c.step,
		Source: source,
	})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	id := uuid.NewString()
	span.SetAttributes(
		attribute.String("thread_id", c.threadID),
		attribute.Int("step", c.step),
	)
	if err := c.store.AppendCheckpoint(ctx, &storage.Checkpoint{
		ID:        id,
		ThreadID:  c.threadID,
		ParentID:  c.parentID,
		Payload:   payload,
		Metadata:  meta,
		CreatedAt: now,
	}); err != nil {
		span.RecordError(err)
		return err
	}
	c.parentID = id
	return nil
}

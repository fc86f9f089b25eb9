package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

var (
	chatOutputRoles = map[string]bool{"assistant": true, "tool": true, "bot": true}
	chatInputRoles  = map[string]bool{"user": true, "system": true}
)

type chatMessage struct {
	Role     string         `json:"role"`
	Content  any            `json:"content"`
	IsRetry  bool           `json:"isRetry"`
	Tags     []string       `json:"tags"`
	Extra    map[string]any `json:"extra"`
	Metadata map[string]any `json:"metadata"`
}

// ingestChat records one chat message under its thread. A run holds one
// exchange: input messages followed by output messages. A user message
// after an answered exchange opens a new run, and a retry forks a sibling
// of the last run.
func (s *Service) ingestChat(ctx context.Context, projectID string, ev domain.Event, externalUserID *int64, batch *batchState) error {
	threadID := ev.ParentRunID
	if threadID == "" {
		return &domain.ValidationError{Field: "parentRunId", Reason: "is required for chat events"}
	}
	if len(ev.Message) == 0 {
		return &domain.ValidationError{Field: "message", Reason: "is required for chat events"}
	}
	var msg chatMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		return &domain.ValidationError{Field: "message", Reason: "must be an object"}
	}

	metadata := msg.Metadata
	if metadata == nil {
		metadata = msg.Extra
	}
	core := map[string]any{"role": msg.Role}
	if msg.Content != nil {
		core["content"] = msg.Content
	}
	if metadata != nil {
		core["metadata"] = metadata
	}
	coreJSON, err := json.Marshal(core)
	if err != nil {
		return fmt.Errorf("failed to encode chat message: %w", err)
	}

	thread := &domain.Run{
		ID:             threadID,
		ProjectID:      projectID,
		Type:           domain.RunTypeThread,
		ExternalUserID: externalUserID,
		CreatedAt:      ev.Timestamp,
		Tags:           ev.ThreadTags,
		Input:          coreJSON,
	}
	if err := s.store.UpsertRun(ctx, thread); err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", threadID, err)
	}

	previous, err := s.store.GetLastChildRun(ctx, projectID, threadID)
	if err != nil {
		return fmt.Errorf("failed to get last chat run: %w", err)
	}

	isOutput := chatOutputRoles[msg.Role]
	isInput := chatInputRoles[msg.Role]
	single := json.RawMessage("[" + string(coreJSON) + "]")
	endedAt := ev.Timestamp

	run := &domain.Run{
		ID:             ev.RunID,
		ProjectID:      projectID,
		Type:           domain.RunTypeChat,
		Status:         domain.RunStatusSuccess,
		ExternalUserID: externalUserID,
		ParentRunID:    threadID,
		CreatedAt:      ev.Timestamp,
		EndedAt:        &endedAt,
		Tags:           msg.Tags,
		Metadata:       metadata,
		Feedback:       ev.Feedback,
	}

	switch {
	case previous == nil:
		if isOutput {
			run.Output = single
		} else if isInput {
			run.Input = single
		}
		return s.insertChatRun(ctx, run, batch)

	case msg.IsRetry:
		run.SiblingRunID = previous.ID
		run.Name = previous.Name
		run.Params = previous.Params
		if run.Tags == nil {
			run.Tags = previous.Tags
		}
		if run.Metadata == nil {
			run.Metadata = previous.Metadata
		}
		if run.ExternalUserID == nil {
			run.ExternalUserID = previous.ExternalUserID
		}
		run.Input = previous.Input
		if isInput {
			run.Input = single
		}
		if isOutput {
			run.Output = single
		}
		return s.insertChatRun(ctx, run, batch)

	case isOutput:
		return s.updateChatRun(ctx, projectID, previous, ev, run, domain.RunUpdate{
			Output: appendMessage(previous.Output, coreJSON),
		})

	case isInput && len(previous.Output) > 0:
		run.Input = single
		return s.insertChatRun(ctx, run, batch)

	case isInput:
		return s.updateChatRun(ctx, projectID, previous, ev, run, domain.RunUpdate{
			Input: appendMessage(previous.Input, coreJSON),
		})
	}
	return nil
}

func (s *Service) insertChatRun(ctx context.Context, run *domain.Run, batch *batchState) error {
	if err := s.store.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("failed to insert chat run %s: %w", run.ID, err)
	}
	batch.markInserted(run.ID)
	return nil
}

func (s *Service) updateChatRun(ctx context.Context, projectID string, previous *domain.Run, ev domain.Event, run *domain.Run, update domain.RunUpdate) error {
	update.EndedAt = run.EndedAt
	update.Tags = run.Tags
	update.Metadata = run.Metadata
	update.Feedback = ev.Feedback
	update.ExternalUserID = run.ExternalUserID
	if err := s.store.UpdateRun(ctx, projectID, previous.ID, update); err != nil {
		return fmt.Errorf("failed to update chat run %s: %w", previous.ID, err)
	}
	return nil
}

// appendMessage appends msg to a stored message list. A stored non-list
// value becomes the first element.
func appendMessage(stored json.RawMessage, msg json.RawMessage) json.RawMessage {
	var list []json.RawMessage
	if len(stored) > 0 && string(stored) != "null" {
		if err := json.Unmarshal(stored, &list); err != nil {
			list = []json.RawMessage{stored}
		}
	}
	list = append(list, msg)
	data, err := json.Marshal(list)
	if err != nil {
		return msg
	}
	return data
}

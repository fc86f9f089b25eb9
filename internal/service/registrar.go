package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/metrics"
)

// maxRunWaitRetries bounds how often a lookup for a run that is not yet
// visible is repeated after waiting ParentRetryDelay.
const maxRunWaitRetries = 1

// batchState is owned by one ingestion call and discarded when it returns.
type batchState struct {
	inserted map[string]struct{}
}

func newBatchState() *batchState {
	return &batchState{inserted: make(map[string]struct{})}
}

func (b *batchState) markInserted(runID string) {
	b.inserted[runID] = struct{}{}
}

func (b *batchState) insertedCount() int {
	return len(b.inserted)
}

// registerEvent applies one ordered event to the run graph.
func (s *Service) registerEvent(ctx context.Context, projectID string, ev domain.Event, batch *batchState) error {
	if ev.Type == domain.RunTypeLog {
		return s.registerLog(ctx, projectID, ev)
	}

	var externalUserID *int64
	// end/error skip the upsert so lastSeen tracks activity starts.
	if ev.UserID != "" && ev.Event != domain.EventEnd && ev.Event != domain.EventError {
		id, err := s.store.UpsertExternalUser(ctx, &domain.ExternalUser{
			ProjectID:  projectID,
			ExternalID: ev.UserID,
			LastSeen:   ev.Timestamp,
			Props:      ev.UserProps,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert external user: %w", err)
		}
		externalUserID = &id
	}

	switch ev.Event {
	case domain.EventStart:
		return s.startRun(ctx, projectID, ev, externalUserID, batch)
	case domain.EventEnd:
		return s.endRun(ctx, projectID, ev)
	case domain.EventError:
		return s.failRun(ctx, projectID, ev)
	case domain.EventFeedback:
		return s.recordFeedback(ctx, projectID, ev)
	case domain.EventUpdate:
		return s.updateRun(ctx, projectID, ev)
	case domain.EventCustomEvent:
		return s.recordCustomEvent(ctx, projectID, ev, externalUserID, batch)
	case domain.EventChat:
		return s.ingestChat(ctx, projectID, ev, externalUserID, batch)
	}
	return &domain.ValidationError{Field: "event", Reason: fmt.Sprintf("%q is not a known event", ev.Event)}
}

func (s *Service) startRun(ctx context.Context, projectID string, ev domain.Event, externalUserID *int64, batch *batchState) error {
	parentRunID := ev.ParentRunID
	if parentRunID != "" {
		parent, err := s.awaitRun(ctx, projectID, parentRunID)
		if err != nil {
			return err
		}
		if parent == nil {
			clog.FromContext(ctx).With("run_id", ev.RunID, "parent_run_id", parentRunID).
				Warn("parent run still missing after retry, dropping parent link")
			metrics.ParentRetries.WithLabelValues("dropped").Inc()
			parentRunID = ""
		} else if externalUserID == nil && parent.ExternalUserID != nil {
			externalUserID = parent.ExternalUserID
		}
	}

	run := &domain.Run{
		ID:                ev.RunID,
		ProjectID:         projectID,
		Type:              ev.Type,
		Status:            domain.RunStatusStarted,
		ExternalUserID:    externalUserID,
		ParentRunID:       parentRunID,
		CreatedAt:         ev.Timestamp,
		Name:              ev.Name,
		Input:             ev.Input,
		Output:            ev.Output,
		Params:            ev.Params,
		Metadata:          ev.Metadata,
		Tags:              ev.Tags,
		TemplateVersionID: ev.TemplateVersionID,
		Runtime:           ev.Runtime,
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("failed to insert run %s: %w", ev.RunID, err)
	}

	batch.markInserted(ev.RunID)
	metrics.RunsCreated.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// awaitRun looks a run up, waiting once for it to become visible.
// It returns (nil, nil) if the run is still missing after the retry.
func (s *Service) awaitRun(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	for attempt := 0; ; attempt++ {
		run, err := s.store.GetRunByID(ctx, projectID, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
		}
		if run != nil {
			if attempt > 0 {
				metrics.ParentRetries.WithLabelValues("resolved").Inc()
			}
			return run, nil
		}
		if attempt >= maxRunWaitRetries {
			return nil, nil
		}

		clog.FromContext(ctx).With("run_id", runID, "delay", s.config.ParentRetryDelay).
			Warn("run not visible yet, retrying")
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *Service) wait(ctx context.Context) error {
	timer := time.NewTimer(s.config.ParentRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) requireRun(ctx context.Context, projectID, runID string, wait bool) (*domain.Run, error) {
	var run *domain.Run
	var err error
	if wait {
		run, err = s.awaitRun(ctx, projectID, runID)
	} else {
		run, err = s.store.GetRunByID(ctx, projectID, runID)
	}
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

func (s *Service) endRun(ctx context.Context, projectID string, ev domain.Event) error {
	run, err := s.requireRun(ctx, projectID, ev.RunID, true)
	if err != nil {
		return err
	}

	status := domain.RunStatusSuccess
	endedAt := ev.Timestamp
	update := domain.RunUpdate{
		Status:  &status,
		EndedAt: &endedAt,
		Output:  ev.Output,
	}
	if ev.TokensUsage != nil {
		update.PromptTokens = ev.TokensUsage.Prompt
		update.CompletionTokens = ev.TokensUsage.Completion
	}
	if ev.Metadata != nil {
		merged := make(map[string]any, len(run.Metadata)+len(ev.Metadata))
		for k, v := range run.Metadata {
			merged[k] = v
		}
		for k, v := range ev.Metadata {
			merged[k] = v
		}
		update.Metadata = merged
	}

	if run.Type == domain.RunTypeLLM {
		priced := *run
		priced.EndedAt = &endedAt
		if priced.Name == "" {
			priced.Name = ev.Name
		}
		if update.PromptTokens != nil {
			priced.PromptTokens = update.PromptTokens
		}
		if update.CompletionTokens != nil {
			priced.CompletionTokens = update.CompletionTokens
		}
		update.Cost = s.cost(&priced)
	}

	if err := s.store.UpdateRun(ctx, projectID, ev.RunID, update); err != nil {
		return fmt.Errorf("failed to end run %s: %w", ev.RunID, err)
	}
	return nil
}

func (s *Service) failRun(ctx context.Context, projectID string, ev domain.Event) error {
	if _, err := s.requireRun(ctx, projectID, ev.RunID, true); err != nil {
		return err
	}

	status := domain.RunStatusError
	endedAt := ev.Timestamp
	update := domain.RunUpdate{Status: &status, EndedAt: &endedAt}
	if ev.Error != nil {
		data, err := json.Marshal(ev.Error)
		if err != nil {
			return fmt.Errorf("failed to encode error payload: %w", err)
		}
		update.Error = data
	}

	if err := s.store.UpdateRun(ctx, projectID, ev.RunID, update); err != nil {
		return fmt.Errorf("failed to fail run %s: %w", ev.RunID, err)
	}
	return nil
}

// recordFeedback merges feedback keys over the stored ones. The legacy
// extra object is merged last.
func (s *Service) recordFeedback(ctx context.Context, projectID string, ev domain.Event) error {
	run, err := s.requireRun(ctx, projectID, ev.RunID, false)
	if err != nil {
		return err
	}

	merged := make(map[string]any, len(run.Feedback)+len(ev.Feedback)+len(ev.Extra))
	for k, v := range run.Feedback {
		merged[k] = v
	}
	for k, v := range ev.Feedback {
		merged[k] = v
	}
	for k, v := range ev.Extra {
		merged[k] = v
	}

	if err := s.store.UpdateRun(ctx, projectID, ev.RunID, domain.RunUpdate{Feedback: merged}); err != nil {
		return fmt.Errorf("failed to record feedback for run %s: %w", ev.RunID, err)
	}
	return nil
}

// updateRun overwrites the metadata of llm runs. Other run types ignore updates.
func (s *Service) updateRun(ctx context.Context, projectID string, ev domain.Event) error {
	if ev.Type != domain.RunTypeLLM {
		return nil
	}
	if _, err := s.requireRun(ctx, projectID, ev.RunID, false); err != nil {
		return err
	}

	metadata := ev.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if err := s.store.UpdateRun(ctx, projectID, ev.RunID, domain.RunUpdate{Metadata: metadata}); err != nil {
		return fmt.Errorf("failed to update run %s: %w", ev.RunID, err)
	}
	return nil
}

// recordCustomEvent makes sure the owning thread exists and records the
// event as a finished child run of it.
func (s *Service) recordCustomEvent(ctx context.Context, projectID string, ev domain.Event, externalUserID *int64, batch *batchState) error {
	if ev.ParentRunID == "" {
		return &domain.ValidationError{Field: "parentRunId", Reason: "is required for custom events"}
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
	}

	thread := &domain.Run{
		ID:             ev.ParentRunID,
		ProjectID:      projectID,
		Type:           domain.RunTypeThread,
		ExternalUserID: externalUserID,
		CreatedAt:      ev.Timestamp,
		Tags:           ev.ThreadTags,
	}
	if err := s.store.UpsertRun(ctx, thread); err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", ev.ParentRunID, err)
	}

	endedAt := ev.Timestamp
	run := &domain.Run{
		ID:             ev.RunID,
		ProjectID:      projectID,
		Type:           domain.RunTypeCustomEvent,
		Status:         domain.RunStatusSuccess,
		ExternalUserID: externalUserID,
		ParentRunID:    ev.ParentRunID,
		CreatedAt:      ev.Timestamp,
		EndedAt:        &endedAt,
		Name:           ev.Name,
		Input:          ev.Input,
		Metadata:       ev.Metadata,
		Tags:           ev.Tags,
	}
	if err := s.store.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("failed to insert custom event %s: %w", ev.RunID, err)
	}
	batch.markInserted(ev.RunID)
	return nil
}

// registerLog stores a log line against the run named by parentRunId.
func (s *Service) registerLog(ctx context.Context, projectID string, ev domain.Event) error {
	if ev.ParentRunID == "" {
		return &domain.ValidationError{Field: "parentRunId", Reason: "is required for log events"}
	}

	extra := ev.Metadata
	if extra == nil {
		extra = ev.Extra
	}
	if extra == nil {
		extra = map[string]any{}
	}
	log := &domain.Log{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		RunID:     ev.ParentRunID,
		Level:     string(ev.Event),
		Message:   ev.Message,
		Extra:     extra,
		CreatedAt: ev.Timestamp,
	}
	if err := s.store.InsertLog(ctx, log); err != nil {
		return fmt.Errorf("failed to insert log: %w", err)
	}
	return nil
}

// isExpected mirrors domain.IsExpected and also treats caller cancellation as benign.
func isExpected(err error) bool {
	return domain.IsExpected(err) || errors.Is(err, context.Canceled)
}

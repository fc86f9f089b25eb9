package service

import (
	"context"

	"github.com/chainguard-dev/clog"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// IngestOTLP processes decoded OTLP events. With OTLP_ASYNC the batch runs
// in the background, detached from the request, and is awaited by Drain.
func (s *Service) IngestOTLP(ctx context.Context, projectID string, events []domain.Event) {
	if len(events) == 0 {
		return
	}
	if !s.config.OTLPAsync {
		s.logOTLPResults(ctx, projectID, s.ProcessEvents(ctx, SourceOTLP, projectID, events))
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.logOTLPResults(ctx, projectID, s.ProcessEvents(ctx, SourceOTLP, projectID, events))
	}()
}

func (s *Service) logOTLPResults(ctx context.Context, projectID string, results []domain.Result) {
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	clog.FromContext(ctx).With("project_id", projectID).
		Info("processed otlp events", "events", len(results), "failed", failed)
}

// Drain waits for background OTLP batches or until ctx is done.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/ingest"
	"github.com/xiaot623/gogo/ingestor/internal/metrics"
)

var redactedPayload = json.RawMessage(`"` + domain.RedactedSentinel + `"`)

// Source labels where a batch came from in logs and metrics.
type Source string

const (
	SourceNative Source = "native"
	SourceOTLP   Source = "otlp"
	SourceRPC    Source = "rpc"
)

// ProcessRaw normalizes and ingests a native API batch. Events that fail
// normalization are reported and listed first in the results.
func (s *Service) ProcessRaw(ctx context.Context, source Source, projectID string, raws []map[string]any) []domain.Result {
	now := s.now()
	results := make([]domain.Result, 0, len(raws))
	events := make([]domain.Event, 0, len(raws))
	for _, raw := range raws {
		ev, err := ingest.Normalize(raw, now)
		if err != nil {
			results = append(results, s.normalizationFailure(ctx, source, projectID, rawID(raw), err, raw))
			continue
		}
		events = append(events, ev)
	}
	return append(results, s.process(ctx, source, projectID, events)...)
}

// ProcessEvents ingests already decoded events, such as OTLP output.
func (s *Service) ProcessEvents(ctx context.Context, source Source, projectID string, events []domain.Event) []domain.Result {
	results := make([]domain.Result, 0, len(events))
	cleaned := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		c, err := ingest.Clean(ev)
		if err != nil {
			results = append(results, s.normalizationFailure(ctx, source, projectID, ev.RunID, err, ev))
			continue
		}
		cleaned = append(cleaned, c)
	}
	return append(results, s.process(ctx, source, projectID, cleaned)...)
}

func (s *Service) normalizationFailure(ctx context.Context, source Source, projectID, id string, err error, event any) domain.Result {
	s.reporter.Report(ctx, err, map[string]any{"project_id": projectID, "event": serialize(event)})
	metrics.EventsIngested.WithLabelValues(string(source), "invalid", "failure").Inc()
	return domain.Result{ID: id, Success: false, Error: err.Error()}
}

// process sequences the batch and applies it one event at a time. A failed
// event never stops the rest of the batch.
func (s *Service) process(ctx context.Context, source Source, projectID string, events []domain.Event) []domain.Result {
	if len(events) == 0 {
		return nil
	}
	started := time.Now()
	log := clog.FromContext(ctx).With("project_id", projectID, "source", source)
	ctx = clog.WithLogger(ctx, log)

	filter := s.loadFilter(ctx, projectID)
	batch := newBatchState()
	results := make([]domain.Result, 0, len(events))

	for _, ev := range ingest.Order(events) {
		ev = filter.apply(ctx, s, projectID, ev)

		err := s.registerEvent(ctx, projectID, ev, batch)
		result := domain.Result{ID: ev.RunID, Success: err == nil}
		outcome := "success"
		if err != nil {
			result.Error = err.Error()
			outcome = "failure"
			if isExpected(err) {
				log.With("run_id", ev.RunID, "event", ev.Event).Debug("event not applied", "error", err)
			} else {
				s.reporter.Report(ctx, err, map[string]any{"project_id": projectID, "event": serialize(ev)})
			}
		}
		metrics.EventsIngested.WithLabelValues(string(source), string(ev.Event), outcome).Inc()
		results = append(results, result)
	}

	metrics.BatchDuration.WithLabelValues(string(source)).Observe(time.Since(started).Seconds())
	log.Info("runs created", "count", batch.insertedCount(), "events", len(events))
	return results
}

// filter applies a project's filtering rule to the events of one batch.
type filter struct {
	rule *domain.IngestionRule
	// failClosed redacts everything when the rule could not be loaded.
	failClosed bool
}

func (s *Service) loadFilter(ctx context.Context, projectID string) *filter {
	rule, err := s.store.GetIngestionRule(ctx, projectID, domain.RuleTypeFiltering)
	if err != nil {
		s.reporter.Report(ctx, err, map[string]any{"project_id": projectID})
		return &filter{failClosed: true}
	}
	return &filter{rule: rule}
}

// apply redacts rejected events. Once a run's input is redacted, its "end"
// output is redacted too.
func (f *filter) apply(ctx context.Context, s *Service, projectID string, ev domain.Event) domain.Event {
	if f.rule == nil && !f.failClosed {
		return ev
	}

	allow := false
	if !f.failClosed {
		var err error
		allow, err = s.rules.Allow(ctx, f.rule, ev)
		if err != nil {
			s.reporter.Report(ctx, err, map[string]any{"project_id": projectID, "event": serialize(ev)})
			allow = false
		}
	}
	if !allow {
		ev.Input = redactedPayload
		ev.Output = redactedPayload
		metrics.RedactedEvents.Inc()
		return ev
	}

	if ev.Event == domain.EventEnd && ev.RunID != "" && !isRedacted(ev.Output) {
		run, err := s.store.GetRunByID(ctx, projectID, ev.RunID)
		if err == nil && run != nil && isRedacted(run.Input) {
			ev.Output = redactedPayload
		}
	}
	return ev
}

func isRedacted(payload json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(payload), redactedPayload)
}

func rawID(raw map[string]any) string {
	for _, k := range []string{"runId", "run_id"} {
		if s, ok := raw[k].(string); ok {
			return s
		}
	}
	return ""
}

func serialize(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/ingestor/internal/adapter/errreport"
	"github.com/xiaot623/gogo/ingestor/internal/config"
	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/repository"
	"github.com/xiaot623/gogo/ingestor/policy"
	"github.com/xiaot623/gogo/ingestor/tests/helpers"
)

const testProjectID = "7c0f5f7e-3a8e-4a34-9f6c-1d2b3c4d5e6f"

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

var _ errreport.Reporter = (*recordingReporter)(nil)

type fixture struct {
	svc      *Service
	store    *repository.SQLiteStore
	reporter *recordingReporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	helpers.SeedProject(t, store, testProjectID)

	cfg := &config.Config{ParentRetryDelay: 20 * time.Millisecond}
	reporter := &recordingReporter{}
	return &fixture{
		svc:      New(store, policy.NewEvaluator(), reporter, nil, cfg),
		store:    store,
		reporter: reporter,
	}
}

func (f *fixture) ingest(t *testing.T, events ...string) []domain.Result {
	t.Helper()
	raws := make([]map[string]any, 0, len(events))
	for _, e := range events {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(e), &m))
		raws = append(raws, m)
	}
	return f.svc.ProcessRaw(context.Background(), SourceNative, testProjectID, raws)
}

func (f *fixture) run(t *testing.T, id string) *domain.Run {
	t.Helper()
	run, err := f.store.GetRunByID(context.Background(), testProjectID, id)
	require.NoError(t, err)
	require.NotNil(t, run, "run %s not found", id)
	return run
}

func TestEndToEndLLMRun(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t,
		`{"type":"llm","event":"end","runId":"a","timestamp":"2024-01-01T00:00:02Z","output":{"role":"assistant","content":"hello"},"tokensUsage":{"prompt":10,"completion":5}}`,
		`{"type":"llm","event":"start","runId":"a","name":"gpt-4o","timestamp":"2024-01-01T00:00:00Z","input":[{"role":"user","content":"hi"}]}`,
	)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success, r.Error)
		assert.Equal(t, "a", r.ID)
	}

	run := f.run(t, "a")
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	require.NotNil(t, run.PromptTokens)
	require.NotNil(t, run.CompletionTokens)
	assert.Equal(t, int64(10), *run.PromptTokens)
	assert.Equal(t, int64(5), *run.CompletionTokens)
	require.NotNil(t, run.Cost)
	assert.Greater(t, *run.Cost, 0.0)
	assert.JSONEq(t, `{"role":"assistant","content":"hello"}`, string(run.Output))
	assert.Zero(t, f.reporter.count())
}

func TestDuplicateStartIsNotReported(t *testing.T) {
	f := newFixture(t)
	start := `{"type":"chain","event":"start","runId":"dup","timestamp":"2024-01-01T00:00:00Z","input":"first"}`

	first := f.ingest(t, start)
	require.Len(t, first, 1)
	assert.True(t, first[0].Success)

	second := f.ingest(t, `{"type":"chain","event":"start","runId":"dup","timestamp":"2024-01-01T00:00:01Z","input":"second"}`)
	require.Len(t, second, 1)
	assert.False(t, second[0].Success)
	assert.NotEmpty(t, second[0].Error)
	assert.Zero(t, f.reporter.count())

	assert.JSONEq(t, `"first"`, string(f.run(t, "dup").Input), "a duplicate never overwrites")
}

func TestMissingParentIsDroppedAfterOneRetry(t *testing.T) {
	f := newFixture(t)

	started := time.Now()
	results := f.ingest(t, `{"type":"tool","event":"start","runId":"orphan","parentRunId":"never","timestamp":"2024-01-01T00:00:00Z"}`)
	elapsed := time.Since(started)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success, results[0].Error)
	assert.Empty(t, f.run(t, "orphan").ParentRunID)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "only one bounded retry")
}

func TestLateParentIsLinkedDuringRetry(t *testing.T) {
	f := newFixture(t)
	f.svc.config.ParentRetryDelay = 200 * time.Millisecond

	raw := map[string]any{"type": "tool", "event": "start", "runId": "child", "parentRunId": "late", "timestamp": "2024-01-01T00:00:01Z"}
	done := make(chan []domain.Result)
	go func() {
		done <- f.svc.ProcessRaw(context.Background(), SourceNative, testProjectID, []map[string]any{raw})
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.store.InsertRun(context.Background(), &domain.Run{
		ID: "late", ProjectID: testProjectID, Type: domain.RunTypeAgent, Status: domain.RunStatusStarted, CreatedAt: time.Now(),
	}))

	results := <-done
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, "late", f.run(t, "child").ParentRunID)
}

func TestEndWithoutRunFails(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t, `{"type":"llm","event":"end","runId":"ghost","timestamp":"2024-01-01T00:00:00Z"}`)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, domain.ErrRunNotFound.Error())
	assert.Equal(t, 1, f.reporter.count())
}

func TestErrorEvent(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t,
		`{"type":"agent","event":"start","runId":"r","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"agent","event":"error","runId":"r","timestamp":"2024-01-01T00:00:01Z","error":{"message":"boom","stack":"trace"}}`,
	)
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}

	run := f.run(t, "r")
	assert.Equal(t, domain.RunStatusError, run.Status)
	require.NotNil(t, run.EndedAt)
	assert.JSONEq(t, `{"message":"boom","stack":"trace"}`, string(run.Error))
}

func TestFeedbackMergesKeys(t *testing.T) {
	f := newFixture(t)

	f.ingest(t,
		`{"type":"llm","event":"start","runId":"r","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"type":"llm","event":"feedback","runId":"r","timestamp":"2024-01-01T00:00:01Z","feedback":{"thumbs":"up","comment":"ok"}}`,
	)
	results := f.ingest(t, `{"type":"llm","event":"feedback","runId":"r","timestamp":"2024-01-01T00:00:02Z","feedback":{"thumbs":"down"},"extra":{"legacy":true}}`)
	require.True(t, results[0].Success, results[0].Error)

	assert.Equal(t, map[string]any{"thumbs": "down", "comment": "ok", "legacy": true}, f.run(t, "r").Feedback)
}

func TestEndMergesMetadata(t *testing.T) {
	f := newFixture(t)

	f.ingest(t,
		`{"type":"chain","event":"start","runId":"r","timestamp":"2024-01-01T00:00:00Z","metadata":{"a":1,"b":"x"}}`,
		`{"type":"chain","event":"end","runId":"r","timestamp":"2024-01-01T00:00:01Z","metadata":{"b":"y"}}`,
	)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "y"}, f.run(t, "r").Metadata)
	assert.Nil(t, f.run(t, "r").Cost, "only llm runs are priced")
}

func TestUpdateOverwritesLLMMetadata(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, `{"type":"llm","event":"start","runId":"r","timestamp":"2024-01-01T00:00:00Z","metadata":{"a":1}}`)
	results := f.ingest(t, `{"type":"llm","event":"update","runId":"r","timestamp":"2024-01-01T00:00:01Z","metadata":{"b":2}}`)
	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, map[string]any{"b": float64(2)}, f.run(t, "r").Metadata)
}

func TestExternalUserCascadesToChild(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t,
		`{"type":"agent","event":"start","runId":"parent","timestamp":"2024-01-01T00:00:00Z","userId":"alice","userProps":{"plan":"pro"}}`,
		`{"type":"llm","event":"start","runId":"child","parentRunId":"parent","timestamp":"2024-01-01T00:00:01Z"}`,
	)
	for _, r := range results {
		require.True(t, r.Success, r.Error)
	}

	parent, child := f.run(t, "parent"), f.run(t, "child")
	require.NotNil(t, parent.ExternalUserID)
	require.NotNil(t, child.ExternalUserID)
	assert.Equal(t, *parent.ExternalUserID, *child.ExternalUserID)
	assert.Equal(t, "parent", child.ParentRunID)

	user, err := f.store.GetExternalUser(context.Background(), testProjectID, "alice")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "pro", user.Props["plan"])
}

func TestCustomEventCreatesThread(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t, `{"type":"custom-event","event":"custom-event","runId":"ce","parentRunId":"thread-1","name":"clicked","input":{"button":"buy"},"threadTags":["web"]}`)
	require.True(t, results[0].Success, results[0].Error)

	thread := f.run(t, "thread-1")
	assert.Equal(t, domain.RunTypeThread, thread.Type)
	assert.Equal(t, []string{"web"}, thread.Tags)

	ce := f.run(t, "ce")
	assert.Equal(t, domain.RunTypeCustomEvent, ce.Type)
	assert.Equal(t, "thread-1", ce.ParentRunID)
}

func TestCustomEventUnknownProject(t *testing.T) {
	f := newFixture(t)

	results := f.svc.ProcessRaw(context.Background(), SourceNative, "missing-project", []map[string]any{{
		"type": "custom-event", "event": "custom-event", "runId": "ce", "parentRunId": "t",
	}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Zero(t, f.reporter.count(), "a missing project is an expected failure")
}

func TestLogEvents(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t,
		`{"type":"log","event":"warn","parentRunId":"r","message":"careful","extra":{"k":"v"}}`,
		`{"type":"log","event":"info","message":"no parent"}`,
	)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success, results[0].Error)
	assert.False(t, results[1].Success)

	logs, err := f.store.ListLogs(context.Background(), testProjectID, "r")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "warn", logs[0].Level)
	assert.Equal(t, "v", logs[0].Extra["k"])
}

func TestInvalidEventsAreReportedFirst(t *testing.T) {
	f := newFixture(t)

	results := f.ingest(t,
		`{"type":"llm","event":"start","runId":"ok","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"event":"start","runId":"bad"}`,
	)
	require.Len(t, results, 2)
	assert.Equal(t, "bad", results[0].ID)
	assert.False(t, results[0].Success)
	assert.Equal(t, "ok", results[1].ID)
	assert.True(t, results[1].Success)
	assert.Equal(t, 1, f.reporter.count())

	var verr *domain.ValidationError
	assert.True(t, errors.As(f.reporter.errs[0], &verr))
}

func TestWaitHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	f.svc.config.ParentRetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.awaitRun(ctx, testProjectID, "missing")
	assert.ErrorIs(t, err, context.Canceled)
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/ingestor/internal/config"
	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

const rejectStarts = `
package ingestion

import rego.v1

default allow := true

allow := false if {
	input.event == "start"
}
`

func TestRedactionSticksToRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetIngestionRule(context.Background(), testProjectID, domain.RuleTypeFiltering, rejectStarts)
	require.NoError(t, err)

	results := f.ingest(t,
		`{"type":"llm","event":"start","runId":"secret","timestamp":"2024-01-01T00:00:00Z","input":"my password"}`,
		`{"type":"llm","event":"end","runId":"secret","timestamp":"2024-01-01T00:00:01Z","output":"your password"}`,
		`{"type":"chain","event":"end","runId":"other","timestamp":"2024-01-01T00:00:01Z","output":"x"}`,
	)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success, results[0].Error)
	assert.True(t, results[1].Success, results[1].Error)

	run := f.run(t, "secret")
	assert.Equal(t, domain.RunStatusSuccess, run.Status, "a redacted run is still recorded")
	assert.JSONEq(t, `"__NOT_INGESTED__"`, string(run.Input))
	assert.JSONEq(t, `"__NOT_INGESTED__"`, string(run.Output))
}

func TestRedactedStartHasNoRawOutput(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetIngestionRule(context.Background(), testProjectID, domain.RuleTypeFiltering, rejectStarts)
	require.NoError(t, err)

	results := f.ingest(t,
		`{"type":"tool","event":"start","runId":"lone","timestamp":"2024-01-01T00:00:00Z","input":"q","output":"leak"}`,
	)
	require.True(t, results[0].Success, results[0].Error)

	run := f.run(t, "lone")
	assert.Equal(t, domain.RunStatusStarted, run.Status)
	assert.JSONEq(t, `"__NOT_INGESTED__"`, string(run.Input))
	assert.JSONEq(t, `"__NOT_INGESTED__"`, string(run.Output), "a start with no end still records the sentinel")
}

func TestRedactionOnRuleFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetIngestionRule(context.Background(), testProjectID, domain.RuleTypeFiltering, `
package ingestion

import rego.v1

allow := "yes"
`)
	require.NoError(t, err)

	results := f.ingest(t, `{"type":"tool","event":"start","runId":"t","timestamp":"2024-01-01T00:00:00Z","input":{"q":1}}`)
	require.True(t, results[0].Success, results[0].Error)

	assert.JSONEq(t, `"__NOT_INGESTED__"`, string(f.run(t, "t").Input))
	assert.Equal(t, 1, f.reporter.count())
}

func TestNoRuleKeepsPayloads(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, `{"type":"tool","event":"start","runId":"t","timestamp":"2024-01-01T00:00:00Z","input":{"q":1}}`)
	assert.JSONEq(t, `{"q":1}`, string(f.run(t, "t").Input))
}

func TestSetIngestionRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SetIngestionRule(ctx, "unknown", domain.RuleTypeFiltering, rejectStarts)
	assert.ErrorIs(t, err, domain.ErrProjectNotFound)

	var verr *domain.ValidationError
	_, err = f.svc.SetIngestionRule(ctx, testProjectID, "routing", rejectStarts)
	assert.True(t, errors.As(err, &verr))

	_, err = f.svc.SetIngestionRule(ctx, testProjectID, domain.RuleTypeFiltering, "package ingestion\nallow := ")
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "rule", verr.Field)

	rule, err := f.svc.SetIngestionRule(ctx, testProjectID, domain.RuleTypeFiltering, rejectStarts)
	require.NoError(t, err)
	stored, err := f.store.GetIngestionRule(ctx, testProjectID, domain.RuleTypeFiltering)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rule.Rule, stored.Rule)
}

func TestResolveProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "public key", key: "pk-" + testProjectID},
		{name: "private key", key: "sk-" + testProjectID},
		{name: "project id", key: testProjectID},
		{name: "padded", key: "  pk-" + testProjectID + " "},
		{name: "empty", key: "", wantErr: domain.ErrMissingProjectKey},
		{name: "unknown key", key: "nope", wantErr: domain.ErrInvalidProjectID},
		{name: "unknown id", key: "00000000-0000-4000-8000-000000000000", wantErr: domain.ErrProjectNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			project, err := f.svc.ResolveProject(ctx, tt.key)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, project)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testProjectID, project.ID)
		})
	}
}

func TestResolveFirstProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResolveFirstProject(ctx, "", " ")
	assert.ErrorIs(t, err, domain.ErrMissingProjectKey)

	f.svc.config.DefaultProjectKey = "pk-" + testProjectID
	project, err := f.svc.ResolveFirstProject(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, testProjectID, project.ID)

	_, err = f.svc.ResolveFirstProject(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidProjectID, "an explicit key is never replaced by the default")
}

func TestCreateProjectGeneratesKeys(t *testing.T) {
	f := newFixture(t)

	project, err := f.svc.CreateProject(context.Background(), CreateProjectRequest{Name: "demo"})
	require.NoError(t, err)
	assert.NotEmpty(t, project.ID)
	assert.Equal(t, project.ID, project.PublicKey)
	assert.NotEmpty(t, project.PrivateKey)

	resolved, err := f.svc.ResolveProject(context.Background(), project.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "demo", resolved.Name)

	_, err = f.svc.CreateProject(context.Background(), CreateProjectRequest{ID: project.ID})
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestApplySeed(t *testing.T) {
	f := newFixture(t)
	seed := &config.Seed{Projects: []config.SeedProject{{
		ID:        "seeded",
		Name:      "Seeded",
		PublicKey: "seeded-pk",
		Rules:     map[string]string{domain.RuleTypeFiltering: rejectStarts},
	}}}

	require.NoError(t, f.svc.ApplySeed(context.Background(), seed))
	require.NoError(t, f.svc.ApplySeed(context.Background(), seed), "seeding twice is harmless")

	project, err := f.svc.ResolveProject(context.Background(), "seeded-pk")
	require.NoError(t, err)
	assert.Equal(t, "Seeded", project.Name)

	rule, err := f.store.GetIngestionRule(context.Background(), "seeded", domain.RuleTypeFiltering)
	require.NoError(t, err)
	require.NotNil(t, rule)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetRun(context.Background(), testProjectID, "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	f.ingest(t, `{"type":"agent","event":"start","runId":"a","timestamp":"2024-01-01T00:00:00Z"}`)
	run, err := f.svc.GetRun(context.Background(), testProjectID, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.RunTypeAgent, run.Type)
}

func TestIngestOTLPAsyncDrains(t *testing.T) {
	f := newFixture(t)
	f.svc.config.OTLPAsync = true

	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []domain.Event{
		{Type: domain.RunTypeLLM, Event: domain.EventEnd, RunID: "0102030405060708", Timestamp: started.Add(time.Second), Output: []byte(`"ok"`)},
		{Type: domain.RunTypeLLM, Event: domain.EventStart, RunID: "0102030405060708", Timestamp: started, Name: "models/gpt-4o"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.svc.IngestOTLP(ctx, testProjectID, events)
	cancel()

	drainCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, f.svc.Drain(drainCtx))

	run := f.run(t, "0102030405060708")
	assert.Equal(t, domain.RunStatusSuccess, run.Status)
	assert.Equal(t, "gpt-4o", run.Name)
}

func TestIngestOTLPSync(t *testing.T) {
	f := newFixture(t)

	f.svc.IngestOTLP(context.Background(), testProjectID, []domain.Event{
		{Type: domain.RunTypeTool, Event: domain.EventStart, RunID: "span", Timestamp: time.Now()},
		{Event: domain.EventStart, RunID: "invalid"},
	})

	assert.Equal(t, domain.RunStatusStarted, f.run(t, "span").Status)
	assert.Equal(t, 1, f.reporter.count())
}

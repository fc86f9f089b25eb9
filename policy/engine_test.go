package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

const rejectTools = `
package ingestion

import rego.v1

default allow := true

allow := false if {
	input.type == "tool"
}
`

func TestEngineAllow(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	allow, err := engine.Allow(ctx, map[string]interface{}{"tags": []interface{}{"no-store"}})
	require.NoError(t, err)
	assert.False(t, allow)

	allow, err = engine.Allow(ctx, map[string]interface{}{"tags": []interface{}{"prod"}})
	require.NoError(t, err)
	assert.True(t, allow)
}

func TestEngineUndefinedDecisionAllows(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "package ingestion\n\nimport rego.v1\n\nallow if input.type == \"llm\"\n")
	require.NoError(t, err)

	allow, err := engine.Allow(ctx, map[string]interface{}{"type": "tool"})
	require.NoError(t, err)
	assert.True(t, allow)
}

func TestEngineNonBooleanDecision(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, "package ingestion\n\nallow := \"yes\"\n")
	require.NoError(t, err)

	_, err = engine.Allow(ctx, map[string]interface{}{})
	assert.Error(t, err)
}

func TestEvaluatorCachesPerRuleText(t *testing.T) {
	ctx := context.Background()
	ev := NewEvaluator()
	rule := &domain.IngestionRule{ProjectID: "p1", Type: domain.RuleTypeFiltering, Rule: rejectTools}

	allow, err := ev.Allow(ctx, rule, domain.Event{Type: domain.RunTypeTool, Event: domain.EventStart, RunID: "a"})
	require.NoError(t, err)
	assert.False(t, allow)

	allow, err = ev.Allow(ctx, rule, domain.Event{Type: domain.RunTypeLLM, Event: domain.EventStart, RunID: "b"})
	require.NoError(t, err)
	assert.True(t, allow)
	assert.Len(t, ev.engines, 1)

	rule.Rule = DefaultPolicy
	allow, err = ev.Allow(ctx, rule, domain.Event{Type: domain.RunTypeTool, Event: domain.EventStart, RunID: "a"})
	require.NoError(t, err)
	assert.True(t, allow, "a changed rule is recompiled")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(context.Background(), rejectTools))
	assert.Error(t, Validate(context.Background(), "package ingestion\nallow := {"))
}

package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// Query is the decision every ingestion rule module must define.
const Query = "data.ingestion.allow"

// Engine is a compiled ingestion rule.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles a rego module defining data.ingestion.allow.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("ingestion.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Allow evaluates the rule. An undefined decision allows the event.
func (e *Engine) Allow(ctx context.Context, input interface{}) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return true, nil
	}

	allow, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", Query, results[0].Expressions[0].Value)
	}
	return allow, nil
}

// Evaluator evaluates per-project ingestion rules, keeping one compiled
// engine per project until its rule text changes.
type Evaluator struct {
	mu      sync.Mutex
	engines map[string]cachedEngine
}

type cachedEngine struct {
	hash   string
	engine *Engine
}

// NewEvaluator creates an empty Evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{engines: make(map[string]cachedEngine)}
}

// Allow reports whether the cleaned event passes the rule.
func (ev *Evaluator) Allow(ctx context.Context, rule *domain.IngestionRule, event domain.Event) (bool, error) {
	engine, err := ev.engine(ctx, rule)
	if err != nil {
		return false, err
	}
	input, err := eventInput(event)
	if err != nil {
		return false, err
	}
	return engine.Allow(ctx, input)
}

// Validate compiles a rule without caching it.
func Validate(ctx context.Context, module string) error {
	_, err := NewEngine(ctx, module)
	return err
}

// Validate implements rule validation for the service layer.
func (ev *Evaluator) Validate(ctx context.Context, module string) error {
	return Validate(ctx, module)
}

func (ev *Evaluator) engine(ctx context.Context, rule *domain.IngestionRule) (*Engine, error) {
	sum := sha256.Sum256([]byte(rule.Rule))
	hash := hex.EncodeToString(sum[:])
	key := rule.ProjectID + "/" + rule.Type

	ev.mu.Lock()
	cached, ok := ev.engines[key]
	ev.mu.Unlock()
	if ok && cached.hash == hash {
		return cached.engine, nil
	}

	engine, err := NewEngine(ctx, rule.Rule)
	if err != nil {
		return nil, fmt.Errorf("project %s rule %s: %w", rule.ProjectID, rule.Type, err)
	}

	ev.mu.Lock()
	ev.engines[key] = cachedEngine{hash: hash, engine: engine}
	ev.mu.Unlock()
	return engine, nil
}

// eventInput renders the event with its wire field names.
func eventInput(event domain.Event) (map[string]interface{}, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return input, nil
}

// DefaultPolicy admits every event. It documents the module shape.
const DefaultPolicy = `
package ingestion

import rego.v1

default allow := true

# Example: keep payloads out of storage for a tagged run
allow := false if {
	"no-store" in input.tags
}
`

// Package cost prices llm runs from a static USD-per-1k-tokens table.
package cost

import (
	"strings"
	"time"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// Calculator prices a completed run. It returns nil when the run cannot
// be priced.
type Calculator func(run *domain.Run) *float64

// minBillableDuration filters out cached completions.
const minBillableDuration = 10 * time.Millisecond

type modelCost struct {
	models     []string
	inputCost  float64
	outputCost float64
}

// Costs are USD per 1000 tokens. Entries are matched in order by substring,
// so more specific names come first.
var modelCosts = []modelCost{
	{[]string{"gpt-4o"}, 0.005, 0.015},
	{[]string{"ft:gpt-3.5-turbo"}, 0.003, 0.006},
	{[]string{"gpt-3.5-turbo-0613", "gpt-3.5-turbo-0301"}, 0.0015, 0.002},
	{[]string{"gpt-3.5-turbo-instruct"}, 0.0015, 0.002},
	{[]string{"gpt-3.5-turbo-16k"}, 0.003, 0.004},
	{[]string{"gpt-3.5-turbo-1106"}, 0.001, 0.002},
	{[]string{"gpt-3.5-turbo", "gpt-3.5-turbo-0125"}, 0.0005, 0.0015},
	{[]string{"text-davinci-003"}, 0.02, 0.02},
	{[]string{"gpt-4-turbo", "gpt-4-vision", "gpt-4-1106", "gpt-4-1106-vision", "gpt-4-0125"}, 0.01, 0.03},
	{[]string{"gpt-4-32k"}, 0.06, 0.12},
	{[]string{"gpt-4", "gpt-4-0613", "gpt-4-0314"}, 0.03, 0.06},
	{[]string{"claude-instant-1", "claude-instant-v1", "claude-instant-1.2"}, 0.0008, 0.0024},
	{[]string{"claude-2", "claude-v2", "claude-1", "claude-v1", "claude-2.1"}, 0.008, 0.024},
	{[]string{"claude-3-opus"}, 0.015, 0.075},
	{[]string{"claude-3-5-sonnet"}, 0.003, 0.015},
	{[]string{"claude-3-sonnet"}, 0.003, 0.075},
	{[]string{"claude-3-haiku"}, 0.00025, 0.00125},
	{[]string{"text-bison", "chat-bison", "code-bison", "codechat-bison"}, 0.0005, 0.0005},
	{[]string{"command-nightly", "command"}, 0.015, 0.015},
	{[]string{"whisper"}, 0.1, 0},
	{[]string{"tts-1-hd"}, 0.03, 0},
	{[]string{"tts-1"}, 0.015, 0},
	{[]string{"mistral-tiny"}, 0.00014, 0.00042},
	{[]string{"mistral-small"}, 0.0006, 0.0018},
	{[]string{"mistral-medium"}, 0.0006, 0.0018},
}

// Applied in order: "gpt35" first becomes "gpt-35", then "gpt-3.5".
var modelNameFixes = [][2]string{
	{"gpt4", "gpt-4"},
	{"gpt3", "gpt-3"},
	{"gpt-35", "gpt-3.5"},
	{"claude3", "claude-3"},
	{"claude2", "claude-2"},
	{"claude1", "claude-1"},
}

// CleanModelName lowercases a model name and fixes common spellings.
func CleanModelName(name string) string {
	name = strings.ToLower(name)
	for _, fix := range modelNameFixes {
		name = strings.ReplaceAll(name, fix[0], fix[1])
	}
	return name
}

// Legacy prices llm runs with a name from the static table. Runs that
// ended in under 10ms are treated as cached and not priced.
func Legacy(run *domain.Run) *float64 {
	if run == nil || run.Type != domain.RunTypeLLM || run.Name == "" {
		return nil
	}
	if run.EndedAt != nil && !run.CreatedAt.IsZero() {
		if d := run.EndedAt.Sub(run.CreatedAt); d > 0 && d < minBillableDuration {
			return nil
		}
	}

	mc, ok := lookup(CleanModelName(run.Name))
	if !ok {
		return nil
	}

	var prompt, completion int64
	if run.PromptTokens != nil {
		prompt = *run.PromptTokens
	}
	if run.CompletionTokens != nil {
		completion = *run.CompletionTokens
	}
	total := mc.inputCost*float64(prompt)/1000 + mc.outputCost*float64(completion)/1000
	return &total
}

func lookup(name string) (modelCost, bool) {
	for _, mc := range modelCosts {
		for _, model := range mc.models {
			if strings.Contains(name, model) {
				return mc, true
			}
		}
	}
	return modelCost{}, false
}

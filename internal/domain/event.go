package domain

import (
	"encoding/json"
	"time"
)

// TokensUsage is the token accounting reported with an event.
type TokensUsage struct {
	Prompt       *int64 `json:"prompt,omitempty"`
	Completion   *int64 `json:"completion,omitempty"`
	PromptCached *int64 `json:"promptCached,omitempty"`
}

// ErrorPayload is the error payload of an "error" event.
type ErrorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Event is the canonical lifecycle notification about a run. Both the
// native JSON API and the OTLP adapter produce this shape.
type Event struct {
	Type              RunType         `json:"type"`
	Event             EventName       `json:"event"`
	RunID             string          `json:"runId,omitempty"`
	ParentRunID       string          `json:"parentRunId,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	Name              string          `json:"name,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Message           json.RawMessage `json:"message,omitempty"`
	TokensUsage       *TokensUsage    `json:"tokensUsage,omitempty"`
	Params            map[string]any  `json:"params,omitempty"`
	Extra             map[string]any  `json:"extra,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	ThreadTags        []string        `json:"threadTags,omitempty"`
	Feedback          map[string]any  `json:"feedback,omitempty"`
	Error             *ErrorPayload   `json:"error,omitempty"`
	UserID            string          `json:"userId,omitempty"`
	UserProps         map[string]any  `json:"userProps,omitempty"`
	TemplateVersionID string          `json:"templateVersionId,omitempty"`
	Runtime           string          `json:"runtime,omitempty"`
	AppID             string          `json:"appId,omitempty"`
}

// Result is the per-event outcome returned by an ingestion batch.
type Result struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

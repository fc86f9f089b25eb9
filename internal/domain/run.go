package domain

import (
	"encoding/json"
	"time"
)

// Run is a persisted node of the run graph.
type Run struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"projectId"`
	Type              RunType         `json:"type"`
	Status            RunStatus       `json:"status"`
	ExternalUserID    *int64          `json:"externalUserId,omitempty"`
	ParentRunID       string          `json:"parentRunId,omitempty"`
	SiblingRunID      string          `json:"siblingRunId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	EndedAt           *time.Time      `json:"endedAt,omitempty"`
	Name              string          `json:"name,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             json.RawMessage `json:"error,omitempty"`
	Params            map[string]any  `json:"params,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Feedback          map[string]any  `json:"feedback,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	Cost              *float64        `json:"cost,omitempty"`
	PromptTokens      *int64          `json:"promptTokens,omitempty"`
	CompletionTokens  *int64          `json:"completionTokens,omitempty"`
	TemplateVersionID string          `json:"templateVersionId,omitempty"`
	Runtime           string          `json:"runtime,omitempty"`
}

// RunUpdate is a partial update of a run. Nil fields are left unchanged.
type RunUpdate struct {
	Status           *RunStatus
	EndedAt          *time.Time
	Input            json.RawMessage
	Output           json.RawMessage
	Error            json.RawMessage
	PromptTokens     *int64
	CompletionTokens *int64
	Cost             *float64
	Metadata         map[string]any
	Feedback         map[string]any
	Tags             []string
	ExternalUserID   *int64
}

// ExternalUser is an end user of a traced application, upserted by
// (ExternalID, ProjectID).
type ExternalUser struct {
	ID         int64          `json:"id"`
	ProjectID  string         `json:"projectId"`
	ExternalID string         `json:"externalId"`
	LastSeen   time.Time      `json:"lastSeen"`
	Props      map[string]any `json:"props,omitempty"`
}

// Log is a log line attached to a run. Logs live outside the run graph.
type Log struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	RunID     string          `json:"runId"`
	Level     string          `json:"level"`
	Message   json.RawMessage `json:"message,omitempty"`
	Extra     map[string]any  `json:"extra,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Project owns runs and is resolved from a public or private key.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IngestionRule is a per-project rego module evaluated against cleaned events.
type IngestionRule struct {
	ProjectID string    `json:"projectId"`
	Type      string    `json:"type"`
	Rule      string    `json:"rule"`
	UpdatedAt time.Time `json:"updatedAt"`
}

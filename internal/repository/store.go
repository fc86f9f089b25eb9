// Package repository defines the persistence interface consumed by the
// ingestion pipeline and its SQLite implementation.
package repository

import (
	"context"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// Store defines the interface for data persistence.
// Lookups return (nil, nil) when the row does not exist.
type Store interface {
	// Project operations
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectByKey(ctx context.Context, key string) (*domain.Project, error)

	// Run operations
	InsertRun(ctx context.Context, run *domain.Run) error
	UpsertRun(ctx context.Context, run *domain.Run) error
	GetRunByID(ctx context.Context, projectID, runID string) (*domain.Run, error)
	GetLastChildRun(ctx context.Context, projectID, parentRunID string) (*domain.Run, error)
	UpdateRun(ctx context.Context, projectID, runID string, update domain.RunUpdate) error

	// External user operations
	UpsertExternalUser(ctx context.Context, user *domain.ExternalUser) (int64, error)
	GetExternalUser(ctx context.Context, projectID, externalID string) (*domain.ExternalUser, error)

	// Log operations
	InsertLog(ctx context.Context, log *domain.Log) error
	ListLogs(ctx context.Context, projectID, runID string) ([]domain.Log, error)

	// Ingestion rule operations
	GetIngestionRule(ctx context.Context, projectID, ruleType string) (*domain.IngestionRule, error)
	SetIngestionRule(ctx context.Context, rule *domain.IngestionRule) error

	// Lifecycle
	Close() error
}

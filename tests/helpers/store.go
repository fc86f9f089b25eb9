package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedProject inserts a project with predictable keys: "pk-<id>" and "sk-<id>".
func SeedProject(t *testing.T, s repository.Store, id string) *domain.Project {
	t.Helper()

	project := &domain.Project{ID: id, Name: id, PublicKey: "pk-" + id, PrivateKey: "sk-" + id}
	if err := s.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}
	return project
}

package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"

	"github.com/xiaot623/gogo/ingestor/internal/config"
	"github.com/xiaot623/gogo/ingestor/internal/domain"
)

// ResolveProject maps a public key, private key or project id to its
// project. An unknown key that is not a UUID yields ErrInvalidProjectID.
func (s *Service) ResolveProject(ctx context.Context, key string) (*domain.Project, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrMissingProjectKey
	}

	project, err := s.store.GetProjectByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get project by key: %w", err)
	}
	if project != nil {
		return project, nil
	}

	if _, err := uuid.Parse(key); err != nil {
		return nil, domain.ErrInvalidProjectID
	}
	project, err = s.store.GetProject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, domain.ErrProjectNotFound
	}
	return project, nil
}

// ResolveFirstProject tries candidate keys in order, falling back to the
// configured default key. The first non-empty candidate decides.
func (s *Service) ResolveFirstProject(ctx context.Context, candidates ...string) (*domain.Project, error) {
	candidates = append(candidates, s.config.DefaultProjectKey)
	for _, key := range candidates {
		if strings.TrimSpace(key) != "" {
			return s.ResolveProject(ctx, key)
		}
	}
	return nil, domain.ErrMissingProjectKey
}

// CreateProjectRequest is the input of CreateProject.
type CreateProjectRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// CreateProject registers a project, generating missing identifiers.
func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*domain.Project, error) {
	project := &domain.Project{
		ID:         req.ID,
		Name:       req.Name,
		PublicKey:  req.PublicKey,
		PrivateKey: req.PrivateKey,
		CreatedAt:  s.now(),
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if project.PublicKey == "" {
		project.PublicKey = project.ID
	}
	if project.PrivateKey == "" {
		project.PrivateKey = uuid.NewString()
	}
	if project.Name == "" {
		project.Name = project.ID
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, nil
}

// SetIngestionRule validates and stores a project rule.
func (s *Service) SetIngestionRule(ctx context.Context, projectID, ruleType, module string) (*domain.IngestionRule, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if project == nil {
		return nil, domain.ErrProjectNotFound
	}
	if ruleType != domain.RuleTypeFiltering {
		return nil, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a supported rule type", ruleType)}
	}
	if err := s.rules.Validate(ctx, module); err != nil {
		return nil, &domain.ValidationError{Field: "rule", Reason: err.Error()}
	}

	rule := &domain.IngestionRule{ProjectID: projectID, Type: ruleType, Rule: module, UpdatedAt: s.now()}
	if err := s.store.SetIngestionRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to store rule: %w", err)
	}
	return rule, nil
}

// GetRun reads a run back.
func (s *Service) GetRun(ctx context.Context, projectID, runID string) (*domain.Run, error) {
	run, err := s.store.GetRunByID(ctx, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// GetExternalUser reads back an end user recorded from event userId fields.
func (s *Service) GetExternalUser(ctx context.Context, projectID, externalID string) (*domain.ExternalUser, error) {
	user, err := s.store.GetExternalUser(ctx, projectID, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get external user: %w", err)
	}
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	return user, nil
}

// ListLogs reads back the logs attached to a run.
func (s *Service) ListLogs(ctx context.Context, projectID, runID string) ([]domain.Log, error) {
	logs, err := s.store.ListLogs(ctx, projectID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return logs, nil
}

// ApplySeed creates the seed projects that do not exist yet and installs
// their rules.
func (s *Service) ApplySeed(ctx context.Context, seed *config.Seed) error {
	for _, p := range seed.Projects {
		existing, err := s.store.GetProject(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("failed to get project %s: %w", p.ID, err)
		}
		if existing == nil {
			if err := s.store.CreateProject(ctx, &domain.Project{
				ID:         p.ID,
				Name:       p.Name,
				PublicKey:  p.PublicKey,
				PrivateKey: p.PrivateKey,
				CreatedAt:  time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("failed to seed project %s: %w", p.ID, err)
			}
			clog.FromContext(ctx).With("project_id", p.ID).Info("seeded project")
		}
		for ruleType, module := range p.Rules {
			if _, err := s.SetIngestionRule(ctx, p.ID, ruleType, module); err != nil {
				return fmt.Errorf("failed to seed rule %s for project %s: %w", ruleType, p.ID, err)
			}
		}
	}
	return nil
}

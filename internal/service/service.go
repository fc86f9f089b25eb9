package service

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/gogo/ingestor/internal/adapter/cost"
	"github.com/xiaot623/gogo/ingestor/internal/adapter/errreport"
	"github.com/xiaot623/gogo/ingestor/internal/config"
	"github.com/xiaot623/gogo/ingestor/internal/domain"
	"github.com/xiaot623/gogo/ingestor/internal/repository"
)

// RuleEvaluator decides whether an event's payload may be stored.
type RuleEvaluator interface {
	Allow(ctx context.Context, rule *domain.IngestionRule, event domain.Event) (bool, error)
	Validate(ctx context.Context, module string) error
}

type Service struct {
	store    repository.Store
	rules    RuleEvaluator
	reporter errreport.Reporter
	cost     cost.Calculator
	config   *config.Config

	now      func() time.Time
	inflight sync.WaitGroup
}

func New(store repository.Store, rules RuleEvaluator, reporter errreport.Reporter, calc cost.Calculator, cfg *config.Config) *Service {
	if calc == nil {
		calc = cost.Legacy
	}
	return &Service{
		store:    store,
		rules:    rules,
		reporter: reporter,
		cost:     calc,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

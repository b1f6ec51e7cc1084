// Package plans syncs plan definitions from the billing side. The request
// path only reads plans; this package is the one writer.
package plans

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// ImportResult represents the result of an import operation
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Service reads and writes plans.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a plan service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, logger: logger.Named("plans")}
}

// FindBySlug returns errs.ErrPlanNotFound for unknown slugs.
func (s *Service) FindBySlug(ctx context.Context, slug string) (*models.Plan, error) {
	var plan models.Plan
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", errs.ErrPlanNotFound, slug)
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// Upsert creates or replaces the plan with p.Slug.
func (s *Service) Upsert(ctx context.Context, p models.Plan) (*models.Plan, bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = upsert(tx, &p)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return &p, created, nil
}

// Import upserts every plan in one transaction; any invalid plan rolls the
// whole import back.
func (s *Service) Import(ctx context.Context, plans []models.Plan) (*ImportResult, error) {
	result := &ImportResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range plans {
			created, err := upsert(tx, &plans[i])
			if err != nil {
				return fmt.Errorf("plan %d: %w", i, err)
			}
			if created {
				result.Created++
			} else {
				result.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("plans imported", zap.Int("created", result.Created), zap.Int("updated", result.Updated))
	return result, nil
}

// Export returns all plans ordered by slug.
func (s *Service) Export(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	if err := s.db.WithContext(ctx).Order("slug").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

func upsert(tx *gorm.DB, p *models.Plan) (bool, error) {
	p.Slug = strings.TrimSpace(p.Slug)
	if p.Slug == "" {
		return false, fmt.Errorf("%w: slug is required", errs.ErrInvalidInput)
	}
	if p.MonthlyQuota != nil && *p.MonthlyQuota < 0 {
		return false, fmt.Errorf("%w: monthly_quota must not be negative", errs.ErrInvalidInput)
	}
	if p.Name == "" {
		p.Name = p.Slug
	}

	var existing models.Plan
	err := tx.Where("slug = ?", p.Slug).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		p.ID = 0
		if err := tx.Create(p).Error; err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	// Save writes every column, so flags and caps set to zero are kept.
	if err := tx.Save(p).Error; err != nil {
		return false, err
	}
	return false, nil
}

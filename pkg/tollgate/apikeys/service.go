// Package apikeys provisions, reactivates, disables and rotates customer
// keys. Every operation runs in a single transaction.
package apikeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/keyhash"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// maxPrefixAttempts bounds the retries when a generated prefix is taken.
const maxPrefixAttempts = 5

// Generator issues a new secret with its prefix and hash.
type Generator interface {
	Generate() (plaintext, prefix, hash string, err error)
}

// ProvisionRequest describes a subscription event or an admin provisioning.
type ProvisionRequest struct {
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	Plan               string     `json:"plan"`
	SubscriptionID     string     `json:"subscription_id"`
	OrderID            string     `json:"order_id"`
	SubscriptionStatus string     `json:"subscription_status"`
	ValidFrom          *time.Time `json:"valid_from"`
	ValidUntil         *time.Time `json:"valid_until"`
}

// ProvisionResult carries the plaintext secret only when one was issued.
type ProvisionResult struct {
	Key     *models.APIKey
	Secret  string
	Created bool
}

// RotateResult carries the new plaintext secret.
type RotateResult struct {
	Key    *models.APIKey
	Secret string
}

// Selector identifies customer keys. Non-empty fields are OR-ed.
type Selector struct {
	KeyID          string `json:"key_id"`
	SubscriptionID string `json:"subscription_id"`
	Email          string `json:"email"`
}

func (s Selector) empty() bool {
	return s.KeyID == "" && s.SubscriptionID == "" && s.Email == ""
}

// Service implements the key lifecycle.
type Service struct {
	db        *gorm.DB
	generator Generator
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a lifecycle service.
func NewService(db *gorm.DB, generator Generator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, generator: generator, logger: logger.Named("apikeys"), now: time.Now}
}

// ProvisionOrActivate finds the key for the request's subscription id, then
// its email. A missing key is created with a fresh secret. An existing key
// is reactivated with the new plan, identity and window; its secret is only
// regenerated when it has no usable hash, so Secret is usually empty for
// reactivations and Rotate is the way to get a new one.
func (s *Service) ProvisionOrActivate(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	req.Email = models.NormalizeEmail(req.Email)
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.Email == "" && req.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: email or subscription_id is required", errs.ErrInvalidInput)
	}
	if req.ValidFrom != nil && req.ValidUntil != nil && req.ValidUntil.Before(*req.ValidFrom) {
		return nil, fmt.Errorf("%w: valid_until is before valid_from", errs.ErrInvalidInput)
	}

	var result *ProvisionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := resolvePlan(tx, req.Plan)
		if err != nil {
			return err
		}

		existing, err := findExisting(tx, Selector{SubscriptionID: req.SubscriptionID, Email: req.Email})
		if err != nil && !errors.Is(err, errs.ErrKeyNotFound) {
			return err
		}

		if existing == nil {
			key := &models.APIKey{Status: models.KeyStatusActive}
			applyProvision(key, req, plan)
			secret, err := s.issue(tx, key)
			if err != nil {
				return err
			}
			if err := tx.Omit(clause.Associations).Create(key).Error; err != nil {
				return fmt.Errorf("create api key: %w", err)
			}
			key.Plan = plan
			result = &ProvisionResult{Key: key, Secret: secret, Created: true}
			return nil
		}

		applyProvision(existing, req, plan)
		existing.Status = models.KeyStatusActive
		existing.DisabledReason = models.DisabledReasonNone
		existing.DisabledAt = nil
		var secret string
		if keyhash.AlgorithmOf(existing.KeyHash) == "" {
			secret, err = s.issue(tx, existing)
			if err != nil {
				return err
			}
		}
		if err := tx.Omit(clause.Associations).Save(existing).Error; err != nil {
			return fmt.Errorf("update api key: %w", err)
		}
		existing.Plan = plan
		result = &ProvisionResult{Key: existing, Secret: secret}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("api key provisioned",
		zap.String("key_id", result.Key.ID),
		zap.Bool("created", result.Created),
		zap.Bool("secret_issued", result.Secret != ""))
	return result, nil
}

// Disable flips every active key matching any non-empty selector field to
// disabled and returns how many rows changed. Matching is deliberately
// broad: all historical rows of the same subscription or email are caught.
func (s *Service) Disable(ctx context.Context, sel Selector, reason models.DisabledReason) (int64, error) {
	if sel.empty() {
		return 0, fmt.Errorf("%w: a selector is required", errs.ErrInvalidInput)
	}
	switch reason {
	case models.DisabledReasonNone:
		reason = models.DisabledReasonManual
	case models.DisabledReasonManual, models.DisabledReasonCancelled, models.DisabledReasonExpired:
	default:
		return 0, fmt.Errorf("%w: unknown disable reason %q", errs.ErrInvalidInput, reason)
	}

	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		where, args := sel.condition()
		res := tx.Model(&models.APIKey{}).
			Where("status <> ?", models.KeyStatusDisabled).
			Where(where, args...).
			Updates(map[string]interface{}{
				"status":          models.KeyStatusDisabled,
				"disabled_reason": reason,
				"disabled_at":     s.now().UTC(),
				"legacy_secret":   nil,
			})
		if res.Error != nil {
			return fmt.Errorf("disable api keys: %w", res.Error)
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("api keys disabled", zap.Int64("count", affected), zap.String("reason", string(reason)))
	return affected, nil
}

// Rotate issues a new secret for the newest key matching sel. The old
// secret stops verifying once the transaction commits.
func (s *Service) Rotate(ctx context.Context, sel Selector) (*RotateResult, error) {
	if sel.empty() {
		return nil, fmt.Errorf("%w: a selector is required", errs.ErrInvalidInput)
	}

	var result *RotateResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := findExisting(tx, sel)
		if err != nil {
			return err
		}
		secret, err := s.issue(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Save(key).Error; err != nil {
			return fmt.Errorf("rotate api key: %w", err)
		}
		result = &RotateResult{Key: key, Secret: secret}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("api key rotated", zap.String("key_id", result.Key.ID))
	return result, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Email  string
	Status string
	Limit  int
}

// List returns keys newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.APIKey, error) {
	q := s.db.WithContext(ctx).Preload("Plan").Order("updated_at DESC")
	if f.Email != "" {
		q = q.Where("customer_email = ?", models.NormalizeEmail(f.Email))
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	var keys []models.APIKey
	if err := q.Limit(f.Limit).Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// issue generates a secret whose prefix no other row uses and stores its
// hash on key. Legacy plaintext residue is always cleared.
func (s *Service) issue(tx *gorm.DB, key *models.APIKey) (string, error) {
	for attempt := 0; attempt < maxPrefixAttempts; attempt++ {
		plaintext, prefix, hash, err := s.generator.Generate()
		if err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		var taken int64
		if err := tx.Model(&models.APIKey{}).Where("key_prefix = ?", prefix).Count(&taken).Error; err != nil {
			return "", err
		}
		if taken > 0 {
			continue
		}
		key.KeyPrefix = prefix
		key.KeyHash = hash
		key.Last4 = keyhash.Last4(plaintext)
		key.LegacySecret = nil
		return plaintext, nil
	}
	return "", fmt.Errorf("generate api key: no free prefix after %d attempts", maxPrefixAttempts)
}

func applyProvision(key *models.APIKey, req ProvisionRequest, plan *models.Plan) {
	if plan != nil {
		key.PlanID = &plan.ID
	} else {
		key.PlanID = nil
	}
	if req.Email != "" {
		key.CustomerEmail = req.Email
	}
	if req.Name != "" {
		key.CustomerName = req.Name
	}
	if req.SubscriptionID != "" {
		key.SubscriptionID = req.SubscriptionID
	}
	if req.OrderID != "" {
		key.OrderID = req.OrderID
	}
	key.SubscriptionStatus = req.SubscriptionStatus
	key.ValidFrom = req.ValidFrom
	key.ValidUntil = req.ValidUntil
	key.LegacySecret = nil
}

// resolvePlan returns nil for an empty slug and errs.ErrPlanNotFound for an
// unknown one.
func resolvePlan(tx *gorm.DB, slug string) (*models.Plan, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, nil
	}
	var plan models.Plan
	err := tx.Where("slug = ?", slug).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", errs.ErrPlanNotFound, slug)
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// findExisting tries the key id, the subscription id and then the email,
// returning the most recently updated match of the first selector that hits.
func findExisting(tx *gorm.DB, sel Selector) (*models.APIKey, error) {
	lookups := []struct {
		column, value string
	}{
		{"id", sel.KeyID},
		{"subscription_id", sel.SubscriptionID},
		{"customer_email", models.NormalizeEmail(sel.Email)},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var key models.APIKey
		err := tx.Where(l.column+" = ?", l.value).Order("updated_at DESC").Order("id DESC").First(&key).Error
		if err == nil {
			return &key, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, errs.ErrKeyNotFound
}

func (s Selector) condition() (string, []interface{}) {
	var parts []string
	var args []interface{}
	if s.KeyID != "" {
		parts = append(parts, "id = ?")
		args = append(args, s.KeyID)
	}
	if s.SubscriptionID != "" {
		parts = append(parts, "subscription_id = ?")
		args = append(args, s.SubscriptionID)
	}
	if s.Email != "" {
		parts = append(parts, "customer_email = ?")
		args = append(args, models.NormalizeEmail(s.Email))
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

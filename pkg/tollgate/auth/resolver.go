// Package auth turns caller credentials into an authenticated tier. Static
// owner and public keys are checked first; anything else is looked up in
// the hashed customer key store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mikepea/tollgate/pkg/tollgate/errs"
	"github.com/mikepea/tollgate/pkg/tollgate/keyhash"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// Tier is the trust level of a resolved caller.
type Tier string

const (
	TierOwner    Tier = "owner"
	TierPublic   Tier = "public"
	TierCustomer Tier = "customer"
)

// Identity is the outcome of a successful resolution. Key and Plan are set
// for the customer tier only.
type Identity struct {
	Tier Tier
	Key  *models.APIKey
	Plan *models.Plan
}

// Verifier checks a plaintext secret against a stored hash.
type Verifier interface {
	Verify(stored, secret string) (bool, error)
}

// StaticKeys are the configured owner and public credentials.
type StaticKeys struct {
	Owner  []string
	Public []string
}

// Resolver resolves credentials. It is safe for concurrent use.
type Resolver struct {
	db       *gorm.DB
	verifier Verifier
	static   map[string]Tier
	logger   *zap.Logger
	now      func() time.Time
}

// NewResolver builds a Resolver. With no static keys at all every request
// resolves to the owner tier, which suits single-operator deployments only.
func NewResolver(db *gorm.DB, verifier Verifier, keys StaticKeys, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	static := make(map[string]Tier, len(keys.Owner)+len(keys.Public))
	for _, k := range keys.Public {
		if k != "" {
			static[k] = TierPublic
		}
	}
	// Owner wins when a key is listed in both.
	for _, k := range keys.Owner {
		if k != "" {
			static[k] = TierOwner
		}
	}
	r := &Resolver{
		db:       db,
		verifier: verifier,
		static:   static,
		logger:   logger.Named("auth"),
		now:      time.Now,
	}
	if r.Open() {
		r.logger.Warn("no owner or public keys configured, every request is granted owner access")
	}
	return r
}

// WithClock replaces the time source. Intended for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Open reports whether the resolver runs without any static keys.
func (r *Resolver) Open() bool {
	return len(r.static) == 0
}

// Resolve maps credential to an identity. Failures wrap
// errs.ErrInvalidCredential, errs.ErrNotYetActive or errs.ErrExpired; a
// stored hash this process cannot verify returns
// errs.ErrHashAlgorithmUnavailable.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Identity, error) {
	if r.Open() {
		return &Identity{Tier: TierOwner}, nil
	}
	if credential == "" {
		return nil, errs.ErrInvalidCredential
	}
	if tier, ok := r.static[credential]; ok {
		return &Identity{Tier: tier}, nil
	}

	prefix := keyhash.Prefix(credential)
	if prefix == "" {
		return nil, errs.ErrInvalidCredential
	}

	var key models.APIKey
	err := r.db.WithContext(ctx).
		Preload("Plan").
		Where("key_prefix = ?", prefix).
		Order("updated_at DESC").
		Order("id DESC").
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	// Cheap checks first so disabled or out-of-window keys never reach the
	// hash comparison.
	if models.NormalizeStatus(string(key.Status)) != models.KeyStatusActive {
		return nil, errs.ErrInvalidCredential
	}
	now := r.now()
	if key.ValidFrom != nil && now.Before(*key.ValidFrom) {
		return nil, errs.ErrNotYetActive
	}
	if key.ValidUntil != nil && now.After(*key.ValidUntil) {
		return nil, errs.ErrExpired
	}

	ok, err := r.verifier.Verify(key.KeyHash, credential)
	if err != nil {
		if errors.Is(err, errs.ErrHashAlgorithmUnavailable) {
			r.logger.Error("stored key hash cannot be verified by this process",
				zap.String("key_id", key.ID), zap.Error(err))
			return nil, err
		}
		r.logger.Warn("malformed key hash", zap.String("key_id", key.ID), zap.Error(err))
		return nil, errs.ErrInvalidCredential
	}
	if !ok {
		return nil, errs.ErrInvalidCredential
	}

	r.touch(ctx, key.ID, now)
	return &Identity{Tier: TierCustomer, Key: &key, Plan: key.Plan}, nil
}

// touch records the last use without moving updated_at, which orders
// prefix collisions.
func (r *Resolver) touch(ctx context.Context, id string, now time.Time) {
	err := r.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", now.UTC()).Error
	if err != nil {
		r.logger.Warn("failed to update last_used_at", zap.String("key_id", id), zap.Error(err))
	}
}

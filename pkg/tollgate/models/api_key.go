package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KeyStatus is the stored state of a customer key.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusDisabled KeyStatus = "disabled"
)

// DisabledReason records why a key left the active state. A key disabled
// with DisabledReasonExpired is eligible for purging.
type DisabledReason string

const (
	DisabledReasonNone      DisabledReason = ""
	DisabledReasonManual    DisabledReason = "manual"
	DisabledReasonCancelled DisabledReason = "cancelled"
	DisabledReasonExpired   DisabledReason = "expired"
)

// SubscriptionStatusExpired is written by the ExpiryWatcher when the
// subscription status was previously unset.
const SubscriptionStatusExpired = "expired"

// APIKey is a customer credential. Only the hash of the secret is stored;
// the plaintext is returned once at issuance or rotation.
type APIKey struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`

	KeyPrefix string `gorm:"type:varchar(32);index;not null" json:"key_prefix"`
	KeyHash   string `gorm:"type:varchar(255)" json:"-"`
	Last4     string `gorm:"type:varchar(4)" json:"last4"`
	// LegacySecret is plaintext left behind by pre-hash deployments.
	LegacySecret *string `gorm:"type:varchar(255)" json:"-"`

	Status         KeyStatus      `gorm:"type:varchar(20);index;not null;default:'active'" json:"status"`
	DisabledReason DisabledReason `gorm:"type:varchar(20)" json:"disabled_reason,omitempty"`
	DisabledAt     *time.Time     `json:"disabled_at,omitempty"`

	PlanID *uint `gorm:"index" json:"plan_id"`
	Plan   *Plan `gorm:"foreignKey:PlanID" json:"plan,omitempty"`

	CustomerEmail      string `gorm:"type:varchar(320);index" json:"customer_email"`
	CustomerName       string `json:"customer_name"`
	SubscriptionID     string `gorm:"type:varchar(191);index" json:"subscription_id,omitempty"`
	OrderID            string `gorm:"type:varchar(191)" json:"order_id,omitempty"`
	SubscriptionStatus string `gorm:"type:varchar(50)" json:"subscription_status,omitempty"`

	ValidFrom  *time.Time `json:"valid_from"`
	ValidUntil *time.Time `gorm:"index" json:"valid_until"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// BeforeCreate assigns a UUID and normalizes the email used for lookups.
func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.CustomerEmail = NormalizeEmail(k.CustomerEmail)
	if k.Status == "" {
		k.Status = KeyStatusActive
	}
	return nil
}

// BeforeSave stores every instant in UTC. SQLite keeps times as text, so
// mixed offsets would not compare as instants.
func (k *APIKey) BeforeSave(tx *gorm.DB) error {
	k.ValidFrom = utc(k.ValidFrom)
	k.ValidUntil = utc(k.ValidUntil)
	k.DisabledAt = utc(k.DisabledAt)
	k.LastUsedAt = utc(k.LastUsedAt)
	return nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// NormalizeEmail lower-cases and trims an email for case-insensitive matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ActiveStatuses lists every stored spelling that means active.
var ActiveStatuses = []string{"active", "activated", "enabled", "renewed", "trialing"}

// NormalizeStatus maps the status spellings used by billing providers and
// older rows onto the two stored states. Unknown values are treated as
// disabled so they never authenticate.
func NormalizeStatus(raw string) KeyStatus {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range ActiveStatuses {
		if v == s {
			return KeyStatusActive
		}
	}
	return KeyStatusDisabled
}

// Stale reports whether the key is still marked active but its validity
// window has closed.
func (k *APIKey) Stale(now time.Time) bool {
	return NormalizeStatus(string(k.Status)) == KeyStatusActive && k.ValidUntil != nil && !k.ValidUntil.After(now)
}

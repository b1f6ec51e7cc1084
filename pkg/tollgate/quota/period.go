package quota

import (
	"time"

	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

const (
	monthLayout   = "2006-01"
	instantLayout = "20060102T150405Z"
)

// Period returns the accounting bucket for key under plan at now. Free plans
// and keys without a complete validity window use the UTC calendar month.
// Other keys get a token built from their window, so a subscription renewed
// mid-month starts a fresh bucket.
func Period(key *models.APIKey, plan *models.Plan, now time.Time) string {
	month := now.UTC().Format(monthLayout)
	if plan.Free() || key == nil || key.ValidFrom == nil || key.ValidUntil == nil {
		return month
	}
	if key.ValidFrom.IsZero() || key.ValidUntil.IsZero() {
		return month
	}
	return "cycle-" + key.ValidFrom.UTC().Format(instantLayout) + "-" + key.ValidUntil.UTC().Format(instantLayout)
}

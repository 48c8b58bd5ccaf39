package loyalty

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a user has no loyalty row yet.
var ErrNotFound = errors.New("loyalty record not found")

// Tier is a stratum in the loyalty program. FreeShippingThreshold of zero
// means shipping is always free at that tier.
type Tier struct {
	Level                 int
	MinPoints             int64
	Multiplier            decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	MonthlyCoupons        int
	CouponPercent         decimal.Decimal
}

// UserLoyalty is the per-user point balance. ExpiresAt is set when a tier-1
// user first earns points and cleared on expiry.
type UserLoyalty struct {
	ID           string
	UserID       string
	TotalPoints  int64
	TierLevel    int
	TierAchieved time.Time
	ExpiresAt    *time.Time
}

// Event classifies a point history entry.
type Event string

const (
	EventEarned  Event = "EARNED"
	EventExpired Event = "EXPIRED"
)

// Entry is an append-only point ledger record. OrderID is non-nil exactly
// when Event is EARNED.
type Entry struct {
	ID        string
	LoyaltyID string
	OrderID   *string
	Change    int64
	Event     Event
	CreatedAt time.Time
}

// Repository persists loyalty state and the point ledger.
type Repository interface {
	// GetOrCreate returns the user's loyalty row, creating a tier-1 row with
	// zero points on first use.
	GetOrCreate(ctx context.Context, userID string) (*UserLoyalty, error)
	Get(ctx context.Context, userID string) (*UserLoyalty, error)
	Update(ctx context.Context, ul *UserLoyalty) error

	AppendEntry(ctx context.Context, e Entry) error

	// Tiers returns all tiers ordered by ascending level.
	Tiers(ctx context.Context) ([]Tier, error)
	Tier(ctx context.Context, level int) (*Tier, error)

	// DueForExpiry returns loyalty rows whose expiry date is set and not
	// after the given day.
	DueForExpiry(ctx context.Context, day time.Time) ([]UserLoyalty, error)
}

// HighestTier returns the highest tier whose MinPoints does not exceed the
// given balance. Tiers must be sorted by ascending level.
func HighestTier(tiers []Tier, points int64) Tier {
	best := tiers[0]
	for _, t := range tiers[1:] {
		if t.MinPoints <= points {
			best = t
		}
	}
	return best
}

package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknown is returned when a coupon code does not exist.
	ErrUnknown = errors.New("unknown coupon code")
	// ErrExpired is returned when a coupon is past its expiry or inactive.
	ErrExpired = errors.New("coupon expired")
	// ErrNotYetValid is returned when a coupon's start date is in the future.
	ErrNotYetValid = errors.New("coupon not yet valid")
)

// Coupon is a percentage discount with a validity window.
type Coupon struct {
	Code      string
	Percent   decimal.Decimal
	StartsAt  time.Time
	ExpiresAt time.Time
	Active    bool
}

var hundred = decimal.NewFromInt(100)

// ValidAt checks the coupon's active flag and validity window at the given
// instant.
func (c *Coupon) ValidAt(now time.Time) error {
	if !c.Active || now.After(c.ExpiresAt) {
		return ErrExpired
	}
	if now.Before(c.StartsAt) {
		return ErrNotYetValid
	}
	return nil
}

// DiscountOn returns the discount amount for the given subtotal, rounded to
// two decimal places.
func (c *Coupon) DiscountOn(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(c.Percent).Div(hundred).Round(2)
}

// Grant is a per-user coupon allocation. UsedOn is nil while unused.
type Grant struct {
	ID        string
	UserID    string
	Code      string
	UsedOn    *string
	GrantedAt time.Time
}

// Repository provides coupon lookup and per-user allocations.
type Repository interface {
	// FindByCode returns ErrUnknown when no coupon with the code exists.
	FindByCode(ctx context.Context, code string) (*Coupon, error)

	// Grant allocates a coupon to a user.
	Grant(ctx context.Context, userID, code string) (*Grant, error)
	// MarkUsed stamps the user's oldest unused grant of the code with the
	// order it was spent on. It is a no-op when no unused grant exists.
	MarkUsed(ctx context.Context, userID, code, orderID string) error
}

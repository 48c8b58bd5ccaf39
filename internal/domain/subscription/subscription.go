package subscription

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrExists is returned when the user already has a live subscription.
	ErrExists = errors.New("subscription already exists")
	// ErrStateForbidden is returned for a disallowed state transition.
	ErrStateForbidden = errors.New("subscription state transition forbidden")
	// ErrProfileMissing is returned when the user has no fitness profile.
	ErrProfileMissing = errors.New("fitness profile missing")
	// ErrNoProducts is returned when no products match the profile.
	ErrNoProducts = errors.New("no products match fitness profile")
	// ErrNoAddress is returned when no shipping address can be resolved.
	ErrNoAddress = errors.New("no shipping address")
)

// Status is the subscription lifecycle state. CANCELLED is terminal.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
)

// MaxFailedAttempts pauses a subscription after this many consecutive
// payment failures.
const MaxFailedAttempts = 3

// CycleDays is the recurring delivery period.
const CycleDays = 30

// Subscription is a monthly recurring delivery driven by the scheduler.
type Subscription struct {
	ID              string
	UserID          string
	ProfileID       string
	PaymentMethodID string
	Status          Status
	StartedAt       time.Time
	EndedAt         *time.Time
	NextDelivery    time.Time
	AutoRenew       bool
	Price           decimal.Decimal
	FailedAttempts  int
	LastPayment     *time.Time
}

// Profile is the persisted fitness profile an external model produces; the
// engine only reads the plan label and objective tags when selecting
// products for a cycle.
type Profile struct {
	ID              string
	UserID          string
	RecommendedPlan string
	Objectives      []string
}

// Repository persists subscriptions and reads fitness profiles.
type Repository interface {
	Get(ctx context.Context, id string) (*Subscription, error)
	// GetLiveByUser returns the user's ACTIVE or PAUSED subscription, or
	// ErrNotFound.
	GetLiveByUser(ctx context.Context, userID string) (*Subscription, error)
	Insert(ctx context.Context, s *Subscription) error
	Update(ctx context.Context, s *Subscription) error
	// DueOn returns ACTIVE subscriptions with next-delivery on or before the
	// given day.
	DueOn(ctx context.Context, day time.Time) ([]Subscription, error)

	// Profile returns ErrProfileMissing when the user has none.
	Profile(ctx context.Context, userID string) (*Profile, error)
}

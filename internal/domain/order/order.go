package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrStateForbidden is returned for a disallowed state-machine edge.
	ErrStateForbidden = errors.New("order state transition forbidden")
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// transitions lists the allowed state-machine edges. SHIPPED, DELIVERED and
// CANCELLED admit no outgoing edges besides SHIPPED -> DELIVERED.
var transitions = map[Status][]Status{
	StatusPending: {StatusPaid, StatusCancelled},
	StatusPaid:    {StatusShipped, StatusCancelled},
	StatusShipped: {StatusDelivered},
}

// CanTransition reports whether the edge from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether an order in this status may be cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusPaid
}

// Order is a materialized purchase with frozen totals.
type Order struct {
	ID              string
	UserID          string
	AddressID       string
	PaymentMethodID string
	CouponCode      string
	SubscriptionID  string
	IsSubscription  bool
	Subtotal        decimal.Decimal
	Discount        decimal.Decimal
	Shipping        decimal.Decimal
	Total           decimal.Decimal
	Status          Status
	TrackingNumber  string
	PointsEarned    int64
	IdempotencyKey  string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Item is an order line with the unit price snapshotted at materialization.
// Items are immutable once written; later product price changes do not
// affect them.
type Item struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// Repository persists orders and their lines.
type Repository interface {
	Get(ctx context.Context, id string) (*Order, error)
	// GetByOwner returns ErrNotFound when the order does not exist or
	// belongs to another user.
	GetByOwner(ctx context.Context, userID, orderID string) (*Order, error)
	// GetByIdempotencyKey returns ErrNotFound when no order carries the key.
	GetByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	Items(ctx context.Context, orderID string) ([]Item, error)

	Insert(ctx context.Context, o *Order, items []Item) error
	SetStatus(ctx context.Context, orderID string, status Status, tracking *string, updatedAt time.Time) error
}

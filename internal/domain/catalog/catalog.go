package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrUnavailable is returned when a product exists but is not active.
	ErrUnavailable = errors.New("product unavailable")
)

// Product represents a catalog item available for purchase. Stock is mutated
// only through order materialization and cancellation.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
	Active      bool
	Category    string
	AvgRating   decimal.Decimal
	Objectives  []string
	Activities  []string
}

// Repository defines catalog access. LockForUpdate and AdjustStock are only
// meaningful inside a transaction; LockForUpdate acquires row locks in
// product-id order so concurrent orders cannot deadlock.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)

	// ListByPlan returns up to limit active, in-stock products whose name
	// contains the given plan label.
	ListByPlan(ctx context.Context, plan string, limit int) ([]Product, error)
	// ListByObjectives returns up to limit active, in-stock products tagged
	// with any of the given fitness objectives.
	ListByObjectives(ctx context.Context, objectives []string, limit int) ([]Product, error)

	// LockForUpdate re-reads the given products with row locks held, ordered
	// by id.
	LockForUpdate(ctx context.Context, ids []string) ([]Product, error)
	// AdjustStock adds delta (which may be negative) to the product's stock.
	// The stock >= 0 invariant is enforced at the store.
	AdjustStock(ctx context.Context, productID string, delta int) error
}

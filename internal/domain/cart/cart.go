package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// ErrItemNotFound is returned when a cart line does not exist.
var ErrItemNotFound = errors.New("cart item not found")

// StockInsufficientError indicates the requested quantity exceeds the
// product's current stock.
type StockInsufficientError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockInsufficientError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Cart is the per-user cart. Exactly one exists per user; it is created
// lazily on first add and persists across orders.
type Cart struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// Item is a cart line. (cart, product) is unique.
type Item struct {
	ID        string
	CartID    string
	ProductID string
	Quantity  int
	AddedAt   time.Time
	UpdatedAt time.Time
}

// IssueReason classifies a validation finding.
type IssueReason string

const (
	IssueUnavailable       IssueReason = "product_unavailable"
	IssueStockInsufficient IssueReason = "stock_insufficient"
)

// Issue is a pre-checkout validation finding for one cart line.
type Issue struct {
	ItemID    string
	ProductID string
	Reason    IssueReason
	Requested int
	Available int
}

// Repository persists carts and lines. Lock acquires the cart row lock that
// serializes cart mutation and order materialization for one user; it is
// only meaningful inside a transaction.
type Repository interface {
	GetOrCreate(ctx context.Context, userID string) (*Cart, error)
	// GetByUser returns the cart without creating one; ErrItemNotFound-style
	// absence is reported as a nil cart with no error.
	GetByUser(ctx context.Context, userID string) (*Cart, error)
	Lock(ctx context.Context, cartID string) error

	Items(ctx context.Context, cartID string) ([]Item, error)
	GetItem(ctx context.Context, cartID, itemID string) (*Item, error)
	// FindItem returns the line for the product, or nil when absent.
	FindItem(ctx context.Context, cartID, productID string) (*Item, error)

	InsertItem(ctx context.Context, item Item) error
	SetQuantity(ctx context.Context, itemID string, quantity int, updatedAt time.Time) error
	DeleteItem(ctx context.Context, itemID string) error
	Clear(ctx context.Context, cartID string) error
}

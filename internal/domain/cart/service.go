package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/fitkart/internal/domain/catalog"
	"github.com/xenking/fitkart/internal/txn"
)

// ErrQuantityInvalid is returned for quantities below one; removing a line
// is a separate operation.
var ErrQuantityInvalid = errors.New("quantity must be at least 1")

// Service implements the cart store. All mutations run inside a transaction
// holding the cart row lock, so operations for one user serialize while two
// users adding the same product stay independent.
type Service struct {
	carts    Repository
	products catalog.Repository
	txm      txn.Manager
	now      func() time.Time
}

// NewService creates a cart Service.
func NewService(carts Repository, products catalog.Repository, txm txn.Manager) *Service {
	return &Service{carts: carts, products: products, txm: txm, now: time.Now}
}

// GetOrCreate returns the user's cart, creating it on first use.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Cart, error) {
	return s.carts.GetOrCreate(ctx, userID)
}

// Add puts qty units of the product into the user's cart. When a line for
// the product already exists the stored quantity becomes the sum. The
// resulting quantity is checked against current stock; the check is
// best-effort and repeated at order materialization.
func (s *Service) Add(ctx context.Context, userID, productID string, qty int) error {
	if qty < 1 {
		return ErrQuantityInvalid
	}
	return s.txm.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetOrCreate(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "get cart")
		}
		if err := s.carts.Lock(ctx, c.ID); err != nil {
			return errors.Wrap(err, "lock cart")
		}

		existing, err := s.carts.FindItem(ctx, c.ID, productID)
		if err != nil {
			return errors.Wrap(err, "find cart item")
		}

		newQty := qty
		if existing != nil {
			newQty += existing.Quantity
		}
		if err := s.checkProduct(ctx, productID, newQty); err != nil {
			return err
		}

		if existing != nil {
			if err := s.carts.SetQuantity(ctx, existing.ID, newQty, s.now()); err != nil {
				return errors.Wrap(err, "update cart item")
			}
			return nil
		}
		if err := s.carts.InsertItem(ctx, Item{
			ID:        uuid.New().String(),
			CartID:    c.ID,
			ProductID: productID,
			Quantity:  qty,
			AddedAt:   s.now(),
			UpdatedAt: s.now(),
		}); err != nil {
			return errors.Wrap(err, "insert cart item")
		}
		return nil
	})
}

// Update replaces the line's quantity. Zero is rejected; use Remove.
func (s *Service) Update(ctx context.Context, userID, itemID string, qty int) error {
	if qty < 1 {
		return ErrQuantityInvalid
	}
	return s.txm.InTx(ctx, func(ctx context.Context) error {
		_, item, err := s.lockedItem(ctx, userID, itemID)
		if err != nil {
			return err
		}
		if err := s.checkProduct(ctx, item.ProductID, qty); err != nil {
			return err
		}
		if err := s.carts.SetQuantity(ctx, item.ID, qty, s.now()); err != nil {
			return errors.Wrap(err, "update cart item")
		}
		return nil
	})
}

// Remove deletes a line from the user's cart.
func (s *Service) Remove(ctx context.Context, userID, itemID string) error {
	return s.txm.InTx(ctx, func(ctx context.Context) error {
		_, item, err := s.lockedItem(ctx, userID, itemID)
		if err != nil {
			return err
		}
		if err := s.carts.DeleteItem(ctx, item.ID); err != nil {
			return errors.Wrap(err, "delete cart item")
		}
		return nil
	})
}

// Clear removes every line from the user's cart.
func (s *Service) Clear(ctx context.Context, userID string) error {
	return s.txm.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetByUser(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "get cart")
		}
		if c == nil {
			return nil
		}
		if err := s.carts.Lock(ctx, c.ID); err != nil {
			return errors.Wrap(err, "lock cart")
		}
		if err := s.carts.Clear(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear cart")
		}
		return nil
	})
}

// Validate is the non-mutating pre-checkout gate: it reports every line whose
// product is inactive or short on stock. It does not reserve anything.
func (s *Service) Validate(ctx context.Context, userID string) ([]Issue, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	if c == nil {
		return nil, nil
	}
	items, err := s.carts.Items(ctx, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list cart items")
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	products, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]catalog.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	var issues []Issue
	for _, it := range items {
		p, ok := byID[it.ProductID]
		switch {
		case !ok || !p.Active:
			issues = append(issues, Issue{
				ItemID:    it.ID,
				ProductID: it.ProductID,
				Reason:    IssueUnavailable,
				Requested: it.Quantity,
			})
		case p.Stock < it.Quantity:
			issues = append(issues, Issue{
				ItemID:    it.ID,
				ProductID: it.ProductID,
				Reason:    IssueStockInsufficient,
				Requested: it.Quantity,
				Available: p.Stock,
			})
		}
	}
	return issues, nil
}

// Items returns the user's cart lines, without creating a cart.
func (s *Service) Items(ctx context.Context, userID string) ([]Item, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	if c == nil {
		return nil, nil
	}
	return s.carts.Items(ctx, c.ID)
}

func (s *Service) checkProduct(ctx context.Context, productID string, qty int) error {
	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return errors.Wrap(err, "get product")
	}
	if !p.Active {
		return catalog.ErrUnavailable
	}
	if p.Stock < qty {
		return &StockInsufficientError{ProductID: productID, Requested: qty, Available: p.Stock}
	}
	return nil
}

func (s *Service) lockedItem(ctx context.Context, userID, itemID string) (*Cart, *Item, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get cart")
	}
	if c == nil {
		return nil, nil, ErrItemNotFound
	}
	if err := s.carts.Lock(ctx, c.ID); err != nil {
		return nil, nil, errors.Wrap(err, "lock cart")
	}
	item, err := s.carts.GetItem(ctx, c.ID, itemID)
	if err != nil {
		return nil, nil, err
	}
	return c, item, nil
}

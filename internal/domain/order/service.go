package order

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/fitkart/internal/domain/cart"
	"github.com/xenking/fitkart/internal/domain/catalog"
	"github.com/xenking/fitkart/internal/domain/coupon"
	"github.com/xenking/fitkart/internal/domain/pricing"
	"github.com/xenking/fitkart/internal/txn"
)

// MaterializeParams is the input to Materialize. Quote carries the frozen
// totals and lines; IdempotencyKey deduplicates settlement attempts.
type MaterializeParams struct {
	UserID          string
	AddressID       string
	PaymentMethodID string
	CouponCode      string
	SubscriptionID  string
	Status          Status
	Quote           *pricing.Quote
	IdempotencyKey  string
	// ClearCart consumes the user's cart as part of the transaction. It is
	// false for subscription cycles, which materialize from selected
	// products instead.
	ClearCart bool
}

// Service drives the order lifecycle: materialization with stock
// reservation, cancellation with restock, and status transitions.
type Service struct {
	orders   Repository
	products catalog.Repository
	carts    cart.Repository
	coupons  coupon.Repository
	txm      txn.Manager
	now      func() time.Time
}

// NewService creates an order lifecycle Service.
func NewService(
	orders Repository,
	products catalog.Repository,
	carts cart.Repository,
	coupons coupon.Repository,
	txm txn.Manager,
) *Service {
	return &Service{
		orders:   orders,
		products: products,
		carts:    carts,
		coupons:  coupons,
		txm:      txm,
		now:      time.Now,
	}
}

// Materialize converts a priced quote into a persisted order in one
// transaction: products are re-read under row locks in id order, stock is
// re-checked and decremented, unit prices are snapshotted into order items,
// the cart is emptied, and any pre-allocated user coupon is marked used.
//
// A second call with the same idempotency key returns the existing order
// without side effects and reports created=false. Point accrual is not
// performed here; the caller invokes the loyalty engine separately so the
// point ledger stays decoupled.
func (s *Service) Materialize(ctx context.Context, p MaterializeParams) (out *Order, created bool, err error) {
	err = s.txm.InTx(ctx, func(ctx context.Context) error {
		if p.IdempotencyKey != "" {
			existing, err := s.orders.GetByIdempotencyKey(ctx, p.IdempotencyKey)
			switch {
			case err == nil:
				out = existing
				return nil
			case !errors.Is(err, ErrNotFound):
				return errors.Wrap(err, "idempotency lookup")
			}
		}

		if p.ClearCart {
			c, err := s.carts.GetOrCreate(ctx, p.UserID)
			if err != nil {
				return errors.Wrap(err, "get cart")
			}
			if err := s.carts.Lock(ctx, c.ID); err != nil {
				return errors.Wrap(err, "lock cart")
			}
			if err := s.reserveStock(ctx, p.Quote.Lines); err != nil {
				return err
			}
			if err := s.carts.Clear(ctx, c.ID); err != nil {
				return errors.Wrap(err, "clear cart")
			}
		} else {
			if err := s.reserveStock(ctx, p.Quote.Lines); err != nil {
				return err
			}
		}

		o := &Order{
			ID:              uuid.New().String(),
			UserID:          p.UserID,
			AddressID:       p.AddressID,
			PaymentMethodID: p.PaymentMethodID,
			CouponCode:      p.CouponCode,
			SubscriptionID:  p.SubscriptionID,
			IsSubscription:  p.SubscriptionID != "",
			Subtotal:        p.Quote.Subtotal,
			Discount:        p.Quote.Discount,
			Shipping:        p.Quote.Shipping,
			Total:           p.Quote.Total,
			Status:          p.Status,
			IdempotencyKey:  p.IdempotencyKey,
			CreatedAt:       s.now(),
			UpdatedAt:       s.now(),
		}
		if p.Status == StatusPaid {
			o.PointsEarned = p.Quote.Points
		}

		items := make([]Item, len(p.Quote.Lines))
		for i, l := range p.Quote.Lines {
			items[i] = Item{
				ID:        uuid.New().String(),
				OrderID:   o.ID,
				ProductID: l.ProductID,
				Quantity:  l.Quantity,
				UnitPrice: l.UnitPrice,
				Subtotal:  l.Subtotal(),
			}
		}
		if err := s.orders.Insert(ctx, o, items); err != nil {
			return errors.Wrap(err, "insert order")
		}

		if p.CouponCode != "" {
			if err := s.coupons.MarkUsed(ctx, p.UserID, p.CouponCode, o.ID); err != nil {
				return errors.Wrap(err, "mark coupon used")
			}
		}

		out = o
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// FindBySettlementKey returns the order settled under the given idempotency
// key, or ErrNotFound.
func (s *Service) FindBySettlementKey(ctx context.Context, key string) (*Order, error) {
	return s.orders.GetByIdempotencyKey(ctx, key)
}

// reserveStock re-reads each line's product under a row lock, re-checks
// active and stock, and decrements. Locks are taken in id order.
func (s *Service) reserveStock(ctx context.Context, lines []pricing.Line) error {
	ids := make([]string, len(lines))
	qty := make(map[string]int, len(lines))
	for i, l := range lines {
		ids[i] = l.ProductID
		qty[l.ProductID] = l.Quantity
	}
	sort.Strings(ids)

	products, err := s.products.LockForUpdate(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "lock products")
	}
	if len(products) != len(ids) {
		return catalog.ErrNotFound
	}
	for _, p := range products {
		want := qty[p.ID]
		if !p.Active {
			return catalog.ErrUnavailable
		}
		if p.Stock < want {
			return &cart.StockInsufficientError{
				ProductID: p.ID,
				Requested: want,
				Available: p.Stock,
			}
		}
	}
	for _, id := range ids {
		if err := s.products.AdjustStock(ctx, id, -qty[id]); err != nil {
			return errors.Wrap(err, "decrement stock")
		}
	}
	return nil
}

// Cancel transitions a PENDING or PAID order to CANCELLED and restores the
// reserved stock. Earned points are deliberately not reversed.
func (s *Service) Cancel(ctx context.Context, userID, orderID string) (*Order, error) {
	var out *Order
	err := s.txm.InTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetByOwner(ctx, userID, orderID)
		if err != nil {
			return err
		}
		if !o.Status.Cancellable() {
			return ErrStateForbidden
		}

		items, err := s.orders.Items(ctx, o.ID)
		if err != nil {
			return errors.Wrap(err, "load order items")
		}
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.ProductID
		}
		sort.Strings(ids)
		if _, err := s.products.LockForUpdate(ctx, ids); err != nil {
			return errors.Wrap(err, "lock products")
		}
		for _, it := range items {
			if err := s.products.AdjustStock(ctx, it.ProductID, it.Quantity); err != nil {
				return errors.Wrap(err, "restore stock")
			}
		}

		if err := s.orders.SetStatus(ctx, o.ID, StatusCancelled, nil, s.now()); err != nil {
			return errors.Wrap(err, "set status")
		}
		o.Status = StatusCancelled
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus enforces the state machine. A same-state transition is a
// no-op; tracking, when given, is stored with the SHIPPED transition.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, status Status, tracking string) error {
	return s.txm.InTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == status {
			return nil
		}
		if !CanTransition(o.Status, status) {
			return ErrStateForbidden
		}
		var tn *string
		if tracking != "" {
			tn = &tracking
		}
		if err := s.orders.SetStatus(ctx, o.ID, status, tn, s.now()); err != nil {
			return errors.Wrap(err, "set status")
		}
		return nil
	})
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/domain/order"
)

const (
	orderColumns = `id, user_id, address_id,
		COALESCE(payment_method_id, ''), COALESCE(coupon_code, ''), COALESCE(subscription_id, ''),
		is_subscription, subtotal, discount, shipping, total, status,
		COALESCE(tracking_number, ''), points_earned, COALESCE(idempotency_key, ''),
		created_at, updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByOwnerSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $2 AND user_id = $1`

	getOrderByKeySQL = `SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = $1`

	listOrderItemsSQL = `SELECT id, order_id, product_id, quantity, unit_price, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY id`

	insertOrderSQL = `INSERT INTO orders (id, user_id, address_id, payment_method_id, coupon_code,
		subscription_id, is_subscription, subtotal, discount, shipping, total, status,
		points_earned, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	insertOrderItemSQL = `INSERT INTO order_items (id, order_id, product_id, quantity, unit_price, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6)`

	setOrderStatusSQL = `UPDATE orders
		SET status = $2, tracking_number = COALESCE($3, tracking_number), updated_at = $4
		WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Get returns an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.one(ctx, getOrderSQL, id)
}

// GetByOwner returns an order only when it belongs to the user.
func (r *OrderRepository) GetByOwner(ctx context.Context, userID, orderID string) (*order.Order, error) {
	return r.one(ctx, getOrderByOwnerSQL, userID, orderID)
}

// GetByIdempotencyKey returns the order settled under the key.
func (r *OrderRepository) GetByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	return r.one(ctx, getOrderByKeySQL, key)
}

func (r *OrderRepository) one(ctx context.Context, sql string, args ...any) (*order.Order, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return &o, nil
}

// Items returns the order's lines.
func (r *OrderRepository) Items(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, listOrderItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing order items: %w", err)
	}
	return pgx.CollectRows(rows, scanOrderItem)
}

// Insert persists an order with its lines. Runs inside the caller's
// transaction so a failed item insert rolls back the order row.
func (r *OrderRepository) Insert(ctx context.Context, o *order.Order, items []order.Item) error {
	db := dbFrom(ctx, r.pool)
	_, err := db.Exec(ctx, insertOrderSQL,
		o.ID, o.UserID, o.AddressID,
		nullStr(o.PaymentMethodID), nullStr(o.CouponCode), nullStr(o.SubscriptionID),
		o.IsSubscription, o.Subtotal, o.Discount, o.Shipping, o.Total, string(o.Status),
		o.PointsEarned, nullStr(o.IdempotencyKey), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting order %q: %w", o.ID, err)
	}

	for _, it := range items {
		_, err := db.Exec(ctx, insertOrderItemSQL,
			it.ID, it.OrderID, it.ProductID, it.Quantity, it.UnitPrice, it.Subtotal,
		)
		if err != nil {
			return fmt.Errorf("inserting order item %q: %w", it.ID, err)
		}
	}
	return nil
}

// SetStatus updates the lifecycle state. A nil tracking leaves the stored
// tracking number untouched.
func (r *OrderRepository) SetStatus(ctx context.Context, orderID string, status order.Status, tracking *string, updatedAt time.Time) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, setOrderStatusSQL, orderID, string(status), tracking, updatedAt)
	if err != nil {
		return fmt.Errorf("setting status of order %q: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &o.AddressID,
		&o.PaymentMethodID, &o.CouponCode, &o.SubscriptionID,
		&o.IsSubscription, &o.Subtotal, &o.Discount, &o.Shipping, &o.Total, &status,
		&o.TrackingNumber, &o.PointsEarned, &o.IdempotencyKey,
		&o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.Subtotal)
	return it, err
}

// nullStr maps an empty string onto SQL NULL for nullable text columns.
func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

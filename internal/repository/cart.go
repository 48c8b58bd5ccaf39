package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/domain/cart"
)

const (
	getOrCreateCartSQL = `INSERT INTO carts (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, created_at`

	getCartByUserSQL = `SELECT id, user_id, created_at FROM carts WHERE user_id = $1`

	lockCartSQL = `SELECT id FROM carts WHERE id = $1 FOR UPDATE`

	cartItemColumns = `id, cart_id, product_id, quantity, added_at, updated_at`

	listCartItemsSQL = `SELECT ` + cartItemColumns + ` FROM cart_items
		WHERE cart_id = $1 ORDER BY added_at, id`

	getCartItemSQL = `SELECT ` + cartItemColumns + ` FROM cart_items
		WHERE cart_id = $1 AND id = $2`

	findCartItemSQL = `SELECT ` + cartItemColumns + ` FROM cart_items
		WHERE cart_id = $1 AND product_id = $2`

	insertCartItemSQL = `INSERT INTO cart_items (id, cart_id, product_id, quantity, added_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	setCartItemQuantitySQL = `UPDATE cart_items SET quantity = $2, updated_at = $3 WHERE id = $1`

	deleteCartItemSQL = `DELETE FROM cart_items WHERE id = $1`

	clearCartSQL = `DELETE FROM cart_items WHERE cart_id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// GetOrCreate returns the user's cart, creating it on first use. The upsert
// makes concurrent first adds converge on one row.
func (r *CartRepository) GetOrCreate(ctx context.Context, userID string) (*cart.Cart, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getOrCreateCartSQL, uuid.New().String(), userID)
	if err != nil {
		return nil, fmt.Errorf("creating cart for %q: %w", userID, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCart)
	if err != nil {
		return nil, fmt.Errorf("creating cart for %q: %w", userID, err)
	}
	return &c, nil
}

// GetByUser returns the user's cart, or nil when none exists yet.
func (r *CartRepository) GetByUser(ctx context.Context, userID string) (*cart.Cart, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getCartByUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("getting cart for %q: %w", userID, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCart)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting cart for %q: %w", userID, err)
	}
	return &c, nil
}

// Lock acquires the cart row lock that serializes cart mutation and
// checkout for one user.
func (r *CartRepository) Lock(ctx context.Context, cartID string) error {
	var id string
	if err := dbFrom(ctx, r.pool).QueryRow(ctx, lockCartSQL, cartID).Scan(&id); err != nil {
		return fmt.Errorf("locking cart %q: %w", cartID, err)
	}
	return nil
}

// Items returns the cart's lines in insertion order.
func (r *CartRepository) Items(ctx context.Context, cartID string) ([]cart.Item, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, listCartItemsSQL, cartID)
	if err != nil {
		return nil, fmt.Errorf("listing cart items: %w", err)
	}
	return pgx.CollectRows(rows, scanCartItem)
}

// GetItem returns one cart line by id.
func (r *CartRepository) GetItem(ctx context.Context, cartID, itemID string) (*cart.Item, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getCartItemSQL, cartID, itemID)
	if err != nil {
		return nil, fmt.Errorf("getting cart item %q: %w", itemID, err)
	}
	it, err := pgx.CollectExactlyOneRow(rows, scanCartItem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrItemNotFound
		}
		return nil, fmt.Errorf("getting cart item %q: %w", itemID, err)
	}
	return &it, nil
}

// FindItem returns the line holding the product, or nil when absent.
func (r *CartRepository) FindItem(ctx context.Context, cartID, productID string) (*cart.Item, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, findCartItemSQL, cartID, productID)
	if err != nil {
		return nil, fmt.Errorf("finding cart item: %w", err)
	}
	it, err := pgx.CollectExactlyOneRow(rows, scanCartItem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding cart item: %w", err)
	}
	return &it, nil
}

// InsertItem adds a new line.
func (r *CartRepository) InsertItem(ctx context.Context, item cart.Item) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, insertCartItemSQL,
		item.ID, item.CartID, item.ProductID, item.Quantity, item.AddedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting cart item: %w", err)
	}
	return nil
}

// SetQuantity replaces a line's quantity.
func (r *CartRepository) SetQuantity(ctx context.Context, itemID string, quantity int, updatedAt time.Time) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, setCartItemQuantitySQL, itemID, quantity, updatedAt)
	if err != nil {
		return fmt.Errorf("updating cart item %q: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrItemNotFound
	}
	return nil
}

// DeleteItem removes one line.
func (r *CartRepository) DeleteItem(ctx context.Context, itemID string) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, deleteCartItemSQL, itemID)
	if err != nil {
		return fmt.Errorf("deleting cart item %q: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrItemNotFound
	}
	return nil
}

// Clear removes all lines of the cart.
func (r *CartRepository) Clear(ctx context.Context, cartID string) error {
	if _, err := dbFrom(ctx, r.pool).Exec(ctx, clearCartSQL, cartID); err != nil {
		return fmt.Errorf("clearing cart %q: %w", cartID, err)
	}
	return nil
}

func scanCart(row pgx.CollectableRow) (cart.Cart, error) {
	var c cart.Cart
	err := row.Scan(&c.ID, &c.UserID, &c.CreatedAt)
	return c, err
}

func scanCartItem(row pgx.CollectableRow) (cart.Item, error) {
	var it cart.Item
	err := row.Scan(&it.ID, &it.CartID, &it.ProductID, &it.Quantity, &it.AddedAt, &it.UpdatedAt)
	return it, err
}

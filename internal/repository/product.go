package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/domain/catalog"
)

const (
	productColumns = `id, name, description, price, stock, active, category, avg_rating, objectives, activities`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1) ORDER BY id`

	listProductsByPlanSQL = `SELECT ` + productColumns + ` FROM products
		WHERE active AND stock >= 1 AND name ILIKE '%' || $1 || '%'
		ORDER BY avg_rating DESC, id LIMIT $2`

	listProductsByObjectivesSQL = `SELECT ` + productColumns + ` FROM products
		WHERE active AND stock >= 1 AND objectives && $1
		ORDER BY avg_rating DESC, id LIMIT $2`

	lockProductsSQL = `SELECT ` + productColumns + ` FROM products
		WHERE id = ANY($1) ORDER BY id FOR UPDATE`

	adjustStockSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`

	upsertProductSQL = `INSERT INTO products (id, name, description, price, stock, active, category, avg_rating, objectives, activities)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, description = EXCLUDED.description, price = EXCLUDED.price,
				stock = EXCLUDED.stock, active = EXCLUDED.active, category = EXCLUDED.category,
				avg_rating = EXCLUDED.avg_rating, objectives = EXCLUDED.objectives, activities = EXCLUDED.activities`
)

var _ catalog.Repository = (*ProductRepository)(nil)

// ProductRepository implements catalog.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]catalog.Product, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// ListByPlan returns up to limit active in-stock products whose name matches
// the plan label, best rated first.
func (r *ProductRepository) ListByPlan(ctx context.Context, plan string, limit int) ([]catalog.Product, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, listProductsByPlanSQL, plan, limit)
	if err != nil {
		return nil, fmt.Errorf("listing products by plan: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// ListByObjectives returns up to limit active in-stock products tagged with
// any of the given objectives, best rated first.
func (r *ProductRepository) ListByObjectives(ctx context.Context, objectives []string, limit int) ([]catalog.Product, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, listProductsByObjectivesSQL, objectives, limit)
	if err != nil {
		return nil, fmt.Errorf("listing products by objectives: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// LockForUpdate re-reads the given products with row locks held, in id order.
func (r *ProductRepository) LockForUpdate(ctx context.Context, ids []string) ([]catalog.Product, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, lockProductsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("locking products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// AdjustStock adds delta to the product's stock. The stock >= 0 check
// constraint rejects an adjustment below zero.
func (r *ProductRepository) AdjustStock(ctx context.Context, productID string, delta int) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, adjustStockSQL, productID, delta)
	if err != nil {
		return fmt.Errorf("adjusting stock of %q: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// Upsert inserts or replaces a catalog product. Used by the seed tool.
func (r *ProductRepository) Upsert(ctx context.Context, p catalog.Product) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, upsertProductSQL,
		p.ID, p.Name, p.Description, p.Price, p.Stock, p.Active,
		p.Category, p.AvgRating, p.Objectives, p.Activities,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var p catalog.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock,
		&p.Active, &p.Category, &p.AvgRating, &p.Objectives, &p.Activities,
	)
	return p, err
}

package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/domain/coupon"
)

const (
	getCouponSQL = `SELECT code, discount_percent, starts_at, expires_at, active
		FROM coupons WHERE code = $1`

	grantCouponSQL = `INSERT INTO user_coupons (id, user_id, coupon_code)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, coupon_code, used_on, granted_at`

	upsertCouponSQL = `INSERT INTO coupons (code, discount_percent, starts_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE
			SET discount_percent = EXCLUDED.discount_percent,
				starts_at = EXCLUDED.starts_at,
				expires_at = EXCLUDED.expires_at,
				active = EXCLUDED.active`

	markCouponUsedSQL = `UPDATE user_coupons SET used_on = $3
		WHERE id = (
			SELECT id FROM user_coupons
			WHERE user_id = $1 AND coupon_code = $2 AND used_on IS NULL
			ORDER BY granted_at, id LIMIT 1
		)`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode returns the coupon, or coupon.ErrUnknown.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getCouponSQL, code)
	if err != nil {
		return nil, fmt.Errorf("getting coupon %q: %w", code, err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrUnknown
		}
		return nil, fmt.Errorf("getting coupon %q: %w", code, err)
	}
	return &c, nil
}

// Grant allocates a coupon to a user.
func (r *CouponRepository) Grant(ctx context.Context, userID, code string) (*coupon.Grant, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, grantCouponSQL, uuid.New().String(), userID, code)
	if err != nil {
		return nil, fmt.Errorf("granting coupon %q: %w", code, err)
	}
	g, err := pgx.CollectExactlyOneRow(rows, scanGrant)
	if err != nil {
		return nil, fmt.Errorf("granting coupon %q: %w", code, err)
	}
	return &g, nil
}

// Upsert inserts or replaces a coupon definition. Used by the ingest and
// seed tools.
func (r *CouponRepository) Upsert(ctx context.Context, c coupon.Coupon) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, upsertCouponSQL,
		c.Code, c.Percent, c.StartsAt, c.ExpiresAt, c.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
	}
	return nil
}

// MarkUsed stamps the oldest unused grant with the order. No-op when the user
// holds no unused grant of the code.
func (r *CouponRepository) MarkUsed(ctx context.Context, userID, code, orderID string) error {
	if _, err := dbFrom(ctx, r.pool).Exec(ctx, markCouponUsedSQL, userID, code, orderID); err != nil {
		return fmt.Errorf("marking coupon %q used: %w", code, err)
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var c coupon.Coupon
	err := row.Scan(&c.Code, &c.Percent, &c.StartsAt, &c.ExpiresAt, &c.Active)
	return c, err
}

func scanGrant(row pgx.CollectableRow) (coupon.Grant, error) {
	var g coupon.Grant
	err := row.Scan(&g.ID, &g.UserID, &g.Code, &g.UsedOn, &g.GrantedAt)
	return g, err
}

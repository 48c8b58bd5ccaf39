package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/domain/loyalty"
)

const (
	loyaltyColumns = `id, user_id, total_points, tier_level, tier_achieved, expires_at`

	getOrCreateLoyaltySQL = `INSERT INTO user_loyalty (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING ` + loyaltyColumns

	getLoyaltySQL = `SELECT ` + loyaltyColumns + ` FROM user_loyalty WHERE user_id = $1`

	updateLoyaltySQL = `UPDATE user_loyalty
		SET total_points = $2, tier_level = $3, tier_achieved = $4, expires_at = $5
		WHERE id = $1`

	appendPointEntrySQL = `INSERT INTO point_history (id, loyalty_id, order_id, change, event, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	listTiersSQL = `SELECT level, min_points, multiplier, free_shipping_threshold, monthly_coupons, coupon_percent
		FROM loyalty_tiers ORDER BY level`

	getTierSQL = `SELECT level, min_points, multiplier, free_shipping_threshold, monthly_coupons, coupon_percent
		FROM loyalty_tiers WHERE level = $1`

	dueForExpirySQL = `SELECT ` + loyaltyColumns + ` FROM user_loyalty
		WHERE expires_at IS NOT NULL AND expires_at <= $1 ORDER BY id`
)

var _ loyalty.Repository = (*LoyaltyRepository)(nil)

// LoyaltyRepository implements loyalty.Repository backed by PostgreSQL.
type LoyaltyRepository struct {
	pool *pgxpool.Pool
}

// NewLoyaltyRepository returns a LoyaltyRepository that uses the given pool.
func NewLoyaltyRepository(pool *pgxpool.Pool) *LoyaltyRepository {
	return &LoyaltyRepository{pool: pool}
}

// GetOrCreate returns the user's loyalty row, inserting a fresh tier-1 row on
// first use.
func (r *LoyaltyRepository) GetOrCreate(ctx context.Context, userID string) (*loyalty.UserLoyalty, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getOrCreateLoyaltySQL, uuid.New().String(), userID)
	if err != nil {
		return nil, fmt.Errorf("creating loyalty row for %q: %w", userID, err)
	}
	ul, err := pgx.CollectExactlyOneRow(rows, scanLoyalty)
	if err != nil {
		return nil, fmt.Errorf("creating loyalty row for %q: %w", userID, err)
	}
	return &ul, nil
}

// Get returns the user's loyalty row, or loyalty.ErrNotFound.
func (r *LoyaltyRepository) Get(ctx context.Context, userID string) (*loyalty.UserLoyalty, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getLoyaltySQL, userID)
	if err != nil {
		return nil, fmt.Errorf("getting loyalty row for %q: %w", userID, err)
	}
	ul, err := pgx.CollectExactlyOneRow(rows, scanLoyalty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, loyalty.ErrNotFound
		}
		return nil, fmt.Errorf("getting loyalty row for %q: %w", userID, err)
	}
	return &ul, nil
}

// Update persists balance, tier, and expiry.
func (r *LoyaltyRepository) Update(ctx context.Context, ul *loyalty.UserLoyalty) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, updateLoyaltySQL,
		ul.ID, ul.TotalPoints, ul.TierLevel, ul.TierAchieved, ul.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("updating loyalty row %q: %w", ul.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return loyalty.ErrNotFound
	}
	return nil
}

// AppendEntry writes one point ledger record.
func (r *LoyaltyRepository) AppendEntry(ctx context.Context, e loyalty.Entry) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, appendPointEntrySQL,
		e.ID, e.LoyaltyID, e.OrderID, e.Change, string(e.Event), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending point entry: %w", err)
	}
	return nil
}

// Tiers returns all tiers ordered by ascending level.
func (r *LoyaltyRepository) Tiers(ctx context.Context) ([]loyalty.Tier, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, listTiersSQL)
	if err != nil {
		return nil, fmt.Errorf("listing tiers: %w", err)
	}
	return pgx.CollectRows(rows, scanTier)
}

// Tier returns one tier by level.
func (r *LoyaltyRepository) Tier(ctx context.Context, level int) (*loyalty.Tier, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getTierSQL, level)
	if err != nil {
		return nil, fmt.Errorf("getting tier %d: %w", level, err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, loyalty.ErrNotFound
		}
		return nil, fmt.Errorf("getting tier %d: %w", level, err)
	}
	return &t, nil
}

// DueForExpiry returns rows whose expiry date is on or before the given day.
func (r *LoyaltyRepository) DueForExpiry(ctx context.Context, day time.Time) ([]loyalty.UserLoyalty, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, dueForExpirySQL, day)
	if err != nil {
		return nil, fmt.Errorf("listing due loyalty rows: %w", err)
	}
	return pgx.CollectRows(rows, scanLoyalty)
}

func scanLoyalty(row pgx.CollectableRow) (loyalty.UserLoyalty, error) {
	var ul loyalty.UserLoyalty
	err := row.Scan(&ul.ID, &ul.UserID, &ul.TotalPoints, &ul.TierLevel, &ul.TierAchieved, &ul.ExpiresAt)
	return ul, err
}

func scanTier(row pgx.CollectableRow) (loyalty.Tier, error) {
	var t loyalty.Tier
	err := row.Scan(&t.Level, &t.MinPoints, &t.Multiplier, &t.FreeShippingThreshold, &t.MonthlyCoupons, &t.CouponPercent)
	return t, err
}

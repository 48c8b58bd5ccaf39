package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/domain/subscription"
)

const (
	subscriptionColumns = `id, user_id, profile_id, payment_method_id, status,
		started_at, ended_at, next_delivery, auto_renew, price, failed_attempts, last_payment`

	getSubscriptionSQL = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	getLiveSubscriptionSQL = `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE user_id = $1 AND status <> 'CANCELLED'`

	insertSubscriptionSQL = `INSERT INTO subscriptions (id, user_id, profile_id, payment_method_id,
		status, started_at, ended_at, next_delivery, auto_renew, price, failed_attempts, last_payment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	updateSubscriptionSQL = `UPDATE subscriptions
		SET payment_method_id = $2, status = $3, ended_at = $4, next_delivery = $5,
			auto_renew = $6, failed_attempts = $7, last_payment = $8
		WHERE id = $1`

	dueSubscriptionsSQL = `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = 'ACTIVE' AND next_delivery <= $1 ORDER BY next_delivery, id`

	getProfileSQL = `SELECT id, user_id, recommended_plan, objectives
		FROM fitness_profiles WHERE user_id = $1`
)

var _ subscription.Repository = (*SubscriptionRepository)(nil)

// SubscriptionRepository implements subscription.Repository backed by
// PostgreSQL.
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepository returns a SubscriptionRepository that uses the
// given pool.
func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Get returns a subscription by id.
func (r *SubscriptionRepository) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	return r.one(ctx, getSubscriptionSQL, id)
}

// GetLiveByUser returns the user's non-cancelled subscription. The partial
// unique index guarantees at most one.
func (r *SubscriptionRepository) GetLiveByUser(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return r.one(ctx, getLiveSubscriptionSQL, userID)
}

func (r *SubscriptionRepository) one(ctx context.Context, sql string, arg string) (*subscription.Subscription, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSubscription)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscription.ErrNotFound
		}
		return nil, fmt.Errorf("querying subscription: %w", err)
	}
	return &s, nil
}

// Insert persists a new subscription.
func (r *SubscriptionRepository) Insert(ctx context.Context, s *subscription.Subscription) error {
	_, err := dbFrom(ctx, r.pool).Exec(ctx, insertSubscriptionSQL,
		s.ID, s.UserID, s.ProfileID, s.PaymentMethodID, string(s.Status),
		s.StartedAt, s.EndedAt, s.NextDelivery, s.AutoRenew, s.Price, s.FailedAttempts, s.LastPayment,
	)
	if err != nil {
		return fmt.Errorf("inserting subscription %q: %w", s.ID, err)
	}
	return nil
}

// Update persists mutable subscription state.
func (r *SubscriptionRepository) Update(ctx context.Context, s *subscription.Subscription) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, updateSubscriptionSQL,
		s.ID, s.PaymentMethodID, string(s.Status), s.EndedAt, s.NextDelivery,
		s.AutoRenew, s.FailedAttempts, s.LastPayment,
	)
	if err != nil {
		return fmt.Errorf("updating subscription %q: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return subscription.ErrNotFound
	}
	return nil
}

// DueOn returns ACTIVE subscriptions with next-delivery on or before the day.
func (r *SubscriptionRepository) DueOn(ctx context.Context, day time.Time) ([]subscription.Subscription, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, dueSubscriptionsSQL, day)
	if err != nil {
		return nil, fmt.Errorf("listing due subscriptions: %w", err)
	}
	return pgx.CollectRows(rows, scanSubscription)
}

// Profile returns the user's fitness profile, or ErrProfileMissing.
func (r *SubscriptionRepository) Profile(ctx context.Context, userID string) (*subscription.Profile, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getProfileSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("getting fitness profile: %w", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProfile)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscription.ErrProfileMissing
		}
		return nil, fmt.Errorf("getting fitness profile: %w", err)
	}
	return &p, nil
}

func scanSubscription(row pgx.CollectableRow) (subscription.Subscription, error) {
	var (
		s      subscription.Subscription
		status string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.ProfileID, &s.PaymentMethodID, &status,
		&s.StartedAt, &s.EndedAt, &s.NextDelivery, &s.AutoRenew, &s.Price,
		&s.FailedAttempts, &s.LastPayment,
	)
	s.Status = subscription.Status(status)
	return s, err
}

func scanProfile(row pgx.CollectableRow) (subscription.Profile, error) {
	var p subscription.Profile
	err := row.Scan(&p.ID, &p.UserID, &p.RecommendedPlan, &p.Objectives)
	return p, err
}

package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/coupon"
	"github.com/xenking/fitkart/internal/txn"
)

// ExpiryDays is how long tier-1 points live before the scheduled expiry
// wipes them.
const ExpiryDays = 180

// Engine accrues points on paid orders, promotes tiers, and runs the
// scheduled expiration.
type Engine struct {
	repo Repository
	txm  txn.Manager
	lg   *zap.Logger
	now  func() time.Time
}

// NewEngine creates a loyalty Engine.
func NewEngine(repo Repository, txm txn.Manager, lg *zap.Logger) *Engine {
	return &Engine{repo: repo, txm: txm, lg: lg, now: time.Now}
}

// AddPoints appends an EARNED ledger entry for the order, increments the
// balance, arms the expiry clock for fresh tier-1 users, and re-evaluates the
// tier. It joins the caller's transaction when one is open.
func (e *Engine) AddPoints(ctx context.Context, userID string, delta int64, orderID string) error {
	if delta <= 0 {
		return nil
	}
	return e.txm.InTx(ctx, func(ctx context.Context) error {
		ul, err := e.repo.GetOrCreate(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "load loyalty")
		}

		oid := orderID
		if err := e.repo.AppendEntry(ctx, Entry{
			ID:        uuid.New().String(),
			LoyaltyID: ul.ID,
			OrderID:   &oid,
			Change:    delta,
			Event:     EventEarned,
			CreatedAt: e.now(),
		}); err != nil {
			return errors.Wrap(err, "append ledger entry")
		}

		ul.TotalPoints += delta
		if ul.TierLevel == 1 && ul.ExpiresAt == nil {
			exp := e.today().AddDate(0, 0, ExpiryDays)
			ul.ExpiresAt = &exp
		}

		tiers, err := e.repo.Tiers(ctx)
		if err != nil {
			return errors.Wrap(err, "load tiers")
		}
		if t := HighestTier(tiers, ul.TotalPoints); t.Level > ul.TierLevel {
			ul.TierLevel = t.Level
			ul.TierAchieved = e.today()
			e.lg.Info("loyalty tier promoted",
				zap.String("user_id", userID),
				zap.Int("tier", t.Level),
				zap.Int64("points", ul.TotalPoints))
		}

		if err := e.repo.Update(ctx, ul); err != nil {
			return errors.Wrap(err, "update loyalty")
		}
		return nil
	})
}

// CurrentTier returns the user's tier, defaulting to tier 1 for users without
// a loyalty row.
func (e *Engine) CurrentTier(ctx context.Context, userID string) (*Tier, error) {
	ul, err := e.repo.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return e.repo.Tier(ctx, 1)
	case err != nil:
		return nil, err
	}
	return e.repo.Tier(ctx, ul.TierLevel)
}

// ExpiryStats summarizes a batch expiration run.
type ExpiryStats struct {
	Users  int
	Points int64
}

// Expire wipes the balance: an EXPIRED ledger entry for the full negative
// balance (no order reference), points zeroed, expiry cleared, tier reset
// to 1.
func (e *Engine) Expire(ctx context.Context, ul *UserLoyalty, today time.Time) error {
	return e.txm.InTx(ctx, func(ctx context.Context) error {
		if ul.TotalPoints > 0 {
			if err := e.repo.AppendEntry(ctx, Entry{
				ID:        uuid.New().String(),
				LoyaltyID: ul.ID,
				Change:    -ul.TotalPoints,
				Event:     EventExpired,
				CreatedAt: e.now(),
			}); err != nil {
				return errors.Wrap(err, "append ledger entry")
			}
		}
		ul.TotalPoints = 0
		ul.ExpiresAt = nil
		ul.TierLevel = 1
		ul.TierAchieved = today
		if err := e.repo.Update(ctx, ul); err != nil {
			return errors.Wrap(err, "update loyalty")
		}
		return nil
	})
}

// ExpireAll expires every loyalty row whose expiry date has arrived. Each
// user is a separate transaction; one failure does not abort the batch.
func (e *Engine) ExpireAll(ctx context.Context, today time.Time) (ExpiryStats, error) {
	due, err := e.repo.DueForExpiry(ctx, today)
	if err != nil {
		return ExpiryStats{}, errors.Wrap(err, "list due loyalty rows")
	}

	var stats ExpiryStats
	for i := range due {
		ul := due[i]
		points := ul.TotalPoints
		if err := e.Expire(ctx, &ul, today); err != nil {
			e.lg.Warn("point expiry failed",
				zap.String("user_id", ul.UserID),
				zap.Error(err))
			continue
		}
		stats.Users++
		stats.Points += points
	}
	return stats, nil
}

// TierCouponCode is the code of the coupon granted monthly at the given
// tier. The coupons themselves are provisioned by the seed tooling.
func TierCouponCode(level int) string {
	return fmt.Sprintf("TIER%d-MONTHLY", level)
}

// GrantMonthlyCoupons allocates the user's tier coupon quota. Admin tooling
// runs it once per month per user; tier 1 has no quota and grants nothing.
func (e *Engine) GrantMonthlyCoupons(ctx context.Context, coupons coupon.Repository, userID string) (int, error) {
	ul, err := e.repo.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "load loyalty")
	}
	tier, err := e.repo.Tier(ctx, ul.TierLevel)
	if err != nil {
		return 0, errors.Wrap(err, "load tier")
	}
	if tier.MonthlyCoupons == 0 {
		return 0, nil
	}

	code := TierCouponCode(tier.Level)
	err = e.txm.InTx(ctx, func(ctx context.Context) error {
		for range tier.MonthlyCoupons {
			if _, err := coupons.Grant(ctx, userID, code); err != nil {
				return errors.Wrap(err, "grant coupon")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.lg.Info("monthly coupons granted",
		zap.String("user_id", userID),
		zap.String("code", code),
		zap.Int("count", tier.MonthlyCoupons))
	return tier.MonthlyCoupons, nil
}

func (e *Engine) today() time.Time {
	t := e.now().UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

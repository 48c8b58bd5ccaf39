// The seed-db tool loads the product catalog from a JSON file and optionally
// creates a demo user with an address, a saved card, and a fitness profile
// for local subscription testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/catalog"
	"github.com/xenking/fitkart/internal/domain/coupon"
	"github.com/xenking/fitkart/internal/domain/loyalty"
	"github.com/xenking/fitkart/internal/repository"
)

type productJSON struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Category    string          `json:"category"`
	AvgRating   decimal.Decimal `json:"avg_rating"`
	Objectives  []string        `json:"objectives"`
	Activities  []string        `json:"activities"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		demoUser     bool
		grantUser    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.BoolVar(&demoUser, "demo-user", false, "also create a demo user with address, card, and fitness profile")
	flag.StringVar(&grantUser, "grant-coupons", "", "grant the monthly tier coupon quota to the given user id")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, productsFile, demoUser, grantUser); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile string, demoUser bool, grantUser string) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, pool, productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if demoUser {
		if err := seedDemoUser(ctx, pool); err != nil {
			return errors.Wrap(err, "seed demo user")
		}
	}
	if grantUser != "" {
		if err := grantMonthlyCoupons(ctx, pool, grantUser); err != nil {
			return errors.Wrap(err, "grant monthly coupons")
		}
	}
	return nil
}

// grantMonthlyCoupons provisions the tier coupon codes and allocates the
// user's monthly quota.
func grantMonthlyCoupons(ctx context.Context, pool *pgxpool.Pool, userID string) error {
	loyaltyRepo := repository.NewLoyaltyRepository(pool)
	coupons := repository.NewCouponRepository(pool)
	engine := loyalty.NewEngine(loyaltyRepo, repository.NewTxManager(pool), zap.NewNop())

	tiers, err := loyaltyRepo.Tiers(ctx)
	if err != nil {
		return errors.Wrap(err, "load tiers")
	}
	now := time.Now().UTC()
	for _, t := range tiers {
		if t.MonthlyCoupons == 0 {
			continue
		}
		if err := coupons.Upsert(ctx, coupon.Coupon{
			Code:      loyalty.TierCouponCode(t.Level),
			Percent:   t.CouponPercent,
			StartsAt:  now,
			ExpiresAt: now.AddDate(0, 1, 0),
			Active:    true,
		}); err != nil {
			return errors.Wrapf(err, "provision tier %d coupon", t.Level)
		}
	}

	granted, err := engine.GrantMonthlyCoupons(ctx, coupons, userID)
	if err != nil {
		return err
	}
	slog.Info("monthly coupons granted", slog.String("user_id", userID), slog.Int("count", granted))
	return nil
}

func seedProducts(ctx context.Context, pool *pgxpool.Pool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}

	var items []productJSON
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}

	products := repository.NewProductRepository(pool)
	for _, it := range items {
		p := catalog.Product{
			ID:          it.ID,
			Name:        it.Name,
			Description: it.Description,
			Price:       it.Price,
			Stock:       it.Stock,
			Active:      true,
			Category:    it.Category,
			AvgRating:   it.AvgRating,
			Objectives:  it.Objectives,
			Activities:  it.Activities,
		}
		if err := products.Upsert(ctx, p); err != nil {
			return err
		}
	}

	slog.Info("products seeded", slog.Int("count", len(items)))
	return nil
}

const (
	demoUserSQL = `INSERT INTO users (id, external_subject, email)
		VALUES ('demo-user', 'demo|fitkart', 'demo@fitkart.io')
		ON CONFLICT (id) DO NOTHING`

	demoAddressSQL = `INSERT INTO addresses (id, user_id, line1, city, postal_code, country, is_default)
		VALUES ('demo-address', 'demo-user', '1 Training Way', 'Springfield', '12345', 'US', TRUE)
		ON CONFLICT (id) DO NOTHING`

	demoCardSQL = `INSERT INTO payment_methods (id, user_id, kind, provider_ref, last_four, exp_month, exp_year, is_default)
		VALUES ('demo-card', 'demo-user', 'card_credit', 'pm_demo_4242', '4242', 12, 2030, TRUE)
		ON CONFLICT (id) DO NOTHING`

	demoProfileSQL = `INSERT INTO fitness_profiles (id, user_id, recommended_plan, objectives)
		VALUES ('demo-profile', 'demo-user', 'strength', '{muscle_gain,endurance}')
		ON CONFLICT (id) DO NOTHING`
)

func seedDemoUser(ctx context.Context, pool *pgxpool.Pool) error {
	for _, sql := range []string{demoUserSQL, demoAddressSQL, demoCardSQL, demoProfileSQL} {
		if _, err := pool.Exec(ctx, sql); err != nil {
			return err
		}
	}
	slog.Info("demo user seeded", slog.String("user_id", "demo-user"))
	return nil
}

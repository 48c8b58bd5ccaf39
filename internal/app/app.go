// Package app wires the commerce kernel together and runs its two processes:
// the settlement API server and the daily scheduler.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/cart"
	"github.com/xenking/fitkart/internal/domain/checkout"
	"github.com/xenking/fitkart/internal/domain/loyalty"
	"github.com/xenking/fitkart/internal/domain/order"
	"github.com/xenking/fitkart/internal/domain/pricing"
	"github.com/xenking/fitkart/internal/domain/subscription"
	"github.com/xenking/fitkart/internal/handler"
	"github.com/xenking/fitkart/internal/payment"
	"github.com/xenking/fitkart/internal/repository"
	"github.com/xenking/fitkart/internal/scheduler"
	"github.com/xenking/fitkart/pkg/health"
	"github.com/xenking/fitkart/pkg/httpmiddleware"
	"github.com/xenking/fitkart/pkg/jwks"
)

// kernel bundles the wired domain services shared by both processes.
type kernel struct {
	pool     *pgxpool.Pool
	accounts *repository.AccountRepository
	checkout *checkout.Coordinator
	loyalty  *loyalty.Engine
	subs     *subscription.Engine
}

// buildKernel creates the pool, runs migrations, and wires every domain
// service on top.
func buildKernel(ctx context.Context, lg *zap.Logger, cfg *Config) (*kernel, error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	txm := repository.NewTxManager(pool)
	products := repository.NewProductRepository(pool)
	carts := repository.NewCartRepository(pool)
	coupons := repository.NewCouponRepository(pool)
	orders := repository.NewOrderRepository(pool)
	loyaltyRepo := repository.NewLoyaltyRepository(pool)
	accounts := repository.NewAccountRepository(pool)
	subs := repository.NewSubscriptionRepository(pool)

	cartSvc := cart.NewService(carts, products, txm)
	orderSvc := order.NewService(orders, products, carts, coupons, txm)
	loyaltyEngine := loyalty.NewEngine(loyaltyRepo, txm, lg)
	pricer := pricing.NewEngine(decimal.RequireFromString(cfg.ShippingFee), cfg.PointDivisor)

	stripe := payment.NewStripeClient(payment.StripeConfig{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		BaseURL:       cfg.Stripe.BaseURL,
		Tolerance:     cfg.Stripe.Tolerance,
	})
	paypal := payment.NewPayPalClient(payment.PayPalConfig{
		ClientID: cfg.PayPal.ClientID,
		Secret:   cfg.PayPal.Secret,
		BaseURL:  cfg.PayPal.BaseURL,
	})

	coordinator := checkout.NewCoordinator(
		checkout.Config{
			Currency:   cfg.Currency,
			SuccessURL: cfg.SuccessURL,
			CancelURL:  cfg.CancelURL,
		},
		cartSvc, products, accounts, coupons, loyaltyEngine, orderSvc, pricer,
		stripe, paypal, txm,
	)
	subsEngine := subscription.NewEngine(
		subs, products, accounts, orderSvc, loyaltyEngine, stripe, txm, cfg.Currency, lg,
	)

	return &kernel{
		pool:     pool,
		accounts: accounts,
		checkout: coordinator,
		loyalty:  loyaltyEngine,
		subs:     subsEngine,
	}, nil
}

// Run starts the settlement API server and handles graceful shutdown. It is
// the single wiring point for the api-server process.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	k, err := buildKernel(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer k.pool.Close()

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.DatabasePingCheck(k.pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	verifier := jwks.New(jwks.Config{URL: cfg.Auth.JWKSURL, Issuer: cfg.Auth.Issuer})
	h, err := handler.New(k.checkout, k.accounts, verifier, m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create handler")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "Stripe-Signature"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("fitkart-api",
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// RunScheduler wires the kernel and runs the daily maintenance loop until the
// context is cancelled. It is the entry point of the scheduler process.
func RunScheduler(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	k, err := buildKernel(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer k.pool.Close()

	sched := scheduler.New(
		scheduler.Config{TickAt: cfg.Scheduler.TickAt},
		clockwork.NewRealClock(),
		k.loyalty,
		k.subs,
		m.TracerProvider(),
		lg,
	)
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "scheduler")
	}
	return nil
}

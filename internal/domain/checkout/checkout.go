// Package checkout binds pricing, the order lifecycle, the payment
// providers, and the loyalty engine into the three checkout flows. It owns
// the idempotency keys that make webhook-driven settlement safe to replay.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/fitkart/internal/domain/account"
	"github.com/xenking/fitkart/internal/domain/cart"
	"github.com/xenking/fitkart/internal/domain/catalog"
	"github.com/xenking/fitkart/internal/domain/coupon"
	"github.com/xenking/fitkart/internal/domain/loyalty"
	"github.com/xenking/fitkart/internal/domain/order"
	"github.com/xenking/fitkart/internal/domain/pricing"
	"github.com/xenking/fitkart/internal/payment"
	"github.com/xenking/fitkart/internal/txn"
)

// ErrCaptureIncomplete is returned when the wallet processor reports a
// capture status other than COMPLETED.
var ErrCaptureIncomplete = errors.New("wallet capture not completed")

// AmountMismatchError is returned when the amount a settled session actually
// charged disagrees with the server-side re-price. No order is materialized;
// the charge needs a refund or manual review.
type AmountMismatchError struct {
	Charged int64
	Quoted  int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("charged amount %d does not match re-priced total %d", e.Charged, e.Quoted)
}

// DeclinedError carries the processor's decline reason to the caller.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

// Config holds checkout-level settings.
type Config struct {
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Result is the outcome of a synchronous checkout entry point. When the
// processor demands a 3-D-Secure step-up, RequiresAction is set, the client
// secret is passed through verbatim, and no order exists yet.
type Result struct {
	Order          *order.Order
	RequiresAction bool
	ClientSecret   string
}

// Coordinator drives the three checkout flows.
type Coordinator struct {
	cfg      Config
	carts    *cart.Service
	products catalog.Repository
	accounts account.Repository
	coupons  coupon.Repository
	loyalty  *loyalty.Engine
	orders   *order.Service
	pricer   *pricing.Engine
	card     payment.CardProvider
	wallet   payment.WalletProvider
	txm      txn.Manager
	now      func() time.Time
}

// NewCoordinator creates a checkout Coordinator.
func NewCoordinator(
	cfg Config,
	carts *cart.Service,
	products catalog.Repository,
	accounts account.Repository,
	coupons coupon.Repository,
	loyaltyEngine *loyalty.Engine,
	orders *order.Service,
	pricer *pricing.Engine,
	card payment.CardProvider,
	wallet payment.WalletProvider,
	txm txn.Manager,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		carts:    carts,
		products: products,
		accounts: accounts,
		coupons:  coupons,
		loyalty:  loyaltyEngine,
		orders:   orders,
		pricer:   pricer,
		card:     card,
		wallet:   wallet,
		txm:      txm,
		now:      time.Now,
	}
}

// Quote prices the user's current cart against an address and optional
// coupon. It is the shared head of every flow and is re-run server-side at
// settlement so provider-reported amounts are never trusted.
func (c *Coordinator) Quote(ctx context.Context, userID, addressID, couponCode string) (*pricing.Quote, error) {
	if _, err := c.accounts.GetAddress(ctx, userID, addressID); err != nil {
		return nil, err
	}

	items, err := c.carts.Items(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	if len(items) == 0 {
		return nil, pricing.ErrCartEmpty
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	products, err := c.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load products")
	}
	byID := make(map[string]catalog.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	lines := make([]pricing.Line, 0, len(items))
	for _, it := range items {
		p, ok := byID[it.ProductID]
		if !ok || !p.Active {
			return nil, catalog.ErrUnavailable
		}
		if p.Stock < it.Quantity {
			return nil, &cart.StockInsufficientError{
				ProductID: it.ProductID,
				Requested: it.Quantity,
				Available: p.Stock,
			}
		}
		lines = append(lines, pricing.Line{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  it.Quantity,
		})
	}

	tier, err := c.loyalty.CurrentTier(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "load tier")
	}

	var cpn *coupon.Coupon
	if couponCode != "" {
		cpn, err = c.coupons.FindByCode(ctx, couponCode)
		if err != nil {
			return nil, err
		}
	}

	return c.pricer.Quote(lines, *tier, cpn, c.now())
}

// PayWithSavedCard is the synchronous flow: price, charge off-session, and
// on success materialize a PAID order and accrue points in one transaction.
// The charge happens strictly before the transaction opens.
func (c *Coordinator) PayWithSavedCard(ctx context.Context, userID, addressID, methodID, couponCode string) (*Result, error) {
	user, err := c.accounts.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	method, err := c.accounts.GetPaymentMethod(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}
	if !method.Kind.IsCard() {
		return nil, account.ErrPaymentMethodNotFound
	}

	quote, err := c.Quote(ctx, userID, addressID, couponCode)
	if err != nil {
		return nil, err
	}

	res, err := c.card.ChargeSavedCard(ctx, payment.ChargeParams{
		CustomerRef:      user.WalletCustomerID,
		PaymentMethodRef: method.ProviderRef,
		Amount:           quote.Total,
		Currency:         c.cfg.Currency,
		Description:      "fitkart order",
		Metadata: payment.Metadata{
			UserID:     userID,
			AddressID:  addressID,
			CouponCode: couponCode,
		},
	})
	if err != nil {
		return nil, err
	}

	switch r := res.(type) {
	case payment.RequiresAction:
		return &Result{RequiresAction: true, ClientSecret: r.ClientSecret}, nil
	case payment.Declined:
		return nil, &DeclinedError{Reason: r.Reason}
	case payment.Succeeded:
		o, err := c.settle(ctx, order.MaterializeParams{
			UserID:          userID,
			AddressID:       addressID,
			PaymentMethodID: method.ID,
			CouponCode:      quote.CouponCode,
			Status:          order.StatusPaid,
			Quote:           quote,
			IdempotencyKey:  r.IntentID,
			ClearCart:       true,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Order: o}, nil
	default:
		return nil, errors.Errorf("unexpected charge result %T", res)
	}
}

// BeginRedirect starts the asynchronous card flow: price the cart and open
// a hosted session whose metadata lets the webhook replay pricing.
func (c *Coordinator) BeginRedirect(ctx context.Context, userID, addressID, couponCode string) (*payment.RedirectSession, error) {
	quote, err := c.Quote(ctx, userID, addressID, couponCode)
	if err != nil {
		return nil, err
	}
	sess, err := c.card.CreateRedirectSession(ctx, payment.CreateSessionParams{
		Amount:     quote.Total,
		Currency:   c.cfg.Currency,
		SuccessURL: c.cfg.SuccessURL,
		CancelURL:  c.cfg.CancelURL,
		Metadata: payment.Metadata{
			UserID:     userID,
			AddressID:  addressID,
			CouponCode: couponCode,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create redirect session")
	}
	return sess, nil
}

// HandleCardWebhook settles a redirect checkout. Signature verification is
// the only trusted gate; amounts are re-priced server-side and the re-price
// must match the amount the session charged. Re-pricing that diverges (stock
// gone, coupon lapsed, price changed) is a hard failure and no order is
// materialized. Replays with an already-settled session id return the
// existing order without side effects.
func (c *Coordinator) HandleCardWebhook(ctx context.Context, payload []byte, sigHeader string) (*order.Order, error) {
	ev, err := c.card.VerifyWebhook(payload, sigHeader)
	if err != nil {
		return nil, err
	}
	if ev.Type != "checkout.session.completed" {
		return nil, nil
	}

	// A replayed delivery finds the session already settled; answer with the
	// existing order before touching the cart, which is empty by now.
	if o, err := c.orders.FindBySettlementKey(ctx, ev.SessionID); err == nil {
		return o, nil
	} else if !errors.Is(err, order.ErrNotFound) {
		return nil, errors.Wrap(err, "settlement lookup")
	}

	sess, err := c.card.RetrieveSession(ctx, ev.SessionID)
	if err != nil {
		return nil, errors.Wrap(err, "retrieve session")
	}
	md := sess.Metadata

	quote, err := c.Quote(ctx, md.UserID, md.AddressID, md.CouponCode)
	if err != nil {
		return nil, errors.Wrap(err, "re-price at settlement")
	}
	if quoted := payment.MinorUnits(quote.Total); sess.AmountTotal != quoted {
		return nil, &AmountMismatchError{Charged: sess.AmountTotal, Quoted: quoted}
	}

	card, err := c.card.RetrievePaymentIntent(ctx, sess.PaymentIntentID)
	if err != nil {
		return nil, errors.Wrap(err, "retrieve payment intent")
	}
	method, err := c.accounts.UpsertCard(ctx, md.UserID, account.CapturedCard{
		Ref:      card.PaymentMethodRef,
		LastFour: card.LastFour,
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
		Funding:  card.Funding,
	})
	if err != nil {
		return nil, errors.Wrap(err, "persist payment method")
	}

	return c.settle(ctx, order.MaterializeParams{
		UserID:          md.UserID,
		AddressID:       md.AddressID,
		PaymentMethodID: method.ID,
		CouponCode:      quote.CouponCode,
		Status:          order.StatusPaid,
		Quote:           quote,
		IdempotencyKey:  sess.ID,
		ClearCart:       true,
	})
}

// BeginWallet starts the wallet flow and returns the approval URL.
func (c *Coordinator) BeginWallet(ctx context.Context, userID, addressID, couponCode string) (*payment.WalletOrder, error) {
	quote, err := c.Quote(ctx, userID, addressID, couponCode)
	if err != nil {
		return nil, err
	}
	wo, err := c.wallet.CreateOrder(ctx, quote.Total, c.cfg.Currency, c.cfg.SuccessURL, c.cfg.CancelURL)
	if err != nil {
		return nil, errors.Wrap(err, "create wallet order")
	}
	return wo, nil
}

// CaptureWallet completes the wallet flow after the user returns from the
// approval URL. The wallet order id is the idempotency key.
func (c *Coordinator) CaptureWallet(ctx context.Context, userID, addressID, couponCode, walletOrderID string) (*order.Order, error) {
	cap, err := c.wallet.CaptureOrder(ctx, walletOrderID)
	if err != nil {
		return nil, err
	}
	if cap.Status != payment.CaptureCompleted {
		return nil, ErrCaptureIncomplete
	}

	quote, err := c.Quote(ctx, userID, addressID, couponCode)
	if err != nil {
		return nil, errors.Wrap(err, "re-price at capture")
	}

	method, err := c.accounts.InsertWallet(ctx, userID, walletOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "persist payment method")
	}

	return c.settle(ctx, order.MaterializeParams{
		UserID:          userID,
		AddressID:       addressID,
		PaymentMethodID: method.ID,
		CouponCode:      quote.CouponCode,
		Status:          order.StatusPaid,
		Quote:           quote,
		IdempotencyKey:  walletOrderID,
		ClearCart:       true,
	})
}

// settle materializes the order and accrues points in one transaction.
// Idempotent replays resolve to the existing order; points were accrued the
// first time around.
func (c *Coordinator) settle(ctx context.Context, p order.MaterializeParams) (*order.Order, error) {
	var out *order.Order
	err := c.txm.InTx(ctx, func(ctx context.Context) error {
		o, created, err := c.orders.Materialize(ctx, p)
		if err != nil {
			return err
		}
		if created && o.PointsEarned > 0 {
			if err := c.loyalty.AddPoints(ctx, o.UserID, o.PointsEarned, o.ID); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

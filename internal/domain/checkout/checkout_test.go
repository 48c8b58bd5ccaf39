package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/account"
	"github.com/xenking/fitkart/internal/domain/cart"
	"github.com/xenking/fitkart/internal/domain/catalog"
	"github.com/xenking/fitkart/internal/domain/coupon"
	"github.com/xenking/fitkart/internal/domain/loyalty"
	"github.com/xenking/fitkart/internal/domain/order"
	"github.com/xenking/fitkart/internal/domain/pricing"
	"github.com/xenking/fitkart/internal/memstore"
	"github.com/xenking/fitkart/internal/payment"
	"github.com/xenking/fitkart/internal/txn"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeCard struct {
	chargeResult payment.ChargeResult
	chargeErr    error
	charges      []payment.ChargeParams

	session   *payment.RedirectSession
	details   *payment.SessionDetails
	intent    *payment.CardDetails
	event     *payment.Event
	verifyErr error
}

func (f *fakeCard) CreateRedirectSession(_ context.Context, _ payment.CreateSessionParams) (*payment.RedirectSession, error) {
	return f.session, nil
}

func (f *fakeCard) ChargeSavedCard(_ context.Context, p payment.ChargeParams) (payment.ChargeResult, error) {
	f.charges = append(f.charges, p)
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.chargeResult, nil
}

func (f *fakeCard) RetrieveSession(_ context.Context, _ string) (*payment.SessionDetails, error) {
	return f.details, nil
}

func (f *fakeCard) RetrievePaymentIntent(_ context.Context, _ string) (*payment.CardDetails, error) {
	return f.intent, nil
}

func (f *fakeCard) VerifyWebhook(_ []byte, _ string) (*payment.Event, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.event, nil
}

type fakeWallet struct {
	order    *payment.WalletOrder
	capture  *payment.WalletCapture
	captured []string
}

func (f *fakeWallet) CreateOrder(_ context.Context, _ decimal.Decimal, _, _, _ string) (*payment.WalletOrder, error) {
	return f.order, nil
}

func (f *fakeWallet) CaptureOrder(_ context.Context, orderID string) (*payment.WalletCapture, error) {
	f.captured = append(f.captured, orderID)
	return f.capture, nil
}

type fixture struct {
	co       *Coordinator
	card     *fakeCard
	wallet   *fakeWallet
	accounts *memstore.Accounts
	catalog  *memstore.Catalog
	carts    *memstore.Carts
	coupons  *memstore.Coupons
	loyalty  *memstore.Loyalty
	orders   *memstore.Orders
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		card:     &fakeCard{},
		wallet:   &fakeWallet{},
		accounts: memstore.NewAccounts(),
		catalog:  memstore.NewCatalog(),
		carts:    memstore.NewCarts(),
		coupons:  memstore.NewCoupons(),
		loyalty:  memstore.NewLoyalty(),
		orders:   memstore.NewOrders(),
	}

	cartSvc := cart.NewService(f.carts, f.catalog, txn.Nop{})
	orderSvc := order.NewService(f.orders, f.catalog, f.carts, f.coupons, txn.Nop{})
	loyaltyEngine := loyalty.NewEngine(f.loyalty, txn.Nop{}, zap.NewNop())
	pricer := pricing.NewEngine(dec("150.00"), 5)

	f.co = NewCoordinator(
		Config{Currency: "usd", SuccessURL: "https://shop.test/ok", CancelURL: "https://shop.test/cancel"},
		cartSvc, f.catalog, f.accounts, f.coupons, loyaltyEngine, orderSvc, pricer,
		f.card, f.wallet, txn.Nop{},
	)

	f.accounts.PutUser(account.User{
		ID:               "user-1",
		ExternalSubject:  "auth0|u1",
		Email:            "u1@fitkart.io",
		Active:           true,
		WalletCustomerID: "cus_1",
	})
	f.accounts.PutAddress(account.Address{ID: "addr-1", UserID: "user-1", Line1: "1 Way", IsDefault: true})
	f.accounts.PutMethod(account.PaymentMethod{
		ID:          "card-1",
		UserID:      "user-1",
		Kind:        account.KindCardCredit,
		ProviderRef: "pm_1",
		LastFour:    "4242",
	})

	f.catalog.Put(catalog.Product{ID: "p1", Name: "Whey", Price: dec("1000.00"), Stock: 10, Active: true})
	return f
}

func (f *fixture) fillCart(t *testing.T, productID string, qty int) {
	t.Helper()
	ctx := context.Background()
	c, err := f.carts.GetOrCreate(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, f.carts.InsertItem(ctx, cart.Item{CartID: c.ID, ProductID: productID, Quantity: qty}))
}

func (f *fixture) cartItems(t *testing.T) []cart.Item {
	t.Helper()
	ctx := context.Background()
	c, err := f.carts.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	if c == nil {
		return nil
	}
	items, err := f.carts.Items(ctx, c.ID)
	require.NoError(t, err)
	return items
}

func TestQuotePricesCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)

	q, err := f.co.Quote(ctx, "user-1", "addr-1", "")
	require.NoError(t, err)
	assert.True(t, q.Subtotal.Equal(dec("1000.00")))
	assert.True(t, q.Shipping.Equal(dec("150.00")))
	assert.True(t, q.Total.Equal(dec("1150.00")))
	assert.Equal(t, int64(230), q.Points)
}

func TestQuoteEmptyCart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.co.Quote(ctx, "user-1", "addr-1", "")
	require.ErrorIs(t, err, pricing.ErrCartEmpty)
}

func TestQuoteUnknownAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)

	_, err := f.co.Quote(ctx, "user-1", "addr-missing", "")
	require.ErrorIs(t, err, account.ErrAddressNotFound)
}

func TestPayWithSavedCardSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.card.chargeResult = payment.Succeeded{IntentID: "pi_1", PaymentMethodRef: "pm_1"}

	res, err := f.co.PayWithSavedCard(ctx, "user-1", "addr-1", "card-1", "")
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.False(t, res.RequiresAction)

	o := res.Order
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.True(t, o.Total.Equal(dec("1150.00")))
	assert.Equal(t, "pi_1", o.IdempotencyKey)
	assert.Equal(t, int64(230), o.PointsEarned)

	// The charge carried the processor references, not raw card data.
	require.Len(t, f.card.charges, 1)
	assert.Equal(t, "cus_1", f.card.charges[0].CustomerRef)
	assert.Equal(t, "pm_1", f.card.charges[0].PaymentMethodRef)

	assert.Equal(t, 9, f.catalog.Stock("p1"))
	assert.Empty(t, f.cartItems(t))

	ul, err := f.loyalty.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(230), ul.TotalPoints)
}

func TestPayWithSavedCardDeclined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.card.chargeResult = payment.Declined{Reason: "insufficient_funds"}

	_, err := f.co.PayWithSavedCard(ctx, "user-1", "addr-1", "card-1", "")
	var declined *DeclinedError
	require.ErrorAs(t, err, &declined)
	assert.Equal(t, "insufficient_funds", declined.Reason)

	assert.Empty(t, f.orders.All(), "declined charges materialize nothing")
	assert.Equal(t, 10, f.catalog.Stock("p1"))
	assert.Len(t, f.cartItems(t), 1, "cart survives a decline")
}

func TestPayWithSavedCardRequiresAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.card.chargeResult = payment.RequiresAction{IntentID: "pi_1", ClientSecret: "pi_1_secret"}

	res, err := f.co.PayWithSavedCard(ctx, "user-1", "addr-1", "card-1", "")
	require.NoError(t, err)
	assert.True(t, res.RequiresAction)
	assert.Equal(t, "pi_1_secret", res.ClientSecret)
	assert.Nil(t, res.Order)
	assert.Empty(t, f.orders.All())
}

func TestPayWithSavedCardRejectsWalletMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.accounts.PutMethod(account.PaymentMethod{
		ID: "wallet-1", UserID: "user-1", Kind: account.KindWallet, ProviderRef: "wo_1",
	})

	_, err := f.co.PayWithSavedCard(ctx, "user-1", "addr-1", "wallet-1", "")
	require.ErrorIs(t, err, account.ErrPaymentMethodNotFound)
	assert.Empty(t, f.card.charges)
}

func TestBeginRedirectOpensSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.card.session = &payment.RedirectSession{ID: "cs_1", RedirectURL: "https://pay.test/cs_1"}

	sess, err := f.co.BeginRedirect(ctx, "user-1", "addr-1", "")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.ID)
	assert.Equal(t, "https://pay.test/cs_1", sess.RedirectURL)
	assert.Empty(t, f.orders.All(), "no order exists until the webhook settles")
}

func TestHandleCardWebhookSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)

	f.card.event = &payment.Event{ID: "evt_1", Type: "checkout.session.completed", SessionID: "cs_1"}
	f.card.details = &payment.SessionDetails{
		ID:              "cs_1",
		PaymentIntentID: "pi_1",
		AmountTotal:     115000,
		Metadata:        payment.Metadata{UserID: "user-1", AddressID: "addr-1"},
	}
	f.card.intent = &payment.CardDetails{
		PaymentMethodRef: "pm_new", LastFour: "1881", ExpMonth: 11, ExpYear: 2031, Funding: "debit",
	}

	o, err := f.co.HandleCardWebhook(ctx, []byte(`{}`), "sig")
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, "cs_1", o.IdempotencyKey)
	assert.Equal(t, 9, f.catalog.Stock("p1"))
	assert.Empty(t, f.cartItems(t))

	// The card used at the hosted page is persisted as a saved method.
	m, err := f.accounts.GetPaymentMethod(ctx, "user-1", o.PaymentMethodID)
	require.NoError(t, err)
	assert.Equal(t, account.KindCardDebit, m.Kind)
	assert.Equal(t, "1881", m.LastFour)
}

func TestHandleCardWebhookReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)

	f.card.event = &payment.Event{ID: "evt_1", Type: "checkout.session.completed", SessionID: "cs_1"}
	f.card.details = &payment.SessionDetails{
		ID:              "cs_1",
		PaymentIntentID: "pi_1",
		AmountTotal:     115000,
		Metadata:        payment.Metadata{UserID: "user-1", AddressID: "addr-1"},
	}
	f.card.intent = &payment.CardDetails{PaymentMethodRef: "pm_new", LastFour: "1881", Funding: "credit"}

	first, err := f.co.HandleCardWebhook(ctx, []byte(`{}`), "sig")
	require.NoError(t, err)

	// The processor redelivers; the cart is already empty and must not be
	// priced again.
	second, err := f.co.HandleCardWebhook(ctx, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 9, f.catalog.Stock("p1"), "replay settles exactly once")
	assert.Len(t, f.orders.All(), 1)

	ul, err := f.loyalty.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.PointsEarned, ul.TotalPoints, "points accrue once")
}

func TestHandleCardWebhookIgnoresOtherEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.event = &payment.Event{ID: "evt_1", Type: "payment_intent.created"}

	o, err := f.co.HandleCardWebhook(ctx, []byte(`{}`), "sig")
	require.NoError(t, err)
	assert.Nil(t, o)
}

func TestHandleCardWebhookBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.verifyErr = payment.ErrInvalidSignature

	_, err := f.co.HandleCardWebhook(ctx, []byte(`{}`), "bad")
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}

func TestHandleCardWebhookCouponLapsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)

	// The coupon was valid when the session opened but expired before the
	// webhook arrived. Settlement re-pricing must fail hard.
	now := time.Now()
	f.coupons.Put(coupon.Coupon{
		Code:      "HAPPYHRS",
		Percent:   dec("18"),
		StartsAt:  now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
		Active:    true,
	})

	f.card.event = &payment.Event{ID: "evt_1", Type: "checkout.session.completed", SessionID: "cs_1"}
	f.card.details = &payment.SessionDetails{
		ID:              "cs_1",
		PaymentIntentID: "pi_1",
		Metadata:        payment.Metadata{UserID: "user-1", AddressID: "addr-1", CouponCode: "HAPPYHRS"},
	}

	_, err := f.co.HandleCardWebhook(ctx, []byte(`{}`), "sig")
	require.ErrorIs(t, err, coupon.ErrExpired)
	assert.Empty(t, f.orders.All())
	assert.Equal(t, 10, f.catalog.Stock("p1"))
}

func TestHandleCardWebhookAmountMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)

	// The session charged the old price, but the product was repriced before
	// the webhook arrived. Settlement must refuse the divergent charge.
	f.card.event = &payment.Event{ID: "evt_1", Type: "checkout.session.completed", SessionID: "cs_1"}
	f.card.details = &payment.SessionDetails{
		ID:              "cs_1",
		PaymentIntentID: "pi_1",
		AmountTotal:     115000,
		Metadata:        payment.Metadata{UserID: "user-1", AddressID: "addr-1"},
	}
	f.catalog.Put(catalog.Product{ID: "p1", Name: "Whey", Price: dec("1100.00"), Stock: 10, Active: true})

	_, err := f.co.HandleCardWebhook(ctx, []byte(`{}`), "sig")
	var mismatch *AmountMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(115000), mismatch.Charged)
	assert.Equal(t, int64(125000), mismatch.Quoted)
	assert.Empty(t, f.orders.All(), "divergent charge must not settle")
	assert.Equal(t, 10, f.catalog.Stock("p1"))
	assert.NotEmpty(t, f.cartItems(t), "cart survives a refused settlement")
}

func TestBeginWalletReturnsApprovalURL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.wallet.order = &payment.WalletOrder{ID: "wo_1", ApprovalURL: "https://wallet.test/approve/wo_1"}

	wo, err := f.co.BeginWallet(ctx, "user-1", "addr-1", "")
	require.NoError(t, err)
	assert.Equal(t, "wo_1", wo.ID)
	assert.Equal(t, "https://wallet.test/approve/wo_1", wo.ApprovalURL)
}

func TestCaptureWalletSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.wallet.capture = &payment.WalletCapture{OrderID: "wo_1", Status: payment.CaptureCompleted}

	o, err := f.co.CaptureWallet(ctx, "user-1", "addr-1", "", "wo_1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, "wo_1", o.IdempotencyKey)
	assert.Equal(t, 9, f.catalog.Stock("p1"))

	m, err := f.accounts.GetPaymentMethod(ctx, "user-1", o.PaymentMethodID)
	require.NoError(t, err)
	assert.Equal(t, account.KindWallet, m.Kind)
	assert.Equal(t, "wo_1", m.ProviderRef)
}

func TestCaptureWalletIncomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fillCart(t, "p1", 1)
	f.wallet.capture = &payment.WalletCapture{OrderID: "wo_1", Status: "PENDING"}

	_, err := f.co.CaptureWallet(ctx, "user-1", "addr-1", "", "wo_1")
	require.ErrorIs(t, err, ErrCaptureIncomplete)
	assert.Empty(t, f.orders.All())
	assert.Len(t, f.cartItems(t), 1)
}

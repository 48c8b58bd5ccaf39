package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/account"
	"github.com/xenking/fitkart/internal/domain/catalog"
	"github.com/xenking/fitkart/internal/domain/loyalty"
	"github.com/xenking/fitkart/internal/domain/order"
	"github.com/xenking/fitkart/internal/domain/subscription"
	"github.com/xenking/fitkart/internal/memstore"
	"github.com/xenking/fitkart/internal/payment"
	"github.com/xenking/fitkart/internal/txn"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeCard replays a scripted sequence of charge results; the last result
// repeats once the script runs out.
type fakeCard struct {
	results []payment.ChargeResult
	charges []payment.ChargeParams
}

func (f *fakeCard) ChargeSavedCard(_ context.Context, p payment.ChargeParams) (payment.ChargeResult, error) {
	f.charges = append(f.charges, p)
	if len(f.results) == 0 {
		return payment.Declined{Reason: "script exhausted"}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

func (f *fakeCard) CreateRedirectSession(context.Context, payment.CreateSessionParams) (*payment.RedirectSession, error) {
	panic("not used")
}

func (f *fakeCard) RetrieveSession(context.Context, string) (*payment.SessionDetails, error) {
	panic("not used")
}

func (f *fakeCard) RetrievePaymentIntent(context.Context, string) (*payment.CardDetails, error) {
	panic("not used")
}

func (f *fakeCard) VerifyWebhook([]byte, string) (*payment.Event, error) {
	panic("not used")
}

type fixture struct {
	engine   *subscription.Engine
	subs     *memstore.Subscriptions
	catalog  *memstore.Catalog
	accounts *memstore.Accounts
	orders   *memstore.Orders
	loyalty  *memstore.Loyalty
	card     *fakeCard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		subs:     memstore.NewSubscriptions(),
		catalog:  memstore.NewCatalog(),
		accounts: memstore.NewAccounts(),
		orders:   memstore.NewOrders(),
		loyalty:  memstore.NewLoyalty(),
		card:     &fakeCard{},
	}

	orderSvc := order.NewService(f.orders, f.catalog, memstore.NewCarts(), memstore.NewCoupons(), txn.Nop{})
	loyaltyEngine := loyalty.NewEngine(f.loyalty, txn.Nop{}, zap.NewNop())

	f.engine = subscription.NewEngine(
		f.subs, f.catalog, f.accounts, orderSvc, loyaltyEngine,
		f.card, txn.Nop{}, "usd", zap.NewNop(),
	)

	f.accounts.PutUser(account.User{
		ID:               "user-1",
		Active:           true,
		WalletCustomerID: "cus_1",
	})
	f.accounts.PutAddress(account.Address{ID: "addr-1", UserID: "user-1", Line1: "1 Way", IsDefault: true})
	f.accounts.PutMethod(account.PaymentMethod{
		ID: "card-1", UserID: "user-1", Kind: account.KindCardCredit, ProviderRef: "pm_1",
	})
	f.subs.PutProfile(subscription.Profile{
		ID:              "profile-1",
		UserID:          "user-1",
		RecommendedPlan: "strength",
		Objectives:      []string{"muscle_gain"},
	})

	f.catalog.Put(catalog.Product{ID: "p1", Name: "Strength Whey", Price: dec("300.00"), Stock: 50, Active: true})
	f.catalog.Put(catalog.Product{ID: "p2", Name: "Strength Creatine", Price: dec("150.00"), Stock: 50, Active: true})
	return f
}

func (f *fixture) create(t *testing.T, price string) *subscription.Subscription {
	t.Helper()
	s, err := f.engine.Create(context.Background(), subscription.CreateParams{
		UserID:          "user-1",
		PaymentMethodID: "card-1",
		Price:           dec(price),
	})
	require.NoError(t, err)
	return s
}

func succeeded(intentID string) payment.ChargeResult {
	return payment.Succeeded{IntentID: intentID, PaymentMethodRef: "pm_1"}
}

func TestCreateChargesAndSettlesFirstCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}

	s := f.create(t, "500.00")

	assert.Equal(t, subscription.StatusActive, s.Status)
	assert.True(t, s.AutoRenew)
	assert.True(t, s.Price.Equal(dec("500.00")))
	require.NotNil(t, s.LastPayment)

	today := time.Now().UTC().Truncate(24 * time.Hour)
	assert.True(t, s.NextDelivery.Equal(today.AddDate(0, 0, subscription.CycleDays)))

	// The first cycle's order carries the monthly price as its total; the
	// basket difference lands in the signed discount.
	all := f.orders.All()
	require.Len(t, all, 1)
	o := all[0]
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, s.ID, o.SubscriptionID)
	assert.True(t, o.IsSubscription)
	assert.True(t, o.Subtotal.Equal(dec("450.00")), "subtotal %s", o.Subtotal)
	assert.True(t, o.Discount.Equal(dec("-50.00")), "discount %s", o.Discount)
	assert.True(t, o.Shipping.IsZero())
	assert.True(t, o.Total.Equal(dec("500.00")))
	assert.Equal(t, "pi_1", o.IdempotencyKey)
	assert.Equal(t, int64(100), o.PointsEarned)

	assert.Equal(t, 49, f.catalog.Stock("p1"))
	assert.Equal(t, 49, f.catalog.Stock("p2"))

	ul, err := f.loyalty.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ul.TotalPoints)
}

func TestCreateDeclinedFirstChargeLeavesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{payment.Declined{Reason: "card_declined"}}

	_, err := f.engine.Create(ctx, subscription.CreateParams{
		UserID:          "user-1",
		PaymentMethodID: "card-1",
		Price:           dec("500.00"),
	})
	var declined *subscription.DeclinedError
	require.ErrorAs(t, err, &declined)

	_, err = f.subs.GetLiveByUser(ctx, "user-1")
	require.ErrorIs(t, err, subscription.ErrNotFound)
	assert.Empty(t, f.orders.All())
	assert.Equal(t, 50, f.catalog.Stock("p1"))
}

func TestCreateSecondLiveSubscriptionRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	f.create(t, "500.00")

	_, err := f.engine.Create(ctx, subscription.CreateParams{
		UserID:          "user-1",
		PaymentMethodID: "card-1",
		Price:           dec("500.00"),
	})
	require.ErrorIs(t, err, subscription.ErrExists)
}

func TestCreateAfterCancelAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1"), succeeded("pi_2")}

	first := f.create(t, "500.00")
	_, err := f.engine.Cancel(ctx, "user-1", first.ID)
	require.NoError(t, err)

	second := f.create(t, "500.00")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateRequiresProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.accounts.PutUser(account.User{ID: "user-2", Active: true})

	_, err := f.engine.Create(ctx, subscription.CreateParams{
		UserID:          "user-2",
		PaymentMethodID: "card-1",
		Price:           dec("500.00"),
	})
	require.ErrorIs(t, err, subscription.ErrProfileMissing)
}

func TestCreateRejectsWalletMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.accounts.PutMethod(account.PaymentMethod{
		ID: "wallet-1", UserID: "user-1", Kind: account.KindWallet, ProviderRef: "wo_1",
	})

	_, err := f.engine.Create(ctx, subscription.CreateParams{
		UserID:          "user-1",
		PaymentMethodID: "wallet-1",
		Price:           dec("500.00"),
	})
	require.ErrorIs(t, err, account.ErrPaymentMethodNotFound)
	assert.Empty(t, f.card.charges)
}

func TestCreateInactiveUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.accounts.PutUser(account.User{ID: "user-1", Active: false})

	_, err := f.engine.Create(ctx, subscription.CreateParams{
		UserID:          "user-1",
		PaymentMethodID: "card-1",
		Price:           dec("500.00"),
	})
	require.ErrorIs(t, err, account.ErrUserInactive)
}

func TestCreateNoMatchingProducts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subs.PutProfile(subscription.Profile{
		ID:              "profile-1",
		UserID:          "user-1",
		RecommendedPlan: "swimming",
		Objectives:      []string{"open_water"},
	})

	_, err := f.engine.Create(ctx, subscription.CreateParams{
		UserID:          "user-1",
		PaymentMethodID: "card-1",
		Price:           dec("500.00"),
	})
	require.ErrorIs(t, err, subscription.ErrNoProducts)
}

func TestCreateFallsBackToObjectives(t *testing.T) {
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	// No product name matches the plan; objective tags still do.
	f.subs.PutProfile(subscription.Profile{
		ID:              "profile-1",
		UserID:          "user-1",
		RecommendedPlan: "bulking",
		Objectives:      []string{"muscle_gain"},
	})
	f.catalog.Put(catalog.Product{
		ID: "p3", Name: "Mass Gainer", Price: dec("700.00"), Stock: 10, Active: true,
		Objectives: []string{"muscle_gain"},
	})

	f.create(t, "500.00")

	all := f.orders.All()
	require.Len(t, all, 1)
	items, err := f.orders.Items(context.Background(), all[0].ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p3", items[0].ProductID)
}

func TestCreateNoAddress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.accounts.PutUser(account.User{ID: "user-2", Active: true})
	f.accounts.PutMethod(account.PaymentMethod{
		ID: "card-2", UserID: "user-2", Kind: account.KindCardCredit, ProviderRef: "pm_2",
	})
	f.subs.PutProfile(subscription.Profile{
		ID: "profile-2", UserID: "user-2", RecommendedPlan: "strength",
	})

	_, err := f.engine.Create(ctx, subscription.CreateParams{
		UserID:          "user-2",
		PaymentMethodID: "card-2",
		Price:           dec("500.00"),
	})
	require.ErrorIs(t, err, subscription.ErrNoAddress)
}

func TestDeliverAdvancesCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1"), succeeded("pi_2")}
	s := f.create(t, "500.00")

	day := s.NextDelivery
	out, err := f.engine.Deliver(ctx, s, day)
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeDelivered, out)

	assert.True(t, s.NextDelivery.Equal(day.AddDate(0, 0, subscription.CycleDays)))
	assert.Equal(t, 0, s.FailedAttempts)
	require.NotNil(t, s.LastPayment)
	assert.True(t, s.LastPayment.Equal(day))

	assert.Len(t, f.orders.All(), 2, "creation order plus one cycle order")
}

func TestDeliverDeclineThreeStrikesPauses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{
		succeeded("pi_1"),
		payment.Declined{Reason: "insufficient_funds"},
	}
	s := f.create(t, "500.00")
	day := s.NextDelivery

	for i := 1; i <= 2; i++ {
		out, err := f.engine.Deliver(ctx, s, day)
		require.NoError(t, err)
		assert.Equal(t, subscription.OutcomeDeclined, out, "attempt %d", i)
		assert.Equal(t, i, s.FailedAttempts)
		assert.Equal(t, subscription.StatusActive, s.Status)
	}

	out, err := f.engine.Deliver(ctx, s, day)
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomePaused, out)
	assert.Equal(t, subscription.MaxFailedAttempts, s.FailedAttempts)
	assert.Equal(t, subscription.StatusPaused, s.Status)

	stored, err := f.subs.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPaused, stored.Status)

	assert.Len(t, f.orders.All(), 1, "declined cycles materialize nothing")
}

func TestDeliverRequiresActionCountsAsDecline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{
		succeeded("pi_1"),
		payment.RequiresAction{IntentID: "pi_2", ClientSecret: "sec"},
	}
	s := f.create(t, "500.00")

	out, err := f.engine.Deliver(ctx, s, s.NextDelivery)
	require.NoError(t, err)
	assert.Equal(t, subscription.OutcomeDeclined, out)
	assert.Equal(t, 1, s.FailedAttempts, "off-session step-up cannot complete and counts as a decline")
}

func TestDeliverSetupFailureDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	s := f.create(t, "500.00")

	// Retire every matching product before the next cycle.
	f.catalog.Put(catalog.Product{ID: "p1", Name: "Strength Whey", Price: dec("300.00"), Stock: 0, Active: true})
	f.catalog.Put(catalog.Product{ID: "p2", Name: "Strength Creatine", Price: dec("150.00"), Stock: 0, Active: true})

	_, err := f.engine.Deliver(ctx, s, s.NextDelivery)
	require.ErrorIs(t, err, subscription.ErrNoProducts)
	assert.Equal(t, 0, s.FailedAttempts, "setup failures are not payment declines")
	assert.Equal(t, subscription.StatusActive, s.Status)
}

func TestDeliverPausedSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	s := f.create(t, "500.00")

	_, err := f.engine.Pause(ctx, "user-1", s.ID)
	require.NoError(t, err)

	stored, err := f.subs.Get(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.engine.Deliver(ctx, stored, stored.NextDelivery)
	require.ErrorIs(t, err, subscription.ErrStateForbidden)
}

func TestDeliverReplaySameIntentSettlesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1"), succeeded("pi_2")}
	s := f.create(t, "500.00")
	day := s.NextDelivery

	_, err := f.engine.Deliver(ctx, s, day)
	require.NoError(t, err)

	// The processor returns the same intent for a retried charge; the
	// settlement key dedupes the order.
	_, err = f.engine.Deliver(ctx, s, s.NextDelivery)
	require.NoError(t, err)
	assert.Len(t, f.orders.All(), 2, "creation order plus one order per distinct intent")
}

func TestRunCycleProcessesDueOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1"), succeeded("pi_2")}
	s := f.create(t, "500.00")

	// Before the due date nothing happens.
	stats, err := f.engine.RunCycle(ctx, s.NextDelivery.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Equal(t, subscription.CycleStats{}, stats)

	stats, err = f.engine.RunCycle(ctx, s.NextDelivery)
	require.NoError(t, err)
	assert.Equal(t, subscription.CycleStats{Delivered: 1}, stats)

	stored, err := f.subs.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.NextDelivery.After(s.NextDelivery))
}

func TestRunCycleCountsDeclineAsFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{
		succeeded("pi_1"),
		payment.Declined{Reason: "insufficient_funds"},
	}
	s := f.create(t, "500.00")

	stats, err := f.engine.RunCycle(ctx, s.NextDelivery)
	require.NoError(t, err)
	assert.Equal(t, subscription.CycleStats{Failed: 1}, stats,
		"a declined charge below the pause limit is a failure, not a delivery")

	stored, err := f.subs.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedAttempts)
	assert.Equal(t, subscription.StatusActive, stored.Status)
	assert.Len(t, f.orders.All(), 1, "only the creation order exists")
}

func TestPauseResumeResetsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{
		succeeded("pi_1"),
		payment.Declined{Reason: "do_not_honor"},
	}
	s := f.create(t, "500.00")

	for range 3 {
		_, err := f.engine.Deliver(ctx, s, s.NextDelivery)
		require.NoError(t, err)
	}
	require.Equal(t, subscription.StatusPaused, s.Status)

	resumed, err := f.engine.Resume(ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, resumed.Status)
	assert.Equal(t, 0, resumed.FailedAttempts)
}

func TestResumeActiveForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	s := f.create(t, "500.00")

	_, err := f.engine.Resume(ctx, "user-1", s.ID)
	require.ErrorIs(t, err, subscription.ErrStateForbidden)
}

func TestCancelIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	s := f.create(t, "500.00")

	cancelled, err := f.engine.Cancel(ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, cancelled.Status)
	assert.False(t, cancelled.AutoRenew)
	require.NotNil(t, cancelled.EndedAt)

	_, err = f.engine.Cancel(ctx, "user-1", s.ID)
	require.ErrorIs(t, err, subscription.ErrStateForbidden)
	_, err = f.engine.Resume(ctx, "user-1", s.ID)
	require.ErrorIs(t, err, subscription.ErrStateForbidden)
}

func TestCancelWrongOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	s := f.create(t, "500.00")

	_, err := f.engine.Cancel(ctx, "someone-else", s.ID)
	require.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestUpdatePaymentMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.card.results = []payment.ChargeResult{succeeded("pi_1")}
	s := f.create(t, "500.00")

	f.accounts.PutMethod(account.PaymentMethod{
		ID: "card-2", UserID: "user-1", Kind: account.KindCardDebit, ProviderRef: "pm_2",
	})

	updated, err := f.engine.UpdatePaymentMethod(ctx, "user-1", s.ID, "card-2")
	require.NoError(t, err)
	assert.Equal(t, "card-2", updated.PaymentMethodID)

	f.accounts.PutMethod(account.PaymentMethod{
		ID: "wallet-1", UserID: "user-1", Kind: account.KindWallet, ProviderRef: "wo_1",
	})
	_, err = f.engine.UpdatePaymentMethod(ctx, "user-1", s.ID, "wallet-1")
	require.ErrorIs(t, err, account.ErrPaymentMethodNotFound)
}

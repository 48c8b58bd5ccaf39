package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/account"
	"github.com/xenking/fitkart/internal/domain/catalog"
	"github.com/xenking/fitkart/internal/domain/loyalty"
	"github.com/xenking/fitkart/internal/domain/order"
	"github.com/xenking/fitkart/internal/domain/pricing"
	"github.com/xenking/fitkart/internal/payment"
	"github.com/xenking/fitkart/internal/txn"
)

// maxCycleProducts caps how many products one delivery contains.
const maxCycleProducts = 3

// pointDivisor mirrors the checkout accrual rule: one point per five
// currency units of the monthly price.
var pointDivisor = decimal.NewFromInt(5)

// DeclinedError is returned when the first cycle's charge is declined during
// creation.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("subscription charge declined: %s", e.Reason)
}

// CycleStats summarizes one scheduler pass over due subscriptions.
type CycleStats struct {
	Delivered int
	Paused    int
	Failed    int
}

// Outcome reports how a delivery cycle ended.
type Outcome int

const (
	// OutcomeDelivered is a settled cycle: order materialized, dates advanced.
	OutcomeDelivered Outcome = iota
	// OutcomeDeclined is a declined charge below the failure limit; the
	// attempt counter was incremented and the subscription stays ACTIVE.
	OutcomeDeclined
	// OutcomePaused is the decline that reached the failure limit.
	OutcomePaused
)

// Engine drives the subscription lifecycle and the recurring delivery cycle.
type Engine struct {
	subs     Repository
	products catalog.Repository
	accounts account.Repository
	orders   *order.Service
	loyalty  *loyalty.Engine
	card     payment.CardProvider
	txm      txn.Manager
	lg       *zap.Logger
	currency string
	now      func() time.Time
}

// NewEngine creates a subscription Engine.
func NewEngine(
	subs Repository,
	products catalog.Repository,
	accounts account.Repository,
	orders *order.Service,
	loyal *loyalty.Engine,
	card payment.CardProvider,
	txm txn.Manager,
	currency string,
	lg *zap.Logger,
) *Engine {
	return &Engine{
		subs:     subs,
		products: products,
		accounts: accounts,
		orders:   orders,
		loyalty:  loyal,
		card:     card,
		txm:      txm,
		lg:       lg.Named("subscription"),
		currency: currency,
		now:      time.Now,
	}
}

// CreateParams is the input to Create.
type CreateParams struct {
	UserID          string
	PaymentMethodID string
	Price           decimal.Decimal
}

// Create validates preconditions, charges the first cycle, and persists the
// subscription together with its first order in one transaction. A declined
// first charge aborts creation with DeclinedError and leaves nothing behind.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Subscription, error) {
	user, err := e.accounts.GetUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, account.ErrUserInactive
	}

	if _, err := e.subs.GetLiveByUser(ctx, p.UserID); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, errors.Wrap(err, "lookup live subscription")
	}

	profile, err := e.subs.Profile(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	method, err := e.cardMethod(ctx, p.UserID, p.PaymentMethodID)
	if err != nil {
		return nil, err
	}

	lines, err := e.selectProducts(ctx, profile)
	if err != nil {
		return nil, err
	}
	addr, err := e.resolveAddress(ctx, p.UserID)
	if err != nil {
		return nil, err
	}

	today := e.today()
	s := &Subscription{
		ID:              uuid.New().String(),
		UserID:          p.UserID,
		ProfileID:       profile.ID,
		PaymentMethodID: method.ID,
		Status:          StatusActive,
		StartedAt:       e.now(),
		NextDelivery:    today.AddDate(0, 0, CycleDays),
		AutoRenew:       true,
		Price:           p.Price,
		LastPayment:     &today,
	}

	charge, err := e.charge(ctx, user, method, s)
	if err != nil {
		return nil, err
	}
	if err := e.txm.InTx(ctx, func(ctx context.Context) error {
		if err := e.subs.Insert(ctx, s); err != nil {
			return errors.Wrap(err, "insert subscription")
		}
		return e.settleCycle(ctx, s, addr.ID, lines, charge.IntentID)
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// RunCycle processes every ACTIVE subscription due on the given day. Failures
// are logged and tallied; the batch always runs to completion.
func (e *Engine) RunCycle(ctx context.Context, day time.Time) (CycleStats, error) {
	day = day.UTC().Truncate(24 * time.Hour)

	due, err := e.subs.DueOn(ctx, day)
	if err != nil {
		return CycleStats{}, errors.Wrap(err, "list due subscriptions")
	}

	var stats CycleStats
	for i := range due {
		s := &due[i]
		out, err := e.Deliver(ctx, s, day)
		switch {
		case err != nil:
			stats.Failed++
			e.lg.Warn("delivery cycle failed",
				zap.String("subscription_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.Error(err),
			)
		case out == OutcomePaused:
			stats.Paused++
		case out == OutcomeDeclined:
			stats.Failed++
		default:
			stats.Delivered++
		}
	}
	return stats, nil
}

// Deliver runs one delivery cycle for a subscription: select products,
// resolve the shipping address, charge the stored card off session, and on
// success materialize the order, accrue points, and advance next-delivery.
// A declined charge increments the failure counter (OutcomeDeclined) and
// pauses the subscription on the third consecutive failure (OutcomePaused).
func (e *Engine) Deliver(ctx context.Context, s *Subscription, day time.Time) (Outcome, error) {
	if s.Status != StatusActive {
		return 0, ErrStateForbidden
	}

	user, err := e.accounts.GetUser(ctx, s.UserID)
	if err != nil {
		return 0, err
	}
	profile, err := e.subs.Profile(ctx, s.UserID)
	if err != nil {
		return 0, err
	}
	method, err := e.cardMethod(ctx, s.UserID, s.PaymentMethodID)
	if err != nil {
		return 0, err
	}
	lines, err := e.selectProducts(ctx, profile)
	if err != nil {
		return 0, err
	}
	addr, err := e.resolveAddress(ctx, s.UserID)
	if err != nil {
		return 0, err
	}

	charge, chargeErr := e.charge(ctx, user, method, s)
	if chargeErr != nil {
		var declined *DeclinedError
		if !errors.As(chargeErr, &declined) {
			return 0, chargeErr
		}
		return e.recordFailure(ctx, s, declined.Reason)
	}

	err = e.txm.InTx(ctx, func(ctx context.Context) error {
		if err := e.settleCycle(ctx, s, addr.ID, lines, charge.IntentID); err != nil {
			return err
		}
		today := day
		s.LastPayment = &today
		s.FailedAttempts = 0
		s.NextDelivery = day.AddDate(0, 0, CycleDays)
		if err := e.subs.Update(ctx, s); err != nil {
			return errors.Wrap(err, "update subscription")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return OutcomeDelivered, nil
}

// settleCycle materializes the cycle's PAID order and accrues points. The
// order stores shipping 0 and a signed discount so that total always equals
// the monthly price; a cheaper basket yields a negative discount.
func (e *Engine) settleCycle(ctx context.Context, s *Subscription, addressID string, lines []pricing.Line, intentID string) error {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Subtotal())
	}
	quote := &pricing.Quote{
		Lines:    lines,
		Subtotal: subtotal,
		Shipping: decimal.Zero,
		Discount: subtotal.Sub(s.Price),
		Total:    s.Price,
		Points:   s.Price.Div(pointDivisor).Floor().IntPart(),
	}

	o, created, err := e.orders.Materialize(ctx, order.MaterializeParams{
		UserID:          s.UserID,
		AddressID:       addressID,
		PaymentMethodID: s.PaymentMethodID,
		SubscriptionID:  s.ID,
		Status:          order.StatusPaid,
		Quote:           quote,
		IdempotencyKey:  intentID,
	})
	if err != nil {
		return err
	}
	if created && o.PointsEarned > 0 {
		if err := e.loyalty.AddPoints(ctx, s.UserID, o.PointsEarned, o.ID); err != nil {
			return errors.Wrap(err, "accrue points")
		}
	}
	return nil
}

// recordFailure bumps the consecutive failure counter and pauses the
// subscription once it reaches the limit.
func (e *Engine) recordFailure(ctx context.Context, s *Subscription, reason string) (Outcome, error) {
	out := OutcomeDeclined
	s.FailedAttempts++
	if s.FailedAttempts >= MaxFailedAttempts {
		s.Status = StatusPaused
		out = OutcomePaused
	}
	if err := e.subs.Update(ctx, s); err != nil {
		return 0, errors.Wrap(err, "update subscription")
	}
	e.lg.Info("subscription charge declined",
		zap.String("subscription_id", s.ID),
		zap.String("reason", reason),
		zap.Int("failed_attempts", s.FailedAttempts),
		zap.Bool("paused", out == OutcomePaused),
	)
	return out, nil
}

// charge runs an off-session charge against the stored card. A charge that
// needs interactive authentication cannot complete without the user, so it
// counts as a decline.
func (e *Engine) charge(ctx context.Context, user *account.User, method *account.PaymentMethod, s *Subscription) (*payment.Succeeded, error) {
	res, err := e.card.ChargeSavedCard(ctx, payment.ChargeParams{
		CustomerRef:      user.WalletCustomerID,
		PaymentMethodRef: method.ProviderRef,
		Amount:           s.Price,
		Currency:         e.currency,
		Description:      "fitkart subscription cycle",
		Metadata: payment.Metadata{
			UserID:         s.UserID,
			SubscriptionID: s.ID,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "charge card")
	}
	switch r := res.(type) {
	case payment.Succeeded:
		return &r, nil
	case payment.RequiresAction:
		return nil, &DeclinedError{Reason: "authentication required"}
	case payment.Declined:
		return nil, &DeclinedError{Reason: r.Reason}
	default:
		return nil, errors.Errorf("unexpected charge result %T", res)
	}
}

// Pause moves an ACTIVE subscription to PAUSED.
func (e *Engine) Pause(ctx context.Context, userID, id string) (*Subscription, error) {
	return e.transition(ctx, userID, id, StatusActive, func(s *Subscription) {
		s.Status = StatusPaused
	})
}

// Resume moves a PAUSED subscription back to ACTIVE and resets the failure
// counter so the next due cycle retries the charge.
func (e *Engine) Resume(ctx context.Context, userID, id string) (*Subscription, error) {
	return e.transition(ctx, userID, id, StatusPaused, func(s *Subscription) {
		s.Status = StatusActive
		s.FailedAttempts = 0
	})
}

// Cancel terminates a subscription. CANCELLED is terminal.
func (e *Engine) Cancel(ctx context.Context, userID, id string) (*Subscription, error) {
	var out *Subscription
	err := e.txm.InTx(ctx, func(ctx context.Context) error {
		s, err := e.owned(ctx, userID, id)
		if err != nil {
			return err
		}
		if s.Status == StatusCancelled {
			return ErrStateForbidden
		}
		ended := e.now()
		s.Status = StatusCancelled
		s.EndedAt = &ended
		s.AutoRenew = false
		if err := e.subs.Update(ctx, s); err != nil {
			return errors.Wrap(err, "update subscription")
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePaymentMethod swaps the card used for future cycles. The method must
// be a card kind owned by the subscriber.
func (e *Engine) UpdatePaymentMethod(ctx context.Context, userID, id, paymentMethodID string) (*Subscription, error) {
	method, err := e.cardMethod(ctx, userID, paymentMethodID)
	if err != nil {
		return nil, err
	}
	var out *Subscription
	err = e.txm.InTx(ctx, func(ctx context.Context) error {
		s, err := e.owned(ctx, userID, id)
		if err != nil {
			return err
		}
		if s.Status == StatusCancelled {
			return ErrStateForbidden
		}
		s.PaymentMethodID = method.ID
		if err := e.subs.Update(ctx, s); err != nil {
			return errors.Wrap(err, "update subscription")
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) transition(ctx context.Context, userID, id string, from Status, apply func(*Subscription)) (*Subscription, error) {
	var out *Subscription
	err := e.txm.InTx(ctx, func(ctx context.Context) error {
		s, err := e.owned(ctx, userID, id)
		if err != nil {
			return err
		}
		if s.Status != from {
			return ErrStateForbidden
		}
		apply(s)
		if err := e.subs.Update(ctx, s); err != nil {
			return errors.Wrap(err, "update subscription")
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) owned(ctx context.Context, userID, id string) (*Subscription, error) {
	s, err := e.subs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

// cardMethod resolves a payment method and requires a card kind.
func (e *Engine) cardMethod(ctx context.Context, userID, methodID string) (*account.PaymentMethod, error) {
	method, err := e.accounts.GetPaymentMethod(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}
	if !method.Kind.IsCard() {
		return nil, account.ErrPaymentMethodNotFound
	}
	return method, nil
}

// selectProducts picks up to three active in-stock products matching the
// profile's plan, falling back to its objective tags.
func (e *Engine) selectProducts(ctx context.Context, p *Profile) ([]pricing.Line, error) {
	products, err := e.products.ListByPlan(ctx, p.RecommendedPlan, maxCycleProducts)
	if err != nil {
		return nil, errors.Wrap(err, "list by plan")
	}
	if len(products) == 0 && len(p.Objectives) > 0 {
		products, err = e.products.ListByObjectives(ctx, p.Objectives, maxCycleProducts)
		if err != nil {
			return nil, errors.Wrap(err, "list by objectives")
		}
	}

	lines := make([]pricing.Line, 0, len(products))
	for _, pr := range products {
		if !pr.Active || pr.Stock < 1 {
			continue
		}
		lines = append(lines, pricing.Line{
			ProductID: pr.ID,
			Name:      pr.Name,
			UnitPrice: pr.Price,
			Quantity:  1,
		})
	}
	if len(lines) == 0 {
		return nil, ErrNoProducts
	}
	return lines, nil
}

// resolveAddress prefers the default address and falls back to any saved one.
func (e *Engine) resolveAddress(ctx context.Context, userID string) (*account.Address, error) {
	addr, err := e.accounts.DefaultAddress(ctx, userID)
	switch {
	case err == nil:
		return addr, nil
	case !errors.Is(err, account.ErrAddressNotFound):
		return nil, errors.Wrap(err, "default address")
	}
	all, err := e.accounts.ListAddresses(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list addresses")
	}
	if len(all) == 0 {
		return nil, ErrNoAddress
	}
	return &all[0], nil
}

// today truncates to a UTC day boundary.
func (e *Engine) today() time.Time {
	return e.now().UTC().Truncate(24 * time.Hour)
}

// Package payment wraps the external card and wallet processors behind
// provider-neutral interfaces. Amounts sent to the card processor are minor
// currency units; the wallet processor takes two-decimal strings. Charge
// outcomes are a tagged result type rather than overloaded errors.
package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidSignature is returned when a webhook payload fails signature
// verification. Deliveries failing this check must be rejected outright.
var ErrInvalidSignature = errors.New("webhook signature mismatch")

// GatewayError is a transport or processor-side failure with no settled
// outcome. Synchronous callers see it; the webhook path relies on
// processor retries.
type GatewayError struct {
	Provider string
	Status   int
	Body     string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s gateway error: status %d: %s", e.Provider, e.Status, e.Body)
}

// ChargeResult is the outcome of an off-session card charge.
type ChargeResult interface {
	chargeResult()
}

// Succeeded means funds were captured.
type Succeeded struct {
	IntentID         string
	PaymentMethodRef string
}

// RequiresAction means the processor demands a 3-D-Secure step-up. The
// client secret is returned to the caller verbatim; no order exists yet.
type RequiresAction struct {
	IntentID     string
	ClientSecret string
}

// Declined means the processor refused the charge.
type Declined struct {
	Reason string
}

func (Succeeded) chargeResult()      {}
func (RequiresAction) chargeResult() {}
func (Declined) chargeResult()       {}

// Metadata is round-tripped through provider sessions so the pricing engine
// can be replayed at settlement time. Amounts coming back from the provider
// are never trusted.
type Metadata struct {
	UserID         string
	AddressID      string
	CouponCode     string
	SubscriptionID string
}

// CreateSessionParams describes a redirect checkout session.
type CreateSessionParams struct {
	Amount     decimal.Decimal
	Currency   string
	SuccessURL string
	CancelURL  string
	Metadata   Metadata
}

// RedirectSession is a created checkout session.
type RedirectSession struct {
	ID          string
	RedirectURL string
}

// SessionDetails is a settled session retrieved by the webhook handler.
// AmountTotal is the amount the session actually charged, in minor units.
type SessionDetails struct {
	ID              string
	PaymentIntentID string
	AmountTotal     int64
	Metadata        Metadata
}

// CardDetails describes the card behind a settled payment intent.
type CardDetails struct {
	PaymentMethodRef string
	LastFour         string
	ExpMonth         int
	ExpYear          int
	Funding          string
}

// ChargeParams describes an off-session charge against a saved card.
type ChargeParams struct {
	CustomerRef      string
	PaymentMethodRef string
	Amount           decimal.Decimal
	Currency         string
	Description      string
	Metadata         Metadata
}

// Event is a verified webhook event. SessionID is set for
// checkout.session.completed events.
type Event struct {
	ID        string
	Type      string
	SessionID string
}

// CardProvider is the card processor adapter. VerifyWebhook is the only
// trusted source of PAID transitions for the redirect flow.
type CardProvider interface {
	CreateRedirectSession(ctx context.Context, p CreateSessionParams) (*RedirectSession, error)
	ChargeSavedCard(ctx context.Context, p ChargeParams) (ChargeResult, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionDetails, error)
	RetrievePaymentIntent(ctx context.Context, intentID string) (*CardDetails, error)
	VerifyWebhook(payload []byte, sigHeader string) (*Event, error)
}

// WalletOrder is a created wallet order pending buyer approval.
type WalletOrder struct {
	ID          string
	ApprovalURL string
}

// WalletCapture is the result of capturing an approved wallet order.
type WalletCapture struct {
	OrderID string
	Status  string
}

// CaptureCompleted is the wallet status required before an order may be
// materialized.
const CaptureCompleted = "COMPLETED"

// WalletProvider is the wallet processor adapter.
type WalletProvider interface {
	CreateOrder(ctx context.Context, amount decimal.Decimal, currency, returnURL, cancelURL string) (*WalletOrder, error)
	CaptureOrder(ctx context.Context, orderID string) (*WalletCapture, error)
}

// MinorUnits converts a two-decimal amount to minor currency units.
func MinorUnits(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

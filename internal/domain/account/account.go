// Package account holds the user-owned entities the commerce kernel consumes:
// users, shipping addresses, and saved payment methods. CRUD on these lives
// in the product surface; the kernel reads them and inserts payment methods
// captured during settlement.
package account

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrUserInactive          = errors.New("user account is inactive")
	ErrAddressNotFound       = errors.New("address not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
)

// Kind classifies a saved payment method.
type Kind string

const (
	KindCardCredit Kind = "card_credit"
	KindCardDebit  Kind = "card_debit"
	KindWallet     Kind = "wallet"
)

// IsCard reports whether the kind is one of the card kinds.
func (k Kind) IsCard() bool {
	return k == KindCardCredit || k == KindCardDebit
}

// User is an account holder. WalletCustomerID is the card processor's
// customer reference used for off-session charges; empty until the first
// saved card is attached.
type User struct {
	ID               string
	ExternalSubject  string
	Email            string
	Active           bool
	WalletCustomerID string
	CreatedAt        time.Time
}

// Address is a shipping address owned by a user. At most one address per
// user carries the default flag.
type Address struct {
	ID         string
	UserID     string
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
	IsDefault  bool
}

// PaymentMethod is a saved payment instrument. ProviderRef is the opaque
// processor token; last-four and expiry are only present for cards.
type PaymentMethod struct {
	ID          string
	UserID      string
	Kind        Kind
	ProviderRef string
	LastFour    string
	ExpMonth    int
	ExpYear     int
	IsDefault   bool
	CreatedAt   time.Time
}

// CapturedCard describes the card a redirect checkout was settled with, as
// reported by the processor. Funding is "credit" or "debit".
type CapturedCard struct {
	Ref      string
	LastFour string
	ExpMonth int
	ExpYear  int
	Funding  string
}

// KindFromFunding maps processor funding strings onto payment method kinds.
// Unknown funding defaults to credit.
func KindFromFunding(funding string) Kind {
	if funding == "debit" {
		return KindCardDebit
	}
	return KindCardCredit
}

// Repository provides the account reads and the settlement-time payment
// method writes the kernel needs.
type Repository interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserBySubject(ctx context.Context, subject string) (*User, error)

	// GetAddress returns ErrAddressNotFound when the address does not exist
	// or is not owned by the user.
	GetAddress(ctx context.Context, userID, addressID string) (*Address, error)
	DefaultAddress(ctx context.Context, userID string) (*Address, error)
	ListAddresses(ctx context.Context, userID string) ([]Address, error)

	GetPaymentMethod(ctx context.Context, userID, id string) (*PaymentMethod, error)
	// UpsertCard inserts a card-kind payment method from captured settlement
	// details, or returns the existing method with the same provider ref.
	UpsertCard(ctx context.Context, userID string, card CapturedCard) (*PaymentMethod, error)
	// InsertWallet records a wallet-kind payment method whose provider ref is
	// the wallet processor's order id.
	InsertWallet(ctx context.Context, userID, providerRef string) (*PaymentMethod, error)

	// SetDefaultAddress and SetDefaultPaymentMethod clear the previous
	// default in the same statement batch, preserving at-most-one-default.
	SetDefaultAddress(ctx context.Context, userID, addressID string) error
	SetDefaultPaymentMethod(ctx context.Context, userID, methodID string) error
}

package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/fitkart/internal/domain/account"
)

const (
	userColumns = `id, external_subject, email, active, COALESCE(wallet_customer_id, ''), created_at`

	getUserSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	getUserBySubjectSQL = `SELECT ` + userColumns + ` FROM users WHERE external_subject = $1`

	addressColumns = `id, user_id, line1, line2, city, postal_code, country, is_default`

	getAddressSQL = `SELECT ` + addressColumns + ` FROM addresses WHERE user_id = $1 AND id = $2`

	getDefaultAddressSQL = `SELECT ` + addressColumns + ` FROM addresses WHERE user_id = $1 AND is_default`

	listAddressesSQL = `SELECT ` + addressColumns + ` FROM addresses WHERE user_id = $1 ORDER BY created_at, id`

	methodColumns = `id, user_id, kind, provider_ref, last_four, exp_month, exp_year, is_default, created_at`

	getMethodSQL = `SELECT ` + methodColumns + ` FROM payment_methods WHERE user_id = $1 AND id = $2`

	upsertCardSQL = `INSERT INTO payment_methods (id, user_id, kind, provider_ref, last_four, exp_month, exp_year)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, provider_ref) DO UPDATE
			SET last_four = EXCLUDED.last_four, exp_month = EXCLUDED.exp_month, exp_year = EXCLUDED.exp_year
		RETURNING ` + methodColumns

	insertWalletSQL = `INSERT INTO payment_methods (id, user_id, kind, provider_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider_ref) DO UPDATE SET provider_ref = EXCLUDED.provider_ref
		RETURNING ` + methodColumns

	addressOwnedSQL = `SELECT EXISTS (SELECT 1 FROM addresses WHERE user_id = $1 AND id = $2)`

	clearDefaultAddressSQL = `UPDATE addresses SET is_default = FALSE
		WHERE user_id = $1 AND is_default AND id <> $2`

	setDefaultAddressSQL = `UPDATE addresses SET is_default = TRUE WHERE user_id = $1 AND id = $2`

	methodOwnedSQL = `SELECT EXISTS (SELECT 1 FROM payment_methods WHERE user_id = $1 AND id = $2)`

	clearDefaultMethodSQL = `UPDATE payment_methods SET is_default = FALSE
		WHERE user_id = $1 AND is_default AND id <> $2`

	setDefaultMethodSQL = `UPDATE payment_methods SET is_default = TRUE WHERE user_id = $1 AND id = $2`
)

var _ account.Repository = (*AccountRepository)(nil)

// AccountRepository implements account.Repository backed by PostgreSQL.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository returns an AccountRepository that uses the given pool.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// GetUser returns a user by id.
func (r *AccountRepository) GetUser(ctx context.Context, id string) (*account.User, error) {
	return r.oneUser(ctx, getUserSQL, id)
}

// GetUserBySubject returns the user owning the external identity subject.
func (r *AccountRepository) GetUserBySubject(ctx context.Context, subject string) (*account.User, error) {
	return r.oneUser(ctx, getUserBySubjectSQL, subject)
}

func (r *AccountRepository) oneUser(ctx context.Context, sql string, arg string) (*account.User, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

// GetAddress returns the address only when it belongs to the user.
func (r *AccountRepository) GetAddress(ctx context.Context, userID, addressID string) (*account.Address, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getAddressSQL, userID, addressID)
	if err != nil {
		return nil, fmt.Errorf("getting address %q: %w", addressID, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrAddressNotFound
		}
		return nil, fmt.Errorf("getting address %q: %w", addressID, err)
	}
	return &a, nil
}

// DefaultAddress returns the user's default address, or ErrAddressNotFound.
func (r *AccountRepository) DefaultAddress(ctx context.Context, userID string) (*account.Address, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getDefaultAddressSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("getting default address: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrAddressNotFound
		}
		return nil, fmt.Errorf("getting default address: %w", err)
	}
	return &a, nil
}

// ListAddresses returns the user's addresses, oldest first.
func (r *AccountRepository) ListAddresses(ctx context.Context, userID string) ([]account.Address, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, listAddressesSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing addresses: %w", err)
	}
	return pgx.CollectRows(rows, scanAddress)
}

// GetPaymentMethod returns the method only when it belongs to the user.
func (r *AccountRepository) GetPaymentMethod(ctx context.Context, userID, id string) (*account.PaymentMethod, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, getMethodSQL, userID, id)
	if err != nil {
		return nil, fmt.Errorf("getting payment method %q: %w", id, err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMethod)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrPaymentMethodNotFound
		}
		return nil, fmt.Errorf("getting payment method %q: %w", id, err)
	}
	return &m, nil
}

// UpsertCard inserts a card method from captured settlement details, or
// returns the existing method holding the same provider ref.
func (r *AccountRepository) UpsertCard(ctx context.Context, userID string, card account.CapturedCard) (*account.PaymentMethod, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, upsertCardSQL,
		uuid.New().String(), userID, string(account.KindFromFunding(card.Funding)),
		card.Ref, card.LastFour, card.ExpMonth, card.ExpYear,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting card: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMethod)
	if err != nil {
		return nil, fmt.Errorf("upserting card: %w", err)
	}
	return &m, nil
}

// InsertWallet records a wallet method keyed by the wallet order id.
func (r *AccountRepository) InsertWallet(ctx context.Context, userID, providerRef string) (*account.PaymentMethod, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, insertWalletSQL,
		uuid.New().String(), userID, string(account.KindWallet), providerRef,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting wallet method: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMethod)
	if err != nil {
		return nil, fmt.Errorf("inserting wallet method: %w", err)
	}
	return &m, nil
}

// SetDefaultAddress moves the default flag. Clearing the previous default
// first keeps the partial unique index satisfied.
func (r *AccountRepository) SetDefaultAddress(ctx context.Context, userID, addressID string) error {
	db := dbFrom(ctx, r.pool)

	var owned bool
	if err := db.QueryRow(ctx, addressOwnedSQL, userID, addressID).Scan(&owned); err != nil {
		return fmt.Errorf("checking address %q: %w", addressID, err)
	}
	if !owned {
		return account.ErrAddressNotFound
	}
	if _, err := db.Exec(ctx, clearDefaultAddressSQL, userID, addressID); err != nil {
		return fmt.Errorf("clearing default address: %w", err)
	}
	if _, err := db.Exec(ctx, setDefaultAddressSQL, userID, addressID); err != nil {
		return fmt.Errorf("setting default address: %w", err)
	}
	return nil
}

// SetDefaultPaymentMethod moves the default flag among the user's methods.
func (r *AccountRepository) SetDefaultPaymentMethod(ctx context.Context, userID, methodID string) error {
	db := dbFrom(ctx, r.pool)

	var owned bool
	if err := db.QueryRow(ctx, methodOwnedSQL, userID, methodID).Scan(&owned); err != nil {
		return fmt.Errorf("checking payment method %q: %w", methodID, err)
	}
	if !owned {
		return account.ErrPaymentMethodNotFound
	}
	if _, err := db.Exec(ctx, clearDefaultMethodSQL, userID, methodID); err != nil {
		return fmt.Errorf("clearing default payment method: %w", err)
	}
	if _, err := db.Exec(ctx, setDefaultMethodSQL, userID, methodID); err != nil {
		return fmt.Errorf("setting default payment method: %w", err)
	}
	return nil
}

func scanUser(row pgx.CollectableRow) (account.User, error) {
	var u account.User
	err := row.Scan(&u.ID, &u.ExternalSubject, &u.Email, &u.Active, &u.WalletCustomerID, &u.CreatedAt)
	return u, err
}

func scanAddress(row pgx.CollectableRow) (account.Address, error) {
	var a account.Address
	err := row.Scan(&a.ID, &a.UserID, &a.Line1, &a.Line2, &a.City, &a.PostalCode, &a.Country, &a.IsDefault)
	return a, err
}

func scanMethod(row pgx.CollectableRow) (account.PaymentMethod, error) {
	var (
		m    account.PaymentMethod
		kind string
	)
	err := row.Scan(&m.ID, &m.UserID, &kind, &m.ProviderRef, &m.LastFour, &m.ExpMonth, &m.ExpYear, &m.IsDefault, &m.CreatedAt)
	m.Kind = account.Kind(kind)
	return m, err
}

package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/fitkart/internal/domain/account"
)

// Accounts is an in-memory account.Repository. The one-default-per-user
// rule for addresses and payment methods is enforced on write.
type Accounts struct {
	mu      sync.Mutex
	ids     ids
	users   map[string]account.User
	addrs   map[string]account.Address
	methods map[string]account.PaymentMethod
}

var _ account.Repository = (*Accounts)(nil)

func NewAccounts() *Accounts {
	return &Accounts{
		ids:     ids{prefix: "pm"},
		users:   make(map[string]account.User),
		addrs:   make(map[string]account.Address),
		methods: make(map[string]account.PaymentMethod),
	}
}

// PutUser inserts or replaces a user.
func (s *Accounts) PutUser(u account.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutAddress inserts or replaces an address.
func (s *Accounts) PutAddress(a account.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.IsDefault {
		for id, other := range s.addrs {
			if other.UserID == a.UserID && other.IsDefault {
				other.IsDefault = false
				s.addrs[id] = other
			}
		}
	}
	s.addrs[a.ID] = a
}

// PutMethod inserts or replaces a payment method.
func (s *Accounts) PutMethod(m account.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.IsDefault {
		for id, other := range s.methods {
			if other.UserID == m.UserID && other.IsDefault {
				other.IsDefault = false
				s.methods[id] = other
			}
		}
	}
	s.methods[m.ID] = m
}

func (s *Accounts) GetUser(_ context.Context, id string) (*account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, account.ErrUserNotFound
	}
	return &u, nil
}

func (s *Accounts) GetUserBySubject(_ context.Context, subject string) (*account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ExternalSubject == subject {
			cp := u
			return &cp, nil
		}
	}
	return nil, account.ErrUserNotFound
}

func (s *Accounts) GetAddress(_ context.Context, userID, addressID string) (*account.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addrs[addressID]
	if !ok || a.UserID != userID {
		return nil, account.ErrAddressNotFound
	}
	return &a, nil
}

func (s *Accounts) DefaultAddress(_ context.Context, userID string) (*account.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.addrs {
		if a.UserID == userID && a.IsDefault {
			cp := a
			return &cp, nil
		}
	}
	return nil, account.ErrAddressNotFound
}

func (s *Accounts) ListAddresses(_ context.Context, userID string) ([]account.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []account.Address
	for _, a := range s.addrs {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Accounts) GetPaymentMethod(_ context.Context, userID, id string) (*account.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[id]
	if !ok || m.UserID != userID {
		return nil, account.ErrPaymentMethodNotFound
	}
	return &m, nil
}

func (s *Accounts) UpsertCard(_ context.Context, userID string, card account.CapturedCard) (*account.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.methods {
		if m.UserID == userID && m.ProviderRef == card.Ref {
			cp := m
			return &cp, nil
		}
	}
	m := account.PaymentMethod{
		ID:          s.ids.New(),
		UserID:      userID,
		Kind:        account.KindFromFunding(card.Funding),
		ProviderRef: card.Ref,
		LastFour:    card.LastFour,
		ExpMonth:    card.ExpMonth,
		ExpYear:     card.ExpYear,
		CreatedAt:   time.Now(),
	}
	s.methods[m.ID] = m
	return &m, nil
}

func (s *Accounts) InsertWallet(_ context.Context, userID, providerRef string) (*account.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.methods {
		if m.UserID == userID && m.ProviderRef == providerRef {
			cp := m
			return &cp, nil
		}
	}
	m := account.PaymentMethod{
		ID:          s.ids.New(),
		UserID:      userID,
		Kind:        account.KindWallet,
		ProviderRef: providerRef,
		CreatedAt:   time.Now(),
	}
	s.methods[m.ID] = m
	return &m, nil
}

func (s *Accounts) SetDefaultAddress(_ context.Context, userID, addressID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.addrs[addressID]
	if !ok || target.UserID != userID {
		return account.ErrAddressNotFound
	}
	for id, a := range s.addrs {
		if a.UserID == userID {
			a.IsDefault = id == addressID
			s.addrs[id] = a
		}
	}
	return nil
}

func (s *Accounts) SetDefaultPaymentMethod(_ context.Context, userID, methodID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.methods[methodID]
	if !ok || target.UserID != userID {
		return account.ErrPaymentMethodNotFound
	}
	for id, m := range s.methods {
		if m.UserID == userID {
			m.IsDefault = id == methodID
			s.methods[id] = m
		}
	}
	return nil
}

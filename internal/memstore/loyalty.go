package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/fitkart/internal/domain/loyalty"
)

// Loyalty is an in-memory loyalty.Repository seeded with the four platform
// tiers unless a custom set is given.
type Loyalty struct {
	mu      sync.Mutex
	ids     ids
	byUser  map[string]loyalty.UserLoyalty
	entries []loyalty.Entry
	tiers   []loyalty.Tier
}

var _ loyalty.Repository = (*Loyalty)(nil)

func NewLoyalty(tiers ...loyalty.Tier) *Loyalty {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	return &Loyalty{
		ids:    ids{prefix: "loyalty"},
		byUser: make(map[string]loyalty.UserLoyalty),
		tiers:  tiers,
	}
}

// DefaultTiers mirrors the seeded loyalty_tiers rows.
func DefaultTiers() []loyalty.Tier {
	return []loyalty.Tier{
		{Level: 1, MinPoints: 0, Multiplier: one(), FreeShippingThreshold: dec("2000"), MonthlyCoupons: 0, CouponPercent: dec("0")},
		{Level: 2, MinPoints: 1000, Multiplier: dec("1.25"), FreeShippingThreshold: dec("1500"), MonthlyCoupons: 1, CouponPercent: dec("5")},
		{Level: 3, MinPoints: 5000, Multiplier: dec("1.5"), FreeShippingThreshold: dec("1000"), MonthlyCoupons: 2, CouponPercent: dec("10")},
		{Level: 4, MinPoints: 15000, Multiplier: dec("2"), FreeShippingThreshold: dec("0"), MonthlyCoupons: 4, CouponPercent: dec("15")},
	}
}

func (s *Loyalty) GetOrCreate(_ context.Context, userID string) (*loyalty.UserLoyalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ul, ok := s.byUser[userID]; ok {
		return &ul, nil
	}
	ul := loyalty.UserLoyalty{
		ID:        s.ids.New(),
		UserID:    userID,
		TierLevel: 1,
	}
	s.byUser[userID] = ul
	return &ul, nil
}

func (s *Loyalty) Get(_ context.Context, userID string) (*loyalty.UserLoyalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ul, ok := s.byUser[userID]
	if !ok {
		return nil, loyalty.ErrNotFound
	}
	return &ul, nil
}

func (s *Loyalty) Update(_ context.Context, ul *loyalty.UserLoyalty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUser[ul.UserID]; !ok {
		return loyalty.ErrNotFound
	}
	s.byUser[ul.UserID] = *ul
	return nil
}

func (s *Loyalty) AppendEntry(_ context.Context, e loyalty.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *Loyalty) Tiers(context.Context) ([]loyalty.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]loyalty.Tier(nil), s.tiers...)
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (s *Loyalty) Tier(_ context.Context, level int) (*loyalty.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tiers {
		if t.Level == level {
			return &t, nil
		}
	}
	return nil, loyalty.ErrNotFound
}

func (s *Loyalty) DueForExpiry(_ context.Context, day time.Time) ([]loyalty.UserLoyalty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loyalty.UserLoyalty
	for _, ul := range s.byUser {
		if ul.ExpiresAt != nil && !ul.ExpiresAt.After(day) {
			out = append(out, ul)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Entries returns the point ledger for a user's loyalty row, for test
// assertions.
func (s *Loyalty) Entries(loyaltyID string) []loyalty.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []loyalty.Entry
	for _, e := range s.entries {
		if e.LoyaltyID == loyaltyID {
			out = append(out, e)
		}
	}
	return out
}

package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/fitkart/internal/domain/subscription"
)

// Subscriptions is an in-memory subscription.Repository.
type Subscriptions struct {
	mu       sync.Mutex
	subs     map[string]subscription.Subscription
	profiles map[string]subscription.Profile
}

var _ subscription.Repository = (*Subscriptions)(nil)

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		subs:     make(map[string]subscription.Subscription),
		profiles: make(map[string]subscription.Profile),
	}
}

// PutProfile inserts or replaces a user's fitness profile.
func (s *Subscriptions) PutProfile(p subscription.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *Subscriptions) Get(_ context.Context, id string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return &sub, nil
}

func (s *Subscriptions) GetLiveByUser(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status != subscription.StatusCancelled {
			cp := sub
			return &cp, nil
		}
	}
	return nil, subscription.ErrNotFound
}

func (s *Subscriptions) Insert(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.Status != subscription.StatusCancelled {
		for _, other := range s.subs {
			if other.UserID == sub.UserID && other.Status != subscription.StatusCancelled {
				return subscription.ErrExists
			}
		}
	}
	s.subs[sub.ID] = *sub
	return nil
}

func (s *Subscriptions) Update(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return subscription.ErrNotFound
	}
	s.subs[sub.ID] = *sub
	return nil
}

func (s *Subscriptions) DueOn(_ context.Context, day time.Time) ([]subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subscription.Subscription
	for _, sub := range s.subs {
		if sub.Status == subscription.StatusActive && !sub.NextDelivery.After(day) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Subscriptions) Profile(_ context.Context, userID string) (*subscription.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, subscription.ErrProfileMissing
	}
	return &p, nil
}

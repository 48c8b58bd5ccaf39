package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/fitkart/internal/domain/order"
)

// Orders is an in-memory order.Repository. The settlement key unique
// constraint is enforced the way the store's index would.
type Orders struct {
	mu     sync.Mutex
	orders map[string]order.Order
	items  map[string][]order.Item
}

var _ order.Repository = (*Orders)(nil)

func NewOrders() *Orders {
	return &Orders{
		orders: make(map[string]order.Order),
		items:  make(map[string][]order.Item),
	}
}

func (s *Orders) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (s *Orders) GetByOwner(_ context.Context, userID, orderID string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, order.ErrNotFound
	}
	return &o, nil
}

func (s *Orders) GetByIdempotencyKey(_ context.Context, key string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := s.orders[id]
		if o.IdempotencyKey != "" && o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, order.ErrNotFound
}

func (s *Orders) Items(_ context.Context, orderID string) ([]order.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Item(nil), s.items[orderID]...), nil
}

func (s *Orders) Insert(_ context.Context, o *order.Order, items []order.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.IdempotencyKey != "" {
		for _, existing := range s.orders {
			if existing.IdempotencyKey == o.IdempotencyKey {
				return errors.Errorf("duplicate idempotency key %s", o.IdempotencyKey)
			}
		}
	}
	s.orders[o.ID] = *o
	s.items[o.ID] = append([]order.Item(nil), items...)
	return nil
}

func (s *Orders) SetStatus(_ context.Context, orderID string, status order.Status, tracking *string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	if tracking != nil {
		o.TrackingNumber = *tracking
	}
	o.UpdatedAt = updatedAt
	s.orders[orderID] = o
	return nil
}

// All returns every stored order in id order, for test assertions.
func (s *Orders) All() []order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

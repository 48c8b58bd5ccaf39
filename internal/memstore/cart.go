package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/fitkart/internal/domain/cart"
)

// Carts is an in-memory cart.Repository.
type Carts struct {
	mu      sync.Mutex
	ids     ids
	itemIDs ids
	byUser  map[string]*cart.Cart
	items   map[string]cart.Item
}

var _ cart.Repository = (*Carts)(nil)

func NewCarts() *Carts {
	return &Carts{
		ids:     ids{prefix: "cart"},
		itemIDs: ids{prefix: "cart-item"},
		byUser:  make(map[string]*cart.Cart),
		items:   make(map[string]cart.Item),
	}
}

func (c *Carts) GetOrCreate(_ context.Context, userID string) (*cart.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byUser[userID]; ok {
		cp := *existing
		return &cp, nil
	}
	created := &cart.Cart{ID: c.ids.New(), UserID: userID, CreatedAt: time.Now()}
	c.byUser[userID] = created
	cp := *created
	return &cp, nil
}

func (c *Carts) GetByUser(_ context.Context, userID string) (*cart.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.byUser[userID]
	if !ok {
		return nil, nil
	}
	cp := *existing
	return &cp, nil
}

func (c *Carts) Lock(context.Context, string) error { return nil }

func (c *Carts) Items(_ context.Context, cartID string) ([]cart.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []cart.Item
	for _, it := range c.items {
		if it.CartID == cartID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Carts) GetItem(_ context.Context, cartID, itemID string) (*cart.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[itemID]
	if !ok || it.CartID != cartID {
		return nil, cart.ErrItemNotFound
	}
	return &it, nil
}

func (c *Carts) FindItem(_ context.Context, cartID, productID string) (*cart.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.items {
		if it.CartID == cartID && it.ProductID == productID {
			cp := it
			return &cp, nil
		}
	}
	return nil, nil
}

func (c *Carts) InsertItem(_ context.Context, item cart.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item.ID == "" {
		item.ID = c.itemIDs.New()
	}
	c.items[item.ID] = item
	return nil
}

func (c *Carts) SetQuantity(_ context.Context, itemID string, quantity int, updatedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[itemID]
	if !ok {
		return cart.ErrItemNotFound
	}
	it.Quantity = quantity
	it.UpdatedAt = updatedAt
	c.items[itemID] = it
	return nil
}

func (c *Carts) DeleteItem(_ context.Context, itemID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[itemID]; !ok {
		return cart.ErrItemNotFound
	}
	delete(c.items, itemID)
	return nil
}

func (c *Carts) Clear(_ context.Context, cartID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, it := range c.items {
		if it.CartID == cartID {
			delete(c.items, id)
		}
	}
	return nil
}

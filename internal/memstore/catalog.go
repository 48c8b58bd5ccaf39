package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/fitkart/internal/domain/catalog"
)

// Catalog is an in-memory catalog.Repository.
type Catalog struct {
	mu       sync.Mutex
	products map[string]catalog.Product
}

var _ catalog.Repository = (*Catalog)(nil)

func NewCatalog(products ...catalog.Product) *Catalog {
	c := &Catalog{products: make(map[string]catalog.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Put inserts or replaces a product.
func (c *Catalog) Put(p catalog.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

func (c *Catalog) GetByID(_ context.Context, id string) (*catalog.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &p, nil
}

func (c *Catalog) GetByIDs(_ context.Context, ids []string) ([]catalog.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Catalog) ListByPlan(_ context.Context, plan string, limit int) ([]catalog.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pick(limit, func(p catalog.Product) bool {
		return strings.Contains(strings.ToLower(p.Name), strings.ToLower(plan))
	}), nil
}

func (c *Catalog) ListByObjectives(_ context.Context, objectives []string, limit int) ([]catalog.Product, error) {
	want := make(map[string]bool, len(objectives))
	for _, o := range objectives {
		want[strings.ToLower(o)] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pick(limit, func(p catalog.Product) bool {
		for _, o := range p.Objectives {
			if want[strings.ToLower(o)] {
				return true
			}
		}
		return false
	}), nil
}

// pick returns up to limit active in-stock products matching the predicate,
// in id order for determinism.
func (c *Catalog) pick(limit int, match func(catalog.Product) bool) []catalog.Product {
	ids := make([]string, 0, len(c.products))
	for id := range c.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []catalog.Product
	for _, id := range ids {
		p := c.products[id]
		if !p.Active || p.Stock < 1 || !match(p) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (c *Catalog) LockForUpdate(_ context.Context, ids []string) ([]catalog.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Catalog) AdjustStock(_ context.Context, productID string, delta int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return catalog.ErrNotFound
	}
	if p.Stock+delta < 0 {
		return errors.Errorf("stock for %s would go negative", productID)
	}
	p.Stock += delta
	c.products[productID] = p
	return nil
}

// Stock reports the current stock level, for test assertions.
func (c *Catalog) Stock(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.products[id].Stock
}

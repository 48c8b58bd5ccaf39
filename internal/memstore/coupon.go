package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/fitkart/internal/domain/coupon"
)

// Coupons is an in-memory coupon.Repository.
type Coupons struct {
	mu     sync.Mutex
	ids    ids
	byCode map[string]coupon.Coupon
	grants map[string]coupon.Grant
}

var _ coupon.Repository = (*Coupons)(nil)

func NewCoupons(coupons ...coupon.Coupon) *Coupons {
	c := &Coupons{
		ids:    ids{prefix: "grant"},
		byCode: make(map[string]coupon.Coupon, len(coupons)),
		grants: make(map[string]coupon.Grant),
	}
	for _, cp := range coupons {
		c.byCode[cp.Code] = cp
	}
	return c
}

// Put inserts or replaces a coupon.
func (c *Coupons) Put(cp coupon.Coupon) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCode[cp.Code] = cp
}

func (c *Coupons) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.byCode[code]
	if !ok {
		return nil, coupon.ErrUnknown
	}
	return &cp, nil
}

func (c *Coupons) Grant(_ context.Context, userID, code string) (*coupon.Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byCode[code]; !ok {
		return nil, coupon.ErrUnknown
	}
	g := coupon.Grant{
		ID:        c.ids.New(),
		UserID:    userID,
		Code:      code,
		GrantedAt: time.Now(),
	}
	c.grants[g.ID] = g
	return &g, nil
}

func (c *Coupons) MarkUsed(_ context.Context, userID, code, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.grants))
	for id := range c.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		g := c.grants[id]
		if g.UserID == userID && g.Code == code && g.UsedOn == nil {
			g.UsedOn = &orderID
			c.grants[id] = g
			return nil
		}
	}
	return nil
}

// UsedOn reports which order a user's grant of the code was spent on, for
// test assertions. Empty when unused or absent.
func (c *Coupons) UsedOn(userID, code string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range c.grants {
		if g.UserID == userID && g.Code == code && g.UsedOn != nil {
			return *g.UsedOn
		}
	}
	return ""
}

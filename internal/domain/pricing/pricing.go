// Package pricing computes checkout quotes. The engine is a pure function of
// its inputs so it can be re-evaluated server-side inside a webhook without
// trusting client-submitted totals.
package pricing

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/fitkart/internal/domain/coupon"
	"github.com/xenking/fitkart/internal/domain/loyalty"
)

// ErrCartEmpty is returned when a quote is requested for an empty cart.
var ErrCartEmpty = errors.New("cart is empty")

// Line is a priced cart line. UnitPrice is the product's current price; it
// becomes the order item's snapshot price at materialization.
type Line struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal returns UnitPrice * Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Quote is a deterministic pricing result with frozen amounts.
type Quote struct {
	Lines      []Line
	Subtotal   decimal.Decimal
	Shipping   decimal.Decimal
	Discount   decimal.Decimal
	Total      decimal.Decimal
	Points     int64
	CouponCode string
}

// Engine computes quotes from configured amounts.
type Engine struct {
	shippingFee  decimal.Decimal
	pointDivisor decimal.Decimal
}

// NewEngine creates a pricing Engine. shippingFee is the flat fee charged
// below the tier's free-shipping threshold; pointDivisor is the currency
// amount worth one loyalty point.
func NewEngine(shippingFee decimal.Decimal, pointDivisor int64) *Engine {
	return &Engine{
		shippingFee:  shippingFee,
		pointDivisor: decimal.NewFromInt(pointDivisor),
	}
}

// Quote prices the given lines for a loyalty tier with an optional coupon.
//
// Shipping is free when the tier's threshold is zero or the subtotal reaches
// it. Points are floor(total / pointDivisor); the tier multiplier is
// deliberately not applied to accrual.
func (e *Engine) Quote(lines []Line, tier loyalty.Tier, cpn *coupon.Coupon, now time.Time) (*Quote, error) {
	if len(lines) == 0 {
		return nil, ErrCartEmpty
	}

	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Subtotal())
	}
	subtotal = subtotal.Round(2)

	shipping := decimal.Zero
	if !tier.FreeShippingThreshold.IsZero() && subtotal.LessThan(tier.FreeShippingThreshold) {
		shipping = e.shippingFee
	}

	discount := decimal.Zero
	couponCode := ""
	if cpn != nil {
		if err := cpn.ValidAt(now); err != nil {
			return nil, err
		}
		discount = cpn.DiscountOn(subtotal)
		couponCode = cpn.Code
	}

	total := subtotal.Add(shipping).Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}
	total = total.Round(2)

	return &Quote{
		Lines:      lines,
		Subtotal:   subtotal,
		Shipping:   shipping,
		Discount:   discount,
		Total:      total,
		Points:     total.Div(e.pointDivisor).Floor().IntPart(),
		CouponCode: couponCode,
	}, nil
}

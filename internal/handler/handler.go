// Package handler exposes the settlement edges over HTTP: the card
// processor's webhook and the wallet capture callback. The storefront API
// proper lives in a separate service.
package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/fitkart/internal/domain/account"
	"github.com/xenking/fitkart/internal/domain/checkout"
	"github.com/xenking/fitkart/internal/domain/order"
	"github.com/xenking/fitkart/internal/domain/pricing"
	"github.com/xenking/fitkart/internal/payment"
	"github.com/xenking/fitkart/pkg/jwks"
)

// maxBodyBytes bounds webhook and capture request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the settlement endpoints.
type Handler struct {
	checkout    *checkout.Coordinator
	accounts    account.Repository
	verifier    *jwks.Verifier
	settlements metric.Int64Counter
}

// New creates a Handler.
func New(co *checkout.Coordinator, accounts account.Repository, verifier *jwks.Verifier, mp metric.MeterProvider) (*Handler, error) {
	settlements, err := mp.Meter("fitkart.handler").Int64Counter("checkout.settlements",
		metric.WithDescription("Orders settled through the payment edges"))
	if err != nil {
		return nil, errors.Wrap(err, "create settlements counter")
	}
	return &Handler{
		checkout:    co,
		accounts:    accounts,
		verifier:    verifier,
		settlements: settlements,
	}, nil
}

// Register mounts the settlement routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /checkout/stripe/webhook", h.StripeWebhook)
	mux.HandleFunc("POST /checkout/paypal/capture", h.PayPalCapture)
}

// StripeWebhook receives card processor events. The raw body is passed to
// signature verification untouched; any mutation would break the HMAC.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	o, err := h.checkout.HandleCardWebhook(ctx, payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		zctx.From(ctx).Error("webhook settlement failed", zap.Error(err))
		// Non-2xx makes the processor redeliver; settlement is idempotent.
		writeError(w, http.StatusInternalServerError, "settlement failed")
		return
	}

	if o == nil {
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}
	h.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", "card")))
	writeJSON(w, http.StatusOK, orderResponse(o))
}

type captureRequest struct {
	OrderID    string `json:"order_id"`
	AddressID  string `json:"address_id"`
	CouponCode string `json:"coupon_code"`
}

// PayPalCapture finishes a wallet checkout after the buyer approved the
// order. The bearer token identifies the user.
func (h *Handler) PayPalCapture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req captureRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.OrderID == "" || req.AddressID == "" {
		writeError(w, http.StatusBadRequest, "order_id and address_id are required")
		return
	}

	o, err := h.checkout.CaptureWallet(ctx, user.ID, req.AddressID, req.CouponCode, req.OrderID)
	if err != nil {
		zctx.From(ctx).Warn("wallet capture failed", zap.Error(err))
		writeCaptureError(w, err)
		return
	}
	h.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", "wallet")))
	writeJSON(w, http.StatusOK, orderResponse(o))
}

func writeCaptureError(w http.ResponseWriter, err error) {
	var declined *checkout.DeclinedError
	switch {
	case errors.Is(err, checkout.ErrCaptureIncomplete):
		writeError(w, http.StatusConflict, "capture not completed")
	case errors.As(err, &declined):
		writeError(w, http.StatusPaymentRequired, declined.Reason)
	case errors.Is(err, account.ErrAddressNotFound):
		writeError(w, http.StatusNotFound, "address not found")
	case errors.Is(err, pricing.ErrCartEmpty):
		writeError(w, http.StatusConflict, "cart is empty")
	default:
		writeError(w, http.StatusInternalServerError, "capture failed")
	}
}

// authenticate resolves the bearer token to a platform user. Inactive users
// are rejected the same way as unknown ones.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*account.User, bool) {
	ctx := r.Context()

	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}

	claims, err := h.verifier.Verify(ctx, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}

	user, err := h.accounts.GetUserBySubject(ctx, claims.Subject)
	if err != nil || !user.Active {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return nil, false
	}
	return user, true
}

func orderResponse(o *order.Order) map[string]any {
	return map[string]any{
		"order_id":      o.ID,
		"status":        string(o.Status),
		"subtotal":      o.Subtotal.StringFixed(2),
		"discount":      o.Discount.StringFixed(2),
		"shipping":      o.Shipping.StringFixed(2),
		"total":         o.Total.StringFixed(2),
		"points_earned": o.PointsEarned,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "message": msg})
}

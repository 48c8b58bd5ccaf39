package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func signPayload(t *testing.T, secret string, at time.Time, payload []byte) string {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func newTestStripe(baseURL string) *StripeClient {
	return NewStripeClient(StripeConfig{
		SecretKey:     "sk_test",
		WebhookSecret: testWebhookSecret,
		BaseURL:       baseURL,
	})
}

func TestVerifyWebhookValidSignature(t *testing.T) {
	c := newTestStripe("")
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)

	ev, err := c.VerifyWebhook(payload, signPayload(t, testWebhookSecret, time.Now(), payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "checkout.session.completed", ev.Type)
	assert.Equal(t, "cs_1", ev.SessionID)
}

func TestVerifyWebhookWrongSecret(t *testing.T) {
	c := newTestStripe("")
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	_, err := c.VerifyWebhook(payload, signPayload(t, "whsec_other", time.Now(), payload))
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhookTamperedPayload(t *testing.T) {
	c := newTestStripe("")
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	header := signPayload(t, testWebhookSecret, time.Now(), payload)

	_, err := c.VerifyWebhook([]byte(`{"id":"evt_2","type":"checkout.session.completed"}`), header)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhookStaleTimestamp(t *testing.T) {
	c := newTestStripe("")
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	// Signed ten minutes ago, past the five minute tolerance.
	header := signPayload(t, testWebhookSecret, time.Now().Add(-10*time.Minute), payload)
	_, err := c.VerifyWebhook(payload, header)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWebhookMalformedHeader(t *testing.T) {
	c := newTestStripe("")
	payload := []byte(`{"type":"x"}`)

	for _, header := range []string{"", "t=abc,v1=00", "v1=00", "t=123"} {
		_, err := c.VerifyWebhook(payload, header)
		assert.ErrorIs(t, err, ErrInvalidSignature, "header %q", header)
	}
}

func TestVerifyWebhookSecondSignatureAccepted(t *testing.T) {
	c := newTestStripe("")
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	// Secret rotation delivers a stale signature first and the fresh one
	// after; any match passes.
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	good := hex.EncodeToString(mac.Sum(nil))
	header := fmt.Sprintf("t=%s,v1=%s,v1=%s", ts, strings.Repeat("0", 64), good)

	ev, err := c.VerifyWebhook(payload, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
}

func TestChargeSavedCardSucceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		assert.Equal(t, "pm_1", r.PostForm.Get("payment_method"))
		assert.Equal(t, "115000", r.PostForm.Get("amount"), "amounts go out in minor units")
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "true", r.PostForm.Get("off_session"))
		assert.Equal(t, "user-1", r.PostForm.Get("metadata[user_id]"))

		fmt.Fprint(w, `{"id":"pi_1","status":"succeeded"}`)
	}))
	defer srv.Close()

	c := newTestStripe(srv.URL)
	res, err := c.ChargeSavedCard(context.Background(), ChargeParams{
		CustomerRef:      "cus_1",
		PaymentMethodRef: "pm_1",
		Amount:           decimal.RequireFromString("1150.00"),
		Currency:         "USD",
		Metadata:         Metadata{UserID: "user-1", AddressID: "addr-1"},
	})
	require.NoError(t, err)

	s, ok := res.(Succeeded)
	require.True(t, ok, "result %T", res)
	assert.Equal(t, "pi_1", s.IntentID)
	assert.Equal(t, "pm_1", s.PaymentMethodRef)
}

func TestChargeSavedCardAuthenticationRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"code":"authentication_required","payment_intent":{"id":"pi_1","client_secret":"pi_1_secret"}}}`)
	}))
	defer srv.Close()

	c := newTestStripe(srv.URL)
	res, err := c.ChargeSavedCard(context.Background(), ChargeParams{
		Amount: decimal.NewFromInt(100), Currency: "usd",
	})
	require.NoError(t, err)

	ra, ok := res.(RequiresAction)
	require.True(t, ok, "result %T", res)
	assert.Equal(t, "pi_1", ra.IntentID)
	assert.Equal(t, "pi_1_secret", ra.ClientSecret)
}

func TestChargeSavedCardDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)
	}))
	defer srv.Close()

	c := newTestStripe(srv.URL)
	res, err := c.ChargeSavedCard(context.Background(), ChargeParams{
		Amount: decimal.NewFromInt(100), Currency: "usd",
	})
	require.NoError(t, err)

	d, ok := res.(Declined)
	require.True(t, ok, "result %T", res)
	assert.Equal(t, "insufficient_funds", d.Reason)
}

func TestChargeSavedCardGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	c := newTestStripe(srv.URL)
	_, err := c.ChargeSavedCard(context.Background(), ChargeParams{
		Amount: decimal.NewFromInt(100), Currency: "usd",
	})

	var ge *GatewayError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "stripe", ge.Provider)
	assert.Equal(t, http.StatusInternalServerError, ge.Status)
}

func TestCreateRedirectSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "165000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "user-1", r.PostForm.Get("metadata[user_id]"))
		assert.Equal(t, "HAPPYHRS", r.PostForm.Get("metadata[coupon_code]"))

		fmt.Fprint(w, `{"id":"cs_1","url":"https://checkout.test/cs_1"}`)
	}))
	defer srv.Close()

	c := newTestStripe(srv.URL)
	sess, err := c.CreateRedirectSession(context.Background(), CreateSessionParams{
		Amount:     decimal.RequireFromString("1650.00"),
		Currency:   "usd",
		SuccessURL: "https://shop.test/ok",
		CancelURL:  "https://shop.test/cancel",
		Metadata:   Metadata{UserID: "user-1", AddressID: "addr-1", CouponCode: "HAPPYHRS"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.ID)
	assert.Equal(t, "https://checkout.test/cs_1", sess.RedirectURL)
}

func TestRetrieveSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
		fmt.Fprint(w, `{"id":"cs_1","payment_intent":"pi_1","amount_total":165000,"metadata":{"user_id":"user-1","address_id":"addr-1","coupon_code":"HAPPYHRS"}}`)
	}))
	defer srv.Close()

	c := newTestStripe(srv.URL)
	sess, err := c.RetrieveSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", sess.PaymentIntentID)
	assert.Equal(t, int64(165000), sess.AmountTotal)
	assert.Equal(t, "user-1", sess.Metadata.UserID)
	assert.Equal(t, "addr-1", sess.Metadata.AddressID)
	assert.Equal(t, "HAPPYHRS", sess.Metadata.CouponCode)
}

func TestRetrievePaymentIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		fmt.Fprint(w, `{"id":"pi_1","payment_method":{"id":"pm_1","card":{"last4":"4242","exp_month":12,"exp_year":2030,"funding":"debit"}}}`)
	}))
	defer srv.Close()

	c := newTestStripe(srv.URL)
	card, err := c.RetrievePaymentIntent(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "pm_1", card.PaymentMethodRef)
	assert.Equal(t, "4242", card.LastFour)
	assert.Equal(t, 12, card.ExpMonth)
	assert.Equal(t, 2030, card.ExpYear)
	assert.Equal(t, "debit", card.Funding)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(115000), MinorUnits(decimal.RequireFromString("1150.00")))
	assert.Equal(t, int64(1), MinorUnits(decimal.RequireFromString("0.01")))
	assert.Equal(t, int64(0), MinorUnits(decimal.Zero))
}

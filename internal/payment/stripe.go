package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// StripeConfig configures the card processor adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
	// Tolerance bounds the webhook timestamp skew accepted during signature
	// verification.
	Tolerance time.Duration
}

// StripeClient is the card processor adapter. It speaks the processor's
// form-encoded REST API; every call carries a bounded deadline.
type StripeClient struct {
	cfg  StripeConfig
	http *http.Client
	now  func() time.Time
}

var _ CardProvider = (*StripeClient)(nil)

// NewStripeClient creates a StripeClient. Zero config fields get production
// defaults.
func NewStripeClient(cfg StripeConfig) *StripeClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.stripe.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	return &StripeClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
}

type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
}

type stripePaymentMethod struct {
	ID   string `json:"id"`
	Card struct {
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
		Funding  string `json:"funding"`
	} `json:"card"`
}

type stripeError struct {
	Error struct {
		Code          string `json:"code"`
		DeclineCode   string `json:"decline_code"`
		Message       string `json:"message"`
		PaymentIntent struct {
			ID           string `json:"id"`
			ClientSecret string `json:"client_secret"`
		} `json:"payment_intent"`
	} `json:"error"`
}

// CreateRedirectSession opens a hosted checkout session. The metadata fields
// carry everything needed to replay pricing at settlement.
func (c *StripeClient) CreateRedirectSession(ctx context.Context, p CreateSessionParams) (*RedirectSession, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(p.Currency))
	form.Set("line_items[0][price_data][product_data][name]", "Order total")
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(MinorUnits(p.Amount), 10))
	setMetadata(form, "metadata", p.Metadata)

	var sess struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &sess); err != nil {
		return nil, err
	}
	return &RedirectSession{ID: sess.ID, RedirectURL: sess.URL}, nil
}

// ChargeSavedCard performs an off-session charge. Authentication step-ups
// and declines come back as tagged results, not errors.
func (c *StripeClient) ChargeSavedCard(ctx context.Context, p ChargeParams) (ChargeResult, error) {
	form := url.Values{}
	form.Set("customer", p.CustomerRef)
	form.Set("payment_method", p.PaymentMethodRef)
	form.Set("amount", strconv.FormatInt(MinorUnits(p.Amount), 10))
	form.Set("currency", strings.ToLower(p.Currency))
	form.Set("description", p.Description)
	form.Set("off_session", "true")
	form.Set("confirm", "true")
	setMetadata(form, "metadata", p.Metadata)

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/payment_intents", form)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "charge saved card")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var intent stripeIntent
		if err := json.Unmarshal(body, &intent); err != nil {
			return nil, errors.Wrap(err, "decode intent")
		}
		switch intent.Status {
		case "succeeded":
			return Succeeded{IntentID: intent.ID, PaymentMethodRef: p.PaymentMethodRef}, nil
		case "requires_action", "requires_confirmation":
			return RequiresAction{IntentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
		default:
			return Declined{Reason: "intent status " + intent.Status}, nil
		}
	case resp.StatusCode == http.StatusPaymentRequired:
		var se stripeError
		if err := json.Unmarshal(body, &se); err != nil {
			return nil, errors.Wrap(err, "decode error")
		}
		if se.Error.Code == "authentication_required" {
			return RequiresAction{
				IntentID:     se.Error.PaymentIntent.ID,
				ClientSecret: se.Error.PaymentIntent.ClientSecret,
			}, nil
		}
		reason := se.Error.DeclineCode
		if reason == "" {
			reason = se.Error.Message
		}
		return Declined{Reason: reason}, nil
	default:
		return nil, &GatewayError{Provider: "stripe", Status: resp.StatusCode, Body: string(body)}
	}
}

// RetrieveSession fetches a settled session with its round-tripped metadata.
func (c *StripeClient) RetrieveSession(ctx context.Context, sessionID string) (*SessionDetails, error) {
	var sess struct {
		ID            string            `json:"id"`
		PaymentIntent string            `json:"payment_intent"`
		AmountTotal   int64             `json:"amount_total"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, &sess); err != nil {
		return nil, err
	}
	return &SessionDetails{
		ID:              sess.ID,
		PaymentIntentID: sess.PaymentIntent,
		AmountTotal:     sess.AmountTotal,
		Metadata: Metadata{
			UserID:         sess.Metadata["user_id"],
			AddressID:      sess.Metadata["address_id"],
			CouponCode:     sess.Metadata["coupon_code"],
			SubscriptionID: sess.Metadata["subscription_id"],
		},
	}, nil
}

// RetrievePaymentIntent fetches the card behind a settled intent so the
// webhook handler can persist the payment method used.
func (c *StripeClient) RetrievePaymentIntent(ctx context.Context, intentID string) (*CardDetails, error) {
	form := url.Values{}
	form.Set("expand[]", "payment_method")

	var intent struct {
		ID            string              `json:"id"`
		PaymentMethod stripePaymentMethod `json:"payment_method"`
	}
	path := "/v1/payment_intents/" + url.PathEscape(intentID) + "?" + form.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &intent); err != nil {
		return nil, err
	}
	pm := intent.PaymentMethod
	return &CardDetails{
		PaymentMethodRef: pm.ID,
		LastFour:         pm.Card.Last4,
		ExpMonth:         pm.Card.ExpMonth,
		ExpYear:          pm.Card.ExpYear,
		Funding:          pm.Card.Funding,
	}, nil
}

func (c *StripeClient) newRequest(ctx context.Context, method, path string, form url.Values) (*http.Request, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

func (c *StripeClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	req, err := c.newRequest(ctx, method, path, form)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode != http.StatusOK {
		return &GatewayError{Provider: "stripe", Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}

func setMetadata(form url.Values, prefix string, m Metadata) {
	form.Set(prefix+"[user_id]", m.UserID)
	form.Set(prefix+"[address_id]", m.AddressID)
	if m.CouponCode != "" {
		form.Set(prefix+"[coupon_code]", m.CouponCode)
	}
	if m.SubscriptionID != "" {
		form.Set(prefix+"[subscription_id]", m.SubscriptionID)
	}
}

// VerifyWebhook checks the delivery signature and parses the event. The
// signature header carries a unix timestamp and one or more v1 HMAC-SHA256
// signatures over "<timestamp>.<payload>"; comparison is constant-time.
func (c *StripeClient) VerifyWebhook(payload []byte, sigHeader string) (*Event, error) {
	ts, sigs, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	at := time.Unix(ts, 0)
	if d := c.now().Sub(at); d > c.cfg.Tolerance || d < -c.cfg.Tolerance {
		return nil, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.WebhookSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	valid := false
	for _, sig := range sigs {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(expected, raw) == 1 {
			valid = true
		}
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	return parseEvent(payload)
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]".
func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, ErrInvalidSignature
			}
			ts = n
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return 0, nil, ErrInvalidSignature
	}
	return ts, sigs, nil
}

package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// PayPalConfig configures the wallet processor adapter.
type PayPalConfig struct {
	ClientID string
	Secret   string
	BaseURL  string
	Timeout  time.Duration
}

// PayPalClient is the wallet processor adapter. The OAuth2
// client-credentials token is cached per adapter; concurrent refreshes
// collapse into one request via singleflight, and a 401 on an API call
// invalidates the cache and retries once.
type PayPalClient struct {
	cfg  PayPalConfig
	http *http.Client
	now  func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	sf       singleflight.Group
}

var _ WalletProvider = (*PayPalClient)(nil)

// NewPayPalClient creates a PayPalClient. Zero config fields get production
// defaults.
func NewPayPalClient(cfg PayPalConfig) *PayPalClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.paypal.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &PayPalClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
}

type paypalOrder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// CreateOrder opens a wallet order with intent CAPTURE. The approval URL is
// taken from the links entry with rel "approve".
func (c *PayPalClient) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, returnURL, cancelURL string) (*WalletOrder, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"amount": map[string]string{
				"currency_code": strings.ToUpper(currency),
				"value":         amount.StringFixed(2),
			},
		}},
		"application_context": map[string]string{
			"return_url": returnURL,
			"cancel_url": cancelURL,
		},
	}

	var o paypalOrder
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", body, &o); err != nil {
		return nil, err
	}

	approval := ""
	for _, l := range o.Links {
		if l.Rel == "approve" {
			approval = l.Href
		}
	}
	if approval == "" {
		return nil, errors.New("wallet order missing approval link")
	}
	return &WalletOrder{ID: o.ID, ApprovalURL: approval}, nil
}

// CaptureOrder captures an approved wallet order. The caller must require
// status COMPLETED before materializing anything.
func (c *PayPalClient) CaptureOrder(ctx context.Context, orderID string) (*WalletCapture, error) {
	var o paypalOrder
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &o); err != nil {
		return nil, err
	}
	return &WalletCapture{OrderID: o.ID, Status: o.Status}, nil
}

// do performs an authenticated JSON request, refreshing the cached token and
// retrying once when the processor answers 401.
func (c *PayPalClient) do(ctx context.Context, method, path string, body, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, strings.NewReader(string(payload)))
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Wrapf(err, "%s %s", method, path)
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return errors.Wrap(err, "read response")
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			c.invalidateToken(token)
			continue
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := json.Unmarshal(respBody, out); err != nil {
				return errors.Wrap(err, "decode response")
			}
			return nil
		default:
			return &GatewayError{Provider: "paypal", Status: resp.StatusCode, Body: string(respBody)}
		}
	}
}

// accessToken returns the cached token or fetches a new one. Callers racing
// on an expired cache share a single refresh.
func (c *PayPalClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		t := c.token
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *PayPalClient) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch token")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", &GatewayError{Provider: "paypal", Status: resp.StatusCode, Body: string(body)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", errors.Wrap(err, "decode token response")
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	// Refresh a minute early so in-flight requests do not race expiry.
	c.tokenExp = c.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	c.mu.Unlock()

	return tok.AccessToken, nil
}

// invalidateToken drops the cached token if it is still the one that was
// rejected.
func (c *PayPalClient) invalidateToken(rejected string) {
	c.mu.Lock()
	if c.token == rejected {
		c.token = ""
	}
	c.mu.Unlock()
}

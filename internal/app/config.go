package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Config holds the complete application configuration, loadable from
// environment variables (FITKART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (FITKART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`

	Currency     string `default:"usd" usage:"Settlement currency code"`
	ShippingFee  string `default:"150.00" usage:"Flat shipping fee below the free-shipping threshold" flag:"shipping-fee"`
	PointDivisor int64  `default:"5" usage:"Currency units per loyalty point" flag:"point-divisor"`

	SuccessURL string `default:"https://shop.fitkart.io/checkout/success" usage:"Redirect checkout success URL" flag:"success-url"`
	CancelURL  string `default:"https://shop.fitkart.io/checkout/cancel" usage:"Redirect checkout cancel URL" flag:"cancel-url"`

	SubscriptionPrice string `default:"500.00" usage:"Monthly subscription price" flag:"subscription-price"`

	Stripe    StripeConfig
	PayPal    PayPalConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// StripeConfig holds the card processor credentials.
type StripeConfig struct {
	SecretKey     string        `usage:"Card processor secret key" flag:"stripe-secret-key"`
	WebhookSecret string        `usage:"Card processor webhook signing secret" flag:"stripe-webhook-secret"`
	BaseURL       string        `default:"" usage:"Card processor API base URL override" flag:"stripe-base-url"`
	Tolerance     time.Duration `default:"5m" usage:"Webhook signature timestamp tolerance" flag:"stripe-tolerance"`
}

// PayPalConfig holds the wallet processor credentials.
type PayPalConfig struct {
	ClientID string `usage:"Wallet processor client id" flag:"paypal-client-id"`
	Secret   string `usage:"Wallet processor client secret" flag:"paypal-secret"`
	BaseURL  string `default:"" usage:"Wallet processor API base URL override" flag:"paypal-base-url"`
}

// AuthConfig points at the identity provider's signing keys.
type AuthConfig struct {
	JWKSURL string `usage:"JWKS endpoint of the identity provider" flag:"jwks-url"`
	Issuer  string `default:"" usage:"Expected token issuer" flag:"auth-issuer"`
}

// SchedulerConfig controls the daily maintenance pass.
type SchedulerConfig struct {
	TickAt time.Duration `default:"3h" usage:"UTC time of day for the daily pass, as offset from midnight" flag:"tick-at"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "FITKART",
		Files:     []string{"config.yaml", "/etc/fitkart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set FITKART_DATABASE_URL or DATABASE_URL")
	}
	if _, err := decimal.NewFromString(cfg.ShippingFee); err != nil {
		return nil, errors.Wrap(err, "parse shipping fee")
	}
	if _, err := decimal.NewFromString(cfg.SubscriptionPrice); err != nil {
		return nil, errors.Wrap(err, "parse subscription price")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's FITKART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

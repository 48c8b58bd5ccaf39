// Package jwks verifies RS256 bearer tokens against a remote JWKS document.
// Keys are cached and refreshed lazily; an unknown key id forces one refresh
// before the token is rejected.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrTokenInvalid is returned for any token that fails verification.
var ErrTokenInvalid = errors.New("token invalid")

// DefaultTTL is how long a fetched key set stays fresh.
const DefaultTTL = time.Hour

// Config configures the verifier.
type Config struct {
	// URL is the JWKS document endpoint.
	URL string
	// Issuer, when set, must match the token's iss claim.
	Issuer string
	// TTL overrides DefaultTTL.
	TTL time.Duration
	// Timeout bounds one fetch.
	Timeout time.Duration
}

// Verifier validates RS256 tokens against the cached key set.
type Verifier struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time

	sf singleflight.Group
}

// New creates a Verifier. Zero config fields get defaults.
func New(cfg Config) *Verifier {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Verifier{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
		keys: make(map[string]*rsa.PublicKey),
	}
}

// Claims is the subset of token claims the platform consumes. Subject is the
// external identity the users table maps onto.
type Claims struct {
	Subject string
	Email   string
	Role    string
}

// Verify parses and validates a compact RS256 token and returns its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return v.key(ctx, kid)
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrTokenInvalid
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)
	return &Claims{Subject: sub, Email: email, Role: role}, nil
}

// key returns the public key for the kid, refreshing the cached set when it
// is stale or the kid is unknown.
func (v *Verifier) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	k, ok := v.keys[kid]
	fresh := v.now().Sub(v.fetched) < v.cfg.TTL
	v.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}

	if _, err, _ := v.sf.Do("refresh", func() (any, error) {
		return nil, v.refresh(ctx)
	}); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok = v.keys[kid]
	if !ok {
		return nil, errors.Errorf("no key with id %q", kid)
	}
	return k, nil
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(err, "build jwks request")
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch jwks")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("jwks endpoint answered %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read jwks")
	}

	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return errors.Wrap(err, "decode jwks")
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			return errors.Wrapf(err, "parse key %q", k.Kid)
		}
		keys[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.fetched = v.now()
	v.mu.Unlock()
	return nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, errors.Wrap(err, "decode modulus")
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, errors.Wrap(err, "decode exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}

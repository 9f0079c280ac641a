package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultMaxCachedKeys = 16
	DefaultJWKSTTL       = 10 * time.Minute

	// DefaultMinRefreshInterval bounds how often cache misses may refetch the set.
	DefaultMinRefreshInterval = 30 * time.Second
)

// jwk is one RSA entry of a JSON Web Key Set.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// KeySet resolves signing keys by kid from a JWKS endpoint, caching them in
// a bounded LRU whose entries expire after a TTL.
type KeySet struct {
	url        string
	httpClient *http.Client
	cache      *expirable.LRU[string, *rsa.PublicKey]
	logger     *slog.Logger

	minRefresh time.Duration
	now        func() time.Time

	// fetchMu serializes refreshes so concurrent misses share one fetch.
	// It guards lastFetch and lastErr.
	fetchMu   sync.Mutex
	lastFetch time.Time
	lastErr   error
}

// KeySetOption configures a KeySet.
type KeySetOption func(*KeySet)

// WithKeySetHTTPClient overrides the HTTP client used to fetch the key set.
func WithKeySetHTTPClient(c *http.Client) KeySetOption {
	return func(k *KeySet) {
		k.httpClient = c
	}
}

// WithMinRefreshInterval sets the minimum time between two fetches of the
// set. Unknown kids seen in between fail without a fetch.
func WithMinRefreshInterval(d time.Duration) KeySetOption {
	return func(k *KeySet) {
		k.minRefresh = d
	}
}

// NewKeySet creates a KeySet for url. Non-positive limits use the defaults.
func NewKeySet(url string, maxKeys int, ttl time.Duration, logger *slog.Logger, opts ...KeySetOption) *KeySet {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxCachedKeys
	}
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &KeySet{
		url: url,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		cache:      expirable.NewLRU[string, *rsa.PublicKey](maxKeys, nil, ttl),
		logger:     logger,
		minRefresh: DefaultMinRefreshInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Key returns the public key for kid, refreshing the set on a cache miss
// unless the previous fetch was less than the minimum refresh interval ago.
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := k.cache.Get(kid); ok {
		return key, nil
	}

	k.fetchMu.Lock()
	defer k.fetchMu.Unlock()

	if key, ok := k.cache.Get(kid); ok {
		return key, nil
	}

	now := k.now()
	if !k.lastFetch.IsZero() && now.Sub(k.lastFetch) < k.minRefresh {
		if k.lastErr != nil {
			return nil, k.lastErr
		}
		return nil, fmt.Errorf("no signing key with kid %q", kid)
	}

	k.lastFetch = now
	k.lastErr = k.refresh(ctx)
	if k.lastErr != nil {
		return nil, k.lastErr
	}
	if key, ok := k.cache.Get(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("no signing key with kid %q", kid)
}

func (k *KeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch JWKS: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read JWKS: %w", err)
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	loaded := 0
	for _, key := range set.Keys {
		if key.Kty != "RSA" || key.Kid == "" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		pub, err := key.rsaPublicKey()
		if err != nil {
			k.logger.Warn("skipping malformed JWK", slog.String("kid", key.Kid), slog.String("error", err.Error()))
			continue
		}
		k.cache.Add(key.Kid, pub)
		loaded++
	}
	k.logger.Debug("refreshed JWKS", slog.String("url", k.url), slog.Int("keys", loaded))
	return nil
}

func (j jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("invalid RSA parameters")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

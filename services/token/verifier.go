package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/tenant-auth/services"
)

// ErrJWKSFetchFailed is returned when the key set cannot be downloaded
var ErrJWKSFetchFailed = errors.New("failed to fetch JWKS")

// VerifierConfig holds configuration for a Verifier
type VerifierConfig struct {
	Issuer   string
	Audience string
	// JWKSURL is polled for keys when set. Otherwise only the static set is used.
	JWKSURL     string
	CacheTTL    time.Duration
	HTTPTimeout time.Duration
}

// Verifier checks access tokens with nothing but the public keys. It does
// not see revocations; services that need them call the Authority.
type Verifier struct {
	issuer     string
	audience   string
	jwksURL    string
	httpClient *http.Client
	now        func() time.Time

	jwksCache    *JWKS
	jwksCacheExp time.Time
	jwksCacheTTL time.Duration
	cacheMu      sync.RWMutex

	keyCache   map[string]*rsa.PublicKey
	keyCacheMu sync.RWMutex
}

// NewVerifierFromJWKS creates a Verifier trusting the keys in set
func NewVerifierFromJWKS(set JWKS, cfg VerifierConfig) (*Verifier, error) {
	v := newVerifier(cfg)
	for _, k := range set.Keys {
		pub, err := k.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		v.keyCache[k.Kid] = pub
	}
	if len(v.keyCache) == 0 && v.jwksURL == "" {
		return nil, errors.New("no verification keys")
	}
	return v, nil
}

// NewRemoteVerifier creates a Verifier that downloads keys from cfg.JWKSURL
func NewRemoteVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("jwks url is required")
	}
	return newVerifier(cfg), nil
}

func newVerifier(cfg VerifierConfig) *Verifier {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 1 * time.Hour
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Verifier{
		issuer:       cfg.Issuer,
		audience:     cfg.Audience,
		jwksURL:      cfg.JWKSURL,
		jwksCacheTTL: cfg.CacheTTL,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		keyCache:     make(map[string]*rsa.PublicKey),
		now:          time.Now,
	}
}

// WithClock replaces the time source, for tests
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify validates signature, expiry, issuer and audience
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		publicKey, err := v.getPublicKey(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("failed to get public key: %w", err)
		}
		return publicKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, services.ErrTokenExpired
		}
		return nil, services.ErrTokenInvalid.Wrap(err)
	}

	if claims.TokenUse != useAccess {
		return nil, services.ErrTokenInvalid
	}
	if _, err := claims.Tenant(); err != nil {
		return nil, services.ErrTokenInvalid.Wrap(err)
	}
	return claims, nil
}

// FetchJWKS downloads the key set, serving it from cache while fresh
func (v *Verifier) FetchJWKS(ctx context.Context) (*JWKS, error) {
	v.cacheMu.RLock()
	if v.jwksCache != nil && v.now().Before(v.jwksCacheExp) {
		defer v.cacheMu.RUnlock()
		return v.jwksCache, nil
	}
	v.cacheMu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status code %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	v.cacheMu.Lock()
	v.jwksCache = &jwks
	v.jwksCacheExp = v.now().Add(v.jwksCacheTTL)
	v.cacheMu.Unlock()

	return &jwks, nil
}

func (v *Verifier) getPublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.keyCacheMu.RLock()
	if key, exists := v.keyCache[kid]; exists {
		v.keyCacheMu.RUnlock()
		return key, nil
	}
	v.keyCacheMu.RUnlock()

	if v.jwksURL == "" {
		return nil, fmt.Errorf("key with kid %s not trusted", kid)
	}

	jwks, err := v.FetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	jwk, ok := jwks.Key(kid)
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found in JWKS", kid)
	}
	publicKey, err := jwk.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to convert JWK to RSA public key: %w", err)
	}

	v.keyCacheMu.Lock()
	v.keyCache[kid] = publicKey
	v.keyCacheMu.Unlock()

	return publicKey, nil
}

// InvalidateCache forgets downloaded keys. Static keys are kept only when
// no URL is configured.
func (v *Verifier) InvalidateCache() {
	if v.jwksURL == "" {
		return
	}
	v.cacheMu.Lock()
	v.jwksCache = nil
	v.jwksCacheExp = time.Time{}
	v.cacheMu.Unlock()

	v.keyCacheMu.Lock()
	v.keyCache = make(map[string]*rsa.PublicKey)
	v.keyCacheMu.Unlock()
}

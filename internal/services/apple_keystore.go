package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/fredylg/ReefBuddy-sub000/pkg/logging"
)

// appleJWKSURL is the endpoint for Apple's public signing keys
const appleJWKSURL = "https://appleid.apple.com/auth/keys"

// appleJWK is one raw key from the JWKS response
type appleJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// appleKeySet holds the parsed EC keys from one JWKS fetch
type appleKeySet struct {
	keys      map[string]*ecdsa.PublicKey
	fetchedAt time.Time
}

// AppleKeyStore fetches and caches Apple's JWKS.
// The cache is refreshed after the TTL expires; if a refresh fetch fails
// the previous (stale) key set keeps serving, trading freshness for
// availability during an Apple outage. Only a cold start with no cached
// keys propagates the fetch error.
type AppleKeyStore struct {
	jwksURL    string
	httpClient *http.Client
	cacheTTL   time.Duration
	now        func() time.Time

	mutex   sync.RWMutex
	current *appleKeySet
}

// NewAppleKeyStore creates a new key store. A zero cacheTTL defaults to
// one hour.
func NewAppleKeyStore(jwksURL string, cacheTTL time.Duration) *AppleKeyStore {
	if jwksURL == "" {
		jwksURL = appleJWKSURL
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &AppleKeyStore{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// GetKeyByKid returns the cached public key for the given key ID
func (s *AppleKeyStore) GetKeyByKid(ctx context.Context, kid string) (*ecdsa.PublicKey, error) {
	set, err := s.getKeySet(ctx)
	if err != nil {
		return nil, err
	}

	key, ok := set.keys[kid]
	if !ok {
		return nil, NewVerificationError(CodeKeyNotFound, "no Apple signing key for kid %q", kid)
	}
	return key, nil
}

// getKeySet returns the cached key set, refreshing it when the TTL has expired
func (s *AppleKeyStore) getKeySet(ctx context.Context) (*appleKeySet, error) {
	s.mutex.RLock()
	cached := s.current
	s.mutex.RUnlock()

	if cached != nil && s.now().Sub(cached.fetchedAt) < s.cacheTTL {
		return cached, nil
	}

	fresh, err := s.fetchKeySet(ctx)
	if err != nil {
		if cached != nil {
			// Keep serving the stale set rather than failing every
			// verification during an Apple outage.
			logging.Warnf("JWKS refresh failed, serving stale key set from %v: %v", cached.fetchedAt, err)
			return cached, nil
		}
		return nil, fmt.Errorf("failed to fetch Apple JWKS: %w", err)
	}

	s.mutex.Lock()
	s.current = fresh
	s.mutex.Unlock()

	logging.Infof("Apple JWKS refreshed, %d keys cached", len(fresh.keys))
	return fresh, nil
}

// fetchKeySet fetches and parses the JWKS endpoint
func (s *AppleKeyStore) fetchKeySet(ctx context.Context) (*appleKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JWKS request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	return s.parseKeySet(body)
}

// parseKeySet parses JWKS JSON into EC public keys, keyed by kid.
// Non-EC keys (Apple also publishes RSA keys for Sign in with Apple)
// are skipped; StoreKit transactions are always ES256.
func (s *AppleKeyStore) parseKeySet(data []byte) (*appleKeySet, error) {
	var raw struct {
		Keys []appleJWK `json:"keys"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS JSON: %w", err)
	}

	keys := make(map[string]*ecdsa.PublicKey)
	for _, jwk := range raw.Keys {
		if jwk.Kty != "EC" || jwk.Crv != "P-256" {
			continue
		}
		key, err := parseECKey(jwk.X, jwk.Y)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JWK %q: %w", jwk.Kid, err)
		}
		keys[jwk.Kid] = key
	}

	return &appleKeySet{keys: keys, fetchedAt: s.now()}, nil
}

// parseECKey builds a P-256 public key from base64url x/y coordinates
func parseECKey(xB64, yB64 string) (*ecdsa.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, fmt.Errorf("invalid x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, fmt.Errorf("invalid y coordinate: %w", err)
	}

	key := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, fmt.Errorf("point is not on P-256")
	}
	return key, nil
}

package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/attendite/ieim/internal/ieimerrors"
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// JWKSCache fetches an OIDC provider's JSON Web Key Set and caches it for
// TTL, so key rotation is picked up on a refresh rather than requiring a
// restart (§4.N).
type JWKSCache struct {
	URL        string
	TTL        time.Duration
	HTTPClient *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewJWKSCache(url string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{URL: url, TTL: ttl, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

func (c *JWKSCache) refreshLocked() error {
	resp, err := c.HTTPClient.Get(c.URL)
	if err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "auth: fetch jwks", err)
	}
	defer resp.Body.Close()

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return ieimerrors.Wrap(ieimerrors.KindAdapterUnavailable, "auth: decode jwks", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// Key returns the RSA public key for kid, refreshing the cached set first if
// it is empty or stale.
func (c *JWKSCache) Key(kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keys == nil || time.Since(c.fetchedAt) > c.TTL {
		if err := c.refreshLocked(); err != nil && c.keys == nil {
			return nil, err
		}
	}
	key, ok := c.keys[kid]
	if !ok {
		if err := c.refreshLocked(); err != nil {
			return nil, err
		}
		if key, ok = c.keys[kid]; !ok {
			return nil, ieimerrors.New(ieimerrors.KindUnauthenticated, "auth: unknown jwks kid")
		}
	}
	return key, nil
}

// Keyfunc adapts the cache to golang-jwt's jwt.Keyfunc contract.
func (c *JWKSCache) Keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, ieimerrors.New(ieimerrors.KindUnauthenticated, "auth: token header missing kid")
	}
	return c.Key(kid)
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

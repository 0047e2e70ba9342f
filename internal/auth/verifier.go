package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/neuroclass/ncc/internal/config"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// jwk is one RSA entry of a JSON Web Key Set.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwksEntry struct {
	key       *rsa.PublicKey
	fetchedAt time.Time
}

// Verifier checks RS256 (PEM or JWKS) and HS256 tokens.
type Verifier struct {
	config     config.AuthConfig
	publicKey  *rsa.PublicKey
	httpClient *http.Client

	mu        sync.RWMutex
	jwksCache map[string]jwksEntry
	lastFetch time.Time

	// fetchMu serializes JWKS refreshes; it is never held with mu.
	fetchMu sync.Mutex
}

// NewVerifier creates a verifier from authConfig. A JWKS URL is fetched once
// up front so misconfiguration fails at startup.
func NewVerifier(authConfig config.AuthConfig) (*Verifier, error) {
	v := &Verifier{
		config:     authConfig,
		jwksCache:  make(map[string]jwksEntry),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	switch authConfig.Algorithm {
	case "RS256":
		if authConfig.PublicKeyPEM == "" && authConfig.JWKSURL == "" {
			return nil, fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
		if authConfig.PublicKeyPEM != "" {
			key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(authConfig.PublicKeyPEM))
			if err != nil {
				return nil, fmt.Errorf("failed to load public key from PEM: %w", err)
			}
			v.publicKey = key
		}
		if authConfig.JWKSURL != "" {
			if err := v.fetchJWKS(); err != nil {
				return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
			}
		}
	case "HS256":
		if authConfig.SecretKey == "" {
			return nil, fmt.Errorf("HS256 requires secret key")
		}
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", authConfig.Algorithm)
	}

	return v, nil
}

// VerifyToken verifies a token and returns its claims. All failures wrap
// ErrInvalidToken.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, v.keyFunc,
		jwt.WithValidMethods([]string{v.config.Algorithm}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	out, err := extractClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return out, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	switch v.config.Algorithm {
	case "HS256":
		return []byte(v.config.SecretKey), nil
	case "RS256":
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			if v.publicKey == nil {
				return nil, fmt.Errorf("no public key available")
			}
			return v.publicKey, nil
		}
		return v.getKeyFromJWKS(kid)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", v.config.Algorithm)
	}
}

func extractClaims(claims jwt.MapClaims) (*Claims, error) {
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("missing or invalid 'sub' claim")
	}

	roles, err := stringSlice(claims, "roles", true)
	if err != nil {
		return nil, err
	}
	scopes, err := stringSlice(claims, "scopes", true)
	if err != nil {
		return nil, err
	}
	sessions, err := stringSlice(claims, "sessions", false)
	if err != nil {
		return nil, err
	}

	if !allKnown(roles, knownRoles) {
		return nil, fmt.Errorf("invalid roles: %v", roles)
	}
	if !allKnown(scopes, knownScopes) {
		return nil, fmt.Errorf("invalid scopes: %v", scopes)
	}

	return &Claims{
		Subject:  sub,
		Roles:    roles,
		Scopes:   scopes,
		Sessions: sessions,
	}, nil
}

func stringSlice(claims jwt.MapClaims, key string, required bool) ([]string, error) {
	value, ok := claims[key]
	if !ok {
		if required {
			return nil, fmt.Errorf("missing claim: %s", key)
		}
		return nil, nil
	}

	switch val := value.(type) {
	case []string:
		return val, nil
	case []interface{}:
		result := make([]string, len(val))
		for i, item := range val {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid %s claim: not a string", key)
			}
			result[i] = str
		}
		return result, nil
	default:
		return nil, fmt.Errorf("invalid %s claim: not a string array", key)
	}
}

var (
	knownRoles  = []string{RoleDevice, RoleTeacher, RoleObserver}
	knownScopes = []string{ScopePublish, ScopeSubscribe, ScopeReports, ScopeManage}
)

// allKnown reports whether values is non-empty and every entry is in known.
func allKnown(values, known []string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if !slices.Contains(known, v) {
			return false
		}
	}
	return true
}

// fetchJWKS downloads the key set and replaces the cached RS256 signing keys.
func (v *Verifier) fetchJWKS() error {
	if v.config.JWKSURL == "" {
		return fmt.Errorf("JWKS URL not configured")
	}

	resp, err := v.httpClient.Get(v.config.JWKSURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks jwkSet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	now := time.Now()
	keys := make(map[string]jwksEntry, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" || key.Use != "sig" || key.Alg != "RS256" {
			continue
		}
		pubKey, err := jwkToRSAPublicKey(key)
		if err != nil {
			continue
		}
		keys[key.Kid] = jwksEntry{key: pubKey, fetchedAt: now}
	}

	v.mu.Lock()
	v.jwksCache = keys
	v.lastFetch = now
	v.mu.Unlock()
	return nil
}

func (v *Verifier) cachedKey(kid string) (*rsa.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	entry, ok := v.jwksCache[kid]
	if !ok || time.Since(entry.fetchedAt) >= v.config.JWKSCacheTimeout {
		return nil, false
	}
	return entry.key, true
}

func (v *Verifier) refreshDue() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Since(v.lastFetch) > v.config.JWKSRefreshInterval
}

// getKeyFromJWKS returns a cached key, refreshing the set at most once per
// refresh interval when the key is unknown or expired.
func (v *Verifier) getKeyFromJWKS(kid string) (*rsa.PublicKey, error) {
	if key, ok := v.cachedKey(kid); ok {
		return key, nil
	}

	v.fetchMu.Lock()
	if v.refreshDue() {
		if err := v.fetchJWKS(); err != nil {
			v.fetchMu.Unlock()
			return nil, fmt.Errorf("failed to refresh JWKS: %w", err)
		}
	}
	v.fetchMu.Unlock()

	if key, ok := v.cachedKey(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("key not found: %s", kid)
}

// jwkToRSAPublicKey decodes the unpadded base64url modulus and exponent.
func jwkToRSAPublicKey(k jwk) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 || len(e) > 4 {
		return nil, fmt.Errorf("malformed RSA key")
	}

	var exp int
	for _, b := range e {
		exp = exp<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: exp,
	}, nil
}

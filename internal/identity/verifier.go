// Package identity verifies session tokens issued by the external identity
// provider. The service never creates sessions itself; it only checks that a
// presented bearer token is a valid, unexpired provider JWT.
package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds identity-provider verification settings. HMACSecret enables
// HS256 tokens (local/dev issuance), JWKSURL enables provider-signed RS256
// tokens. At least one must be set for Verify to succeed.
type Config struct {
	HMACSecret string
	JWKSURL    string
	Issuer     string
	Audience   string
}

// SessionClaims represents the claims in a provider session JWT.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Session is the verified identity attached to a request.
type Session struct {
	UserID string
	Email  string
}

var (
	ErrNotConfigured = errors.New("identity: verification not configured")
	ErrInvalidToken  = errors.New("identity: invalid token")
)

// Verifier validates session JWTs. RS256 public keys are fetched from the
// provider's JWKS endpoint and cached.
type Verifier struct {
	cfg        Config
	httpClient *http.Client

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify checks the token signature and registered claims and returns the
// session it represents.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Session, error) {
	if v.cfg.HMACSecret == "" && v.cfg.JWKSURL == "" {
		return nil, ErrNotConfigured
	}

	// Inspect the header to pick the verification path.
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, &SessionClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "malformed token")
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	claims := &SessionClaims{}
	var keyFunc jwt.Keyfunc
	switch unverified.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if v.cfg.HMACSecret == "" {
			return nil, ErrInvalidToken
		}
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(v.cfg.HMACSecret), nil
		}
	case *jwt.SigningMethodRSA:
		if v.cfg.JWKSURL == "" {
			return nil, ErrInvalidToken
		}
		kid, ok := unverified.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidToken, "missing key id")
		}
		pubKey, err := v.publicKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return pubKey, nil
		}
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, keyFunc, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.cfg.Audience != "" {
		aud, _ := claims.GetAudience()
		found := false
		for _, a := range aud {
			if a == v.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: invalid audience", ErrInvalidToken)
		}
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Session{UserID: claims.Subject, Email: claims.Email}, nil
}

// TokenFromHeader extracts a bearer token from an Authorization header value.
func TokenFromHeader(header string) (string, bool) {
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token, token != ""
}

// publicKey returns the cached JWKS key for kid, refreshing the cache when
// missing or expired.
func (v *Verifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	if time.Now().Before(v.expires) {
		if key, ok := v.keys[kid]; ok {
			v.mu.RUnlock()
			return key, nil
		}
	}
	v.mu.RUnlock()

	keys, err := v.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.keys = keys
	v.expires = time.Now().Add(1 * time.Hour)
	v.mu.Unlock()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("identity: key %s not found in JWKS", kid)
	}
	return key, nil
}

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (v *Verifier) fetchJWKS(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build JWKS request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: JWKS request failed with status %d", resp.StatusCode)
	}

	var jwks jwksResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("identity: decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey)
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pubKey, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys[key.Kid] = pubKey
	}

	if len(keys) == 0 {
		return nil, errors.New("identity: no valid RSA keys found in JWKS")
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key components from base64url-encoded strings.
func parseRSAPublicKey(nStr, eStr string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

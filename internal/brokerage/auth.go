// auth.go mints the short-lived ES256 JWTs the brokerage API requires.
//
// Each request carries a bearer token scoped to its method+path with a
// 2-minute lifetime, signed by the configured EC private key. The key name
// travels in the "kid" header so the venue can select the matching public
// key.
package brokerage

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Auth signs per-request JWTs for the brokerage API.
type Auth struct {
	keyName string
	key     *ecdsa.PrivateKey
}

// NewAuth parses the PEM-encoded EC private key. An empty key is allowed —
// Token then returns an error and callers are expected to be running
// against the fake client instead.
func NewAuth(keyName, privateKeyPEM string) (*Auth, error) {
	a := &Auth{keyName: keyName}
	if privateKeyPEM == "" {
		return a, nil
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse brokerage private key: %w", err)
	}
	a.key = key
	return a, nil
}

// Configured reports whether a signing key is present.
func (a *Auth) Configured() bool { return a.key != nil }

// Token mints a JWT bound to one request. The uri claim pins the token to
// method and path, preventing replay against other endpoints.
func (a *Auth) Token(method, path string) (string, error) {
	if a.key == nil {
		return "", fmt.Errorf("brokerage key not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": a.keyName,
		"iss": "coinwarden",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": fmt.Sprintf("%s %s", method, path),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = a.keyName
	return tok.SignedString(a.key)
}

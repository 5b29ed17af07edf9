package brokerage

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func testKeyPEM(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return string(block), key
}

func TestNewAuthEmptyKeyIsAllowed(t *testing.T) {
	t.Parallel()

	a, err := NewAuth("key-1", "")
	if err != nil {
		t.Fatalf("NewAuth() error: %v", err)
	}
	if a.Configured() {
		t.Error("Configured() = true without a key")
	}
	if _, err := a.Token("GET", "/accounts"); err == nil {
		t.Error("Token() should fail without a key")
	}
}

func TestNewAuthRejectsGarbageKey(t *testing.T) {
	t.Parallel()

	if _, err := NewAuth("key-1", "not a pem"); err == nil {
		t.Error("NewAuth() should reject an unparseable key")
	}
}

func TestTokenClaims(t *testing.T) {
	t.Parallel()

	pemKey, key := testKeyPEM(t)
	a, err := NewAuth("key-1", pemKey)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Configured() {
		t.Fatal("Configured() = false with a valid key")
	}

	raw, err := a.Token("POST", "/orders")
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("parse signed token: %v", err)
	}
	if !tok.Valid {
		t.Fatal("token should verify against the signing key")
	}

	if got := claims["uri"]; got != "POST /orders" {
		t.Errorf("uri claim = %v, want POST /orders", got)
	}
	if got := claims["sub"]; got != "key-1" {
		t.Errorf("sub claim = %v, want key-1", got)
	}
	if got := tok.Header["kid"]; got != "key-1" {
		t.Errorf("kid header = %v, want key-1", got)
	}
	if _, ok := claims["exp"]; !ok {
		t.Error("exp claim missing")
	}
}

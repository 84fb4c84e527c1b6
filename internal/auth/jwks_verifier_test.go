package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lectern/transcriber/internal/config"
)

const testIssuer = "https://id.example"

func newTestVerifier(t *testing.T, audience, role string) (*JWKSVerifier, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	set := map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": "k1",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	raw, _ := json.Marshal(set)
	keys, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	return &JWKSVerifier{keys: keys, issuer: testIssuer, audience: audience, role: role, stop: func() {}}, key
}

func sign(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func operatorClaims(roles ...string) Claims {
	return Claims{
		UserID: "op-7",
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-7",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{"transcriber"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestJWKSVerifier_AcceptsOperatorToken(t *testing.T) {
	v, key := newTestVerifier(t, "transcriber", "operator")
	claims, err := v.Validate(sign(t, key, operatorClaims("viewer", "operator")))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "op-7" {
		t.Errorf("user %q", claims.UserID)
	}
}

func TestJWKSVerifier_Rejects(t *testing.T) {
	v, key := newTestVerifier(t, "transcriber", "operator")

	noRole := operatorClaims("viewer")
	if _, err := v.Validate(sign(t, key, noRole)); !errors.Is(err, ErrMissingRole) {
		t.Errorf("missing role: %v", err)
	}

	wrongAud := operatorClaims("operator")
	wrongAud.Audience = jwt.ClaimStrings{"other"}
	if _, err := v.Validate(sign(t, key, wrongAud)); err == nil {
		t.Error("accepted foreign audience")
	}

	wrongIssuer := operatorClaims("operator")
	wrongIssuer.Issuer = "https://evil.example"
	if _, err := v.Validate(sign(t, key, wrongIssuer)); err == nil {
		t.Error("accepted foreign issuer")
	}

	noExpiry := operatorClaims("operator")
	noExpiry.ExpiresAt = nil
	if _, err := v.Validate(sign(t, key, noExpiry)); err == nil {
		t.Error("accepted token without expiry")
	}

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	if _, err := v.Validate(sign(t, other, operatorClaims("operator"))); err == nil {
		t.Error("accepted token signed by unknown key")
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]string{"jwks_uri": "https://id.example/keys"})
		case "/empty/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]string{})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	got, err := discoverJWKSURL(srv.Client(), srv.URL+"/good")
	if err != nil || got != "https://id.example/keys" {
		t.Errorf("good: %q %v", got, err)
	}
	if _, err := discoverJWKSURL(srv.Client(), srv.URL+"/empty"); err == nil {
		t.Error("expected error for missing jwks_uri")
	}
	if _, err := discoverJWKSURL(srv.Client(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestNewJWKSVerifier_RequiresIssuer(t *testing.T) {
	if _, err := NewJWKSVerifier(&config.OIDCConfig{}, nil); err == nil {
		t.Fatal("expected error without issuer")
	}
}

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestLegacyToken_RoundTrip(t *testing.T) {
	tok, err := IssueLegacyToken("op-1", "op@example.com", "secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateLegacyToken(tok, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != "op-1" || claims.Email != "op@example.com" || claims.Issuer != legacyIssuer {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestLegacyToken_RejectsWrongSecret(t *testing.T) {
	tok, _ := IssueLegacyToken("op-1", "", "secret", time.Hour)
	if _, err := ValidateLegacyToken(tok, "other"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestLegacyToken_RejectsExpired(t *testing.T) {
	claims := LegacyClaims{
		UserID: "op-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if _, err := ValidateLegacyToken(tok, "secret"); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestLegacyToken_RejectsNoneAlgorithm(t *testing.T) {
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodNone, LegacyClaims{UserID: "op-1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := ValidateLegacyToken(tok, "secret"); err == nil {
		t.Fatal("unsigned token accepted")
	}
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lectern/transcriber/internal/config"
)

var ErrMissingRole = errors.New("token lacks the operator role")

// TokenVerifier checks operator tokens
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the OIDC claims the API reads
type Claims struct {
	UserID string   `json:"sub"`
	Email  string   `json:"email,omitempty"`
	Name   string   `json:"name,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier validates tokens against the issuer's published keys
type JWKSVerifier struct {
	keys     keyfunc.Keyfunc
	issuer   string
	audience string
	role     string
	stop     context.CancelFunc
}

// NewJWKSVerifier resolves the issuer's key set and keeps it refreshed in
// the background until Close.
func NewJWKSVerifier(cfg *config.OIDCConfig, httpClient *http.Client) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		var err error
		if jwksURL, err = discoverJWKSURL(httpClient, issuer); err != nil {
			return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to load JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: cfg.ClientID,
		role:     cfg.RequiredRole,
		stop:     stop,
	}, nil
}

func discoverJWKSURL(httpClient *http.Client, issuer string) (string, error) {
	resp, err := httpClient.Get(issuer + "/.well-known/openid-configuration")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("bad discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// Validate checks signature, issuer, expiry and, when configured, the
// audience and operator role.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keys.Keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if v.role != "" && !slices.Contains(claims.Roles, v.role) {
		return nil, ErrMissingRole
	}
	return &claims, nil
}

// Close stops the background key refresh
func (v *JWKSVerifier) Close() error {
	v.stop()
	return nil
}

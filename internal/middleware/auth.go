package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/lectern/transcriber/internal/auth"
	"github.com/lectern/transcriber/pkg/response"
)

// Identity headers exchanged with a ForwardAuth gateway
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

var errAuthNotConfigured = errors.New("authentication not configured")

// AuthMiddleware authenticates operators with an OIDC verifier, an HMAC
// secret, or both. The verifier is tried first.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

// NewAuthMiddleware accepts a nil verifier or an empty secret, not both
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

type identity struct {
	userID string
	email  string
	name   string
}

// identify resolves a bearer token to an operator. A verified token that
// lacks the operator role is final; the legacy secret is not tried for it.
func (m *AuthMiddleware) identify(token string) (identity, error) {
	if m.verifier == nil && m.jwtSecret == "" {
		return identity{}, errAuthNotConfigured
	}
	if m.verifier != nil {
		claims, err := m.verifier.Validate(token)
		if err == nil {
			return identity{userID: claims.UserID, email: claims.Email, name: claims.Name}, nil
		}
		if m.jwtSecret == "" || errors.Is(err, auth.ErrMissingRole) {
			return identity{}, err
		}
	}
	claims, err := auth.ValidateLegacyToken(token, m.jwtSecret)
	if err != nil {
		return identity{}, err
	}
	return identity{userID: claims.UserID, email: claims.Email}, nil
}

// Authenticate validates the bearer token of the request
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}

		id, err := m.identify(token)
		switch {
		case err == nil:
			setIdentity(c, id.userID, id.email, id.name)
			return c.Next()
		case errors.Is(err, auth.ErrMissingRole):
			return response.Forbidden(c, "Operator role required")
		case errors.Is(err, errAuthNotConfigured):
			return response.Unauthorized(c, "Authentication not configured")
		default:
			return response.Unauthorized(c, "Invalid or expired token")
		}
	}
}

// Verify answers ForwardAuth checks: 200 with the identity headers the
// gateway forwards upstream, otherwise a bare 401 or 403.
func (m *AuthMiddleware) Verify() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearerToken(c)
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		id, err := m.identify(token)
		if errors.Is(err, auth.ErrMissingRole) {
			return c.SendStatus(fiber.StatusForbidden)
		}
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		c.Set(HeaderUserID, id.userID)
		c.Set(HeaderUserEmail, id.email)
		if id.name != "" {
			c.Set(HeaderUserName, id.name)
		}
		return c.SendStatus(fiber.StatusOK)
	}
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	parts := strings.SplitN(c.Get(fiber.HeaderAuthorization), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setIdentity(c *fiber.Ctx, userID, email, name string) {
	c.Locals("userId", userID)
	c.Locals("email", email)
	c.Locals("name", name)
}

// GetUserID returns the authenticated operator id, or ""
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

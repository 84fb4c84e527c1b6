package middleware

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lectern/transcriber/internal/auth"
	"github.com/lectern/transcriber/internal/logging"
)

type stubVerifier struct {
	claims *auth.Claims
	err    error
}

func (s stubVerifier) Validate(string) (*auth.Claims, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.claims == nil {
		return nil, errors.New("rejected")
	}
	return s.claims, nil
}

func (stubVerifier) Close() error { return nil }

func whoami(c *fiber.Ctx) error {
	return c.SendString(GetUserID(c))
}

func call(t *testing.T, app *fiber.App, header string) (int, string) {
	t.Helper()
	req := httptest.NewRequest("GET", "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return resp.StatusCode, string(buf[:n])
}

func TestAuthenticate_LegacyToken(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(nil, "secret").Authenticate(), whoami)

	tok, _ := auth.IssueLegacyToken("op-1", "", "secret", time.Hour)
	if code, body := call(t, app, "Bearer "+tok); code != 200 || body != "op-1" {
		t.Errorf("valid token: %d %q", code, body)
	}
	if code, _ := call(t, app, ""); code != fiber.StatusUnauthorized {
		t.Errorf("missing header: %d", code)
	}
	if code, _ := call(t, app, "Token "+tok); code != fiber.StatusUnauthorized {
		t.Errorf("wrong scheme: %d", code)
	}
	bad, _ := auth.IssueLegacyToken("op-1", "", "other", time.Hour)
	if code, _ := call(t, app, "Bearer "+bad); code != fiber.StatusUnauthorized {
		t.Errorf("wrong secret: %d", code)
	}
}

func TestAuthenticate_VerifierFirstThenFallback(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(stubVerifier{claims: &auth.Claims{UserID: "oidc-user"}}, "secret").Authenticate(), whoami)
	if _, body := call(t, app, "Bearer anything"); body != "oidc-user" {
		t.Errorf("expected verifier identity, got %q", body)
	}

	app = fiber.New()
	app.Get("/me", NewAuthMiddleware(stubVerifier{}, "secret").Authenticate(), whoami)
	tok, _ := auth.IssueLegacyToken("op-2", "", "secret", time.Hour)
	if _, body := call(t, app, "Bearer "+tok); body != "op-2" {
		t.Errorf("expected legacy fallback, got %q", body)
	}

	app = fiber.New()
	app.Get("/me", NewAuthMiddleware(stubVerifier{}, "").Authenticate(), whoami)
	if code, _ := call(t, app, "Bearer "+tok); code != fiber.StatusUnauthorized {
		t.Errorf("rejected by verifier without fallback: %d", code)
	}
}

func TestAuthenticate_MissingRoleIsForbidden(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(stubVerifier{err: auth.ErrMissingRole}, "secret").Authenticate(), whoami)

	tok, _ := auth.IssueLegacyToken("op-1", "", "secret", time.Hour)
	if code, _ := call(t, app, "Bearer "+tok); code != fiber.StatusForbidden {
		t.Errorf("verified token without role must not fall back to the secret: %d", code)
	}
}

func TestAuthenticate_NothingConfigured(t *testing.T) {
	app := fiber.New()
	app.Get("/me", NewAuthMiddleware(nil, "").Authenticate(), whoami)
	if code, body := call(t, app, "Bearer anything"); code != fiber.StatusUnauthorized || !strings.Contains(body, "not configured") {
		t.Errorf("got %d %q", code, body)
	}
}

func TestVerify_ForwardsIdentityHeaders(t *testing.T) {
	m := NewAuthMiddleware(stubVerifier{claims: &auth.Claims{UserID: "oidc-user", Email: "op@example.com", Name: "Op"}}, "secret")
	app := fiber.New()
	app.Get("/me", m.Verify())

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 || resp.Header.Get(HeaderUserID) != "oidc-user" || resp.Header.Get(HeaderUserName) != "Op" {
		t.Errorf("valid token: %d %v", resp.StatusCode, resp.Header)
	}

	legacy := NewAuthMiddleware(nil, "secret")
	app = fiber.New()
	app.Get("/me", legacy.Verify())
	tok, _ := auth.IssueLegacyToken("op-1", "op@example.com", "secret", time.Hour)
	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, _ = app.Test(req)
	if resp.StatusCode != 200 || resp.Header.Get(HeaderUserEmail) != "op@example.com" {
		t.Errorf("legacy token: %d %q", resp.StatusCode, resp.Header.Get(HeaderUserEmail))
	}
	if code, body := call(t, app, "Bearer nope"); code != fiber.StatusUnauthorized || body != "Unauthorized" {
		t.Errorf("invalid token: %d %q", code, body)
	}
	if code, _ := call(t, app, ""); code != fiber.StatusUnauthorized {
		t.Errorf("missing header: %d", code)
	}

	app = fiber.New()
	app.Get("/me", NewAuthMiddleware(stubVerifier{err: auth.ErrMissingRole}, "").Verify())
	if code, _ := call(t, app, "Bearer anything"); code != fiber.StatusForbidden {
		t.Errorf("missing role: %d", code)
	}
}

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Get("/me", GatewayAuthMiddleware(), whoami)

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-Id", "gw-user")
	resp, _ := app.Test(req)
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if code, _ := call(t, app, ""); code != fiber.StatusUnauthorized {
		t.Errorf("missing identity: %d", code)
	}
}

func TestRateLimiter_BlocksAfterLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	app := fiber.New()
	app.Get("/me", NewRateLimiter(rdb, logging.Discard()).Limit("test", 2, time.Minute), whoami)

	for i := 0; i < 2; i++ {
		if code, _ := call(t, app, ""); code != 200 {
			t.Fatalf("request %d: %d", i, code)
		}
	}
	req := httptest.NewRequest("GET", "/me", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	app := fiber.New()
	app.Get("/me", NewRateLimiter(rdb, logging.Discard()).Limit("test", 1, time.Minute), whoami)
	for i := 0; i < 3; i++ {
		if code, _ := call(t, app, ""); code != 200 {
			t.Fatalf("request %d blocked while redis is down: %d", i, code)
		}
	}

	app = fiber.New()
	app.Get("/me", NewRateLimiter(nil, logging.Discard()).TriggerLimit(1), whoami)
	for i := 0; i < 3; i++ {
		if code, _ := call(t, app, ""); code != 200 {
			t.Fatalf("nil client must not limit: %d", code)
		}
	}
}

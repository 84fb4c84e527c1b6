package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lectern/transcriber/pkg/response"
)

// GatewayAuthMiddleware trusts the X-User-* headers set by a ForwardAuth
// gateway in front of the service.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(HeaderUserID)
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}
		setIdentity(c, userID, c.Get(HeaderUserEmail), c.Get(HeaderUserName))
		return c.Next()
	}
}

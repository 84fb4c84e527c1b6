package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/pkg/response"
)

// RateLimiter is a fixed-window request counter in Redis. It fails open:
// a Redis error lets the request through.
type RateLimiter struct {
	redis *redis.Client
	log   *logrus.Logger
}

// NewRateLimiter returns a limiter; a nil client disables limiting
func NewRateLimiter(redisClient *redis.Client, log *logrus.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: log}
}

// Limit allows maxRequests per window for each operator, or each client IP
// when the route is unauthenticated.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}
		subject := GetUserID(c)
		if subject == "" {
			subject = c.IP()
		}
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, subject)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.log.WithError(err).WithField("key", key).Warn("rate limiter unavailable, allowing request")
			return c.Next()
		}
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, err := rl.redis.TTL(ctx, key).Result()
			if err != nil || ttl <= 0 {
				ttl = window
			}
			return response.RateLimited(c, ttl)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

// TriggerLimit limits run triggers (start, resubmit) per operator per hour
func (rl *RateLimiter) TriggerLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("trigger", maxPerHour, time.Hour)
}

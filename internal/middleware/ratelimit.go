package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/miyog/engine/pkg/response"
)

// RateLimiter is a per-user fixed window counter in Redis.
type RateLimiter struct {
	redis  *redis.Client
	logger zerolog.Logger
}

func NewRateLimiter(redisClient *redis.Client, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, logger: logger}
}

// Limit creates a rate limiting middleware. A non-positive maxRequests
// disables the limit.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// fail open
			rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit counter unavailable")
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", strconv.Itoa(max(int(ttl.Seconds()), 1)))
			c.Set("X-RateLimit-Remaining", "0")
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

func (rl *RateLimiter) TaskLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("tasks", maxPerHour, time.Hour)
}

func (rl *RateLimiter) ScriptLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("script", maxPerMin, time.Minute)
}

func (rl *RateLimiter) UploadLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("upload", maxPerHour, time.Hour)
}

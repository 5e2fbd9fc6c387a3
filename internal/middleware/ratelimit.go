package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:v1:"

// RateLimit allows at most limit unsafe requests per client IP per window,
// counted in Redis so all instances share the budget. Without Redis, or on
// cache errors, requests pass through.
func RateLimit(cache *redis.Client, limit int, window time.Duration) fiber.Handler {
	if window < time.Second {
		window = time.Minute
	}
	return func(c *fiber.Ctx) error {
		if cache == nil || limit <= 0 {
			return c.Next()
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		bucket := time.Now().Unix() / int64(window.Seconds())
		key := rateLimitPrefix + c.IP() + ":" + strconv.FormatInt(bucket, 10)

		var incr *redis.IntCmd
		_, err := cache.TxPipelined(c.UserContext(), func(p redis.Pipeliner) error {
			incr = p.Incr(c.UserContext(), key)
			p.Expire(c.UserContext(), key, window)
			return nil
		})
		if err != nil {
			return c.Next() // fail-open on cache errors
		}

		count := incr.Val()
		remaining := int64(limit) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if count > int64(limit) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}

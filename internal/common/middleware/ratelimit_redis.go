package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimit is a sliding-window per-client limiter backed by
// Redis, so the limit holds across replicas. Requests from
// authenticated callers are keyed by user, anonymous ones by IP.
// Redis being unreachable fails open.
func RedisRateLimit(client *redis.Client, requests int, window time.Duration, skipPaths ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range skipPaths {
			if c.Request.URL.Path == path {
				c.Next()
				return
			}
		}
		if client == nil {
			c.Next()
			return
		}

		keyType, identifier := "ip", c.ClientIP()
		if userID := c.GetString("user_id"); userID != "" {
			keyType, identifier = "user", userID
		}
		key := fmt.Sprintf("ratelimit:%s:%s", keyType, identifier)

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		now := time.Now().Unix()
		windowStart := now - int64(window.Seconds())

		var timestamps []int64
		if val, err := client.Get(ctx, key).Result(); err == nil && val != "" {
			json.Unmarshal([]byte(val), &timestamps)
		}

		inWindow := timestamps[:0]
		for _, ts := range timestamps {
			if ts > windowStart {
				inWindow = append(inWindow, ts)
			}
		}

		remaining := requests - len(inWindow) - 1
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if len(inWindow) >= requests {
			retryAfter := inWindow[0] - now + int64(window.Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		inWindow = append(inWindow, now)
		data, _ := json.Marshal(inWindow)
		// Fail open on write errors, the request already passed the check.
		client.Set(ctx, key, data, window+time.Second)

		c.Next()
	}
}

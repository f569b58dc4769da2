package security

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// rateLimitScript counts a request and starts the window on the first one,
// atomically so a counter can never be left without a TTL.
const rateLimitScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`

type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

// NewRateLimiter allows perMinute requests per identity per minute. A nil
// client disables limiting.
func NewRateLimiter(redisClient *redis.Client, perMinute int) *RateLimiter {
	return &RateLimiter{redis: redisClient, limit: int64(perMinute), window: time.Minute}
}

// Allow counts one request for id and reports whether it is within the
// limit. The counter expires one window after the first request.
func (r *RateLimiter) Allow(ctx context.Context, id string) (bool, error) {
	if r.redis == nil || r.limit <= 0 {
		return true, nil
	}

	key := fmt.Sprintf("ratelimit:%s", id)
	count, err := r.redis.Eval(ctx, rateLimitScript, []string{key}, r.window.Milliseconds()).Int64()
	if err != nil {
		return true, err
	}
	return count <= r.limit, nil
}

// Identifier rate limits authenticated callers by record id and everyone
// else by address.
func Identifier(auth *core.Record, ip string) string {
	if auth != nil {
		return fmt.Sprintf("user:%s", auth.Id)
	}
	return fmt.Sprintf("ip:%s", ip)
}

// CommandRateLimit limits state-changing requests. Reads pass through.
func (r *RateLimiter) CommandRateLimit() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if e.Request.Method == http.MethodGet || e.Request.Method == http.MethodHead {
			return e.Next()
		}

		id := Identifier(e.Auth, e.RealIP())
		ok, err := r.Allow(e.Request.Context(), id)
		if err != nil {
			// Fail open.
			slog.Warn("rate limiter unavailable", "id", id, "error", err)
		}
		if !ok {
			return apis.NewTooManyRequestsError("Rate limit exceeded. Please try again later.", nil)
		}
		return e.Next()
	}
}

// AntiBotMiddleware rejects obvious crawlers.
func AntiBotMiddleware() func(e *core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if IsSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
			return apis.NewForbiddenError("Access denied", nil)
		}
		return e.Next()
	}
}

func IsSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}

package middleware

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/aditya-vk/limit-gate/internal/config"
	"github.com/aditya-vk/limit-gate/internal/gate"
	"github.com/aditya-vk/limit-gate/internal/models"
	"github.com/aditya-vk/limit-gate/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// fallbackLimiters holds per-tier local token buckets used only while the
// shared store is unreachable and the deployment is configured to fail open.
// Local state cannot coordinate replicas, but it keeps an outage from
// meaning unlimited throughput.
type fallbackLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newFallbackLimiters() *fallbackLimiters {
	return &fallbackLimiters{limiters: make(map[string]*rate.Limiter)}
}

func (f *fallbackLimiters) allow(tier string, policy ratelimit.Policy) bool {
	f.mu.Lock()
	limiter, ok := f.limiters[tier]
	if !ok {
		perSecond := rate.Limit(float64(policy.MaxRequests) * 1000 / float64(policy.WindowMs))
		burst := int(policy.MaxRequests)
		if policy.BurstSize > 0 {
			burst = int(policy.BurstSize)
		}
		limiter = rate.NewLimiter(perSecond, burst)
		f.limiters[tier] = limiter
	}
	f.mu.Unlock()

	return limiter.Allow()
}

// RateLimitWithTier enforces the caller's tier limit on every request.
// Callers with a validated API key are limited per key id; anonymous callers
// are limited per client IP on the free tier. Limits are scoped per endpoint.
func RateLimitWithTier(g *gate.Gate, cfg *config.Config) gin.HandlerFunc {
	fallback := newFallbackLimiters()

	return func(c *gin.Context) {
		var tier string
		var identifier string

		if apiKeyInterface, exists := c.Get("api_key"); exists && apiKeyInterface != nil {
			apiKey := apiKeyInterface.(*models.APIKey)
			tier = apiKey.Tier
			identifier = apiKey.ID.String()
		} else {
			tier = ratelimit.TierFree
			identifier = c.ClientIP()
		}

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		ctx := c.Request.Context()
		result, err := g.CheckTierLimit(ctx, identifier, tier, endpoint)

		if err != nil {
			requestID := c.GetString("request_id")

			if ratelimit.IsPolicyError(err) {
				// Misconfiguration fails closed; defaulting silently could
				// grant unlimited access.
				log.Printf("[%s] rate limit policy error: %v", requestID, err)
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error": "Rate limit exceeded",
					"tier":  tier,
				})
				c.Abort()
				return
			}

			// Store failure: the deployment chooses open or closed.
			log.Printf("[%s] rate limit store error (mode=%s): %v", requestID, cfg.RateLimit.OnStoreError, err)

			if cfg.RateLimit.OnStoreError == config.FailClosed {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": "Rate limit check failed",
				})
				c.Abort()
				return
			}

			policy, ok := g.Tiers().Policy(tier)
			if !ok {
				policy = ratelimit.Policy{MaxRequests: 10, WindowMs: 60000}
			}
			if !fallback.allow(tier, policy) {
				c.Header("Retry-After", "1")
				c.JSON(http.StatusTooManyRequests, gin.H{
					"error":       "Rate limit exceeded",
					"retry_after": 1,
				})
				c.Abort()
				return
			}

			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt/1000))
		c.Header("X-RateLimit-Tier", tier)

		if !result.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", result.RetryAfter))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": result.RetryAfter,
				"reset_at":    result.ResetAt,
			})
			c.Abort()
			return
		}

		c.Set("rate_limit", result)
		c.Next()
	}
}

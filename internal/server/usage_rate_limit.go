package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	rateLimitReasonKeyRate         = "key-rate"
	rateLimitReasonRequestInFlight = "request-in-flight"
)

// APIKeyRateLimit applies the per-key token bucket before anything is charged.
// Must run after APIKeyRequired.
func (s *Server) APIKeyRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.apiKeyLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		keyID := c.GetString(contextAPIKeyIDKey)

		result, err := s.apiKeyLimiter.AllowKey(ctx, keyID)
		if err != nil {
			logger.FromContext(ctx).Warn("api key rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			s.denyRateLimit(c, endpoint, rateLimitReasonKeyRate)
			return
		}
		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}

		s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		c.Next()
	}
}

// lockChargeRequest keeps a single in-flight charge per (user, request id). The
// returned release func must be called once the charge has finished.
func (s *Server) lockChargeRequest(c *gin.Context, userID, requestID string) (func(), bool) {
	noop := func() {}
	if !s.apiKeyLimiter.Enabled() || requestID == "" {
		return noop, true
	}

	ctx := c.Request.Context()
	token, acquired, err := s.apiKeyLimiter.TryLockRequest(ctx, userID, requestID)
	if err != nil {
		// The ledger reference is unique, so a missing lock cannot double charge.
		logger.FromContext(ctx).Warn("charge request lock failed", zap.Error(err))
		return noop, true
	}
	if !acquired {
		s.obsMetrics.RecordRateLimitDenied(ctx, normalizeRateLimitEndpoint(c), rateLimitReasonRequestInFlight)
		AbortWithError(c, ErrRequestInProgress)
		return noop, false
	}
	return func() {
		if err := s.apiKeyLimiter.ReleaseRequest(ctx, userID, requestID, token); err != nil {
			logger.FromContext(ctx).Warn("charge request unlock failed", zap.Error(err))
		}
	}, true
}

func (s *Server) denyRateLimit(c *gin.Context, endpoint, reason string) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("api key rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
		zap.String("key_id", c.GetString(contextAPIKeyIDKey)),
	)
	s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, reason)

	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}

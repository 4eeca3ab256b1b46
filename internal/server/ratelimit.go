package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/cobro/internal/ratelimit"
	"go.uber.org/zap"
)

// throttle spends one token from the caller's bucket for action. Limiter
// failures let the request through.
func (s *Server) throttle(action ratelimit.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		key := actor(c)
		if key == "" {
			key = c.ClientIP()
		}
		res, err := s.limiter.Allow(c.Request.Context(), action, key)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.String("action", string(action)), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

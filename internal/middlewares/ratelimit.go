package middlewares

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/pkg/ws"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
)

// RemainingHeader 握手响应中的剩余配额
const RemainingHeader = "X-RateLimit-Remaining"

// quota 由 ratelimit.Limiter 实现
type quota interface {
	Remaining(ctx context.Context, key string, rule ratelimit.Rule) (int, error)
}

// HandshakeRateLimit 按客户端 IP 限制握手频率
func HandshakeRateLimit(limiter ws.RateLimiter, rule ratelimit.Rule, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := "ip:" + c.ClientIP()

		ok, err := limiter.Allow(ctx, key, rule)
		if err != nil {
			log.Warn("握手限流检查失败", zap.Error(err))
		}
		if q, isQuota := limiter.(quota); isQuota && err == nil {
			if left, qerr := q.Remaining(ctx, key, rule); qerr == nil {
				c.Header(RemainingHeader, strconv.Itoa(left))
			}
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too Many Requests - please try again later",
			})
			return
		}
		c.Next()
	}
}

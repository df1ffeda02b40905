package routers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GroupChat/internal/handlers"
	"github.com/Gopher0727/GroupChat/internal/middlewares"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/pkg/ws"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
)

// Options 路由依赖。Auth / Limiter 为 nil 时对应中间件不启用
type Options struct {
	Logger        *logger.Logger
	Health        *handlers.HealthHandler
	WS            *ws.Handler
	Auth          middlewares.TokenParser
	Limiter       ws.RateLimiter
	HandshakeRule ratelimit.Rule
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, opts Options) {
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(config))

	r.Use(logger.GinRecovery(opts.Logger), logger.GinLogger(opts.Logger))

	// 健康检查
	r.GET("/health", opts.Health.Health)

	// WebSocket 路由
	chain := []gin.HandlerFunc{}
	if opts.Limiter != nil && !opts.HandshakeRule.Disabled() {
		chain = append(chain, middlewares.HandshakeRateLimit(opts.Limiter, opts.HandshakeRule, opts.Logger.Logger))
	}
	if opts.Auth != nil {
		chain = append(chain, middlewares.AuthMiddleware(opts.Auth))
	}
	chain = append(chain, opts.WS.ServeWs)
	r.GET("/ws", chain...)
}

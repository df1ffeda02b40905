package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/GroupChat/middleware/jwt"
	"github.com/Gopher0727/GroupChat/pkg/ws"
)

// TokenParser 由 jwt.TokenManager 实现
type TokenParser interface {
	ParseToken(token string) (*jwt.Claims, error)
}

// AuthMiddleware 校验身份提供方签发的会话 token，声明写入 ws.ClaimsKey
func AuthMiddleware(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		var token string

		// 1. 尝试从请求头获取 token
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}

		// 2. 如果请求头没有，尝试从 Query 参数获取 (浏览器 WebSocket 无法设置请求头)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未提供认证 Token"})
			return
		}

		claims, err := parser.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token 无效或已过期"})
			return
		}

		c.Set(ws.ClaimsKey, claims)
		c.Next()
	}
}

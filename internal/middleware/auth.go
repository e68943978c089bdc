// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"better-dev-go/internal/model"
	"better-dev-go/internal/service"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/token"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 access token，验证其有效性和是否已登出，并将完整的 User 对象存入 Gin 的上下文中。
func AuthMiddleware(jwtManager *token.JWTManager, userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头"})
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		user, claims, ok := Authenticate(c, jwtManager, userService, tokenString)
		if !ok {
			return
		}
		c.Set("user", user)
		c.Set("claims", claims)
		c.Set("token", tokenString)
		c.Next()
	}
}

// Authenticate 校验 access token 并加载用户，失败时已写入响应并中止请求。
// websocket 握手无法携带请求头，token 放在路径中，也走这里。
func Authenticate(c *gin.Context, jwtManager *token.JWTManager, userService service.UserService, tokenString string) (*model.User, *token.CustomClaims, bool) {
	claims, err := jwtManager.VerifyTyped(tokenString, token.AccessToken)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token"})
		return nil, nil, false
	}

	revoked, err := userService.IsRevoked(c.Request.Context(), tokenString)
	if err != nil {
		// 黑名单不可用时放行，只记录日志
		log.Warnf("[AuthMiddleware] 查询 token 黑名单失败: %v", err)
	}
	if revoked {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "token 已失效"})
		return nil, nil, false
	}

	user, err := userService.GetProfile(c.Request.Context(), claims.Username)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "用户不存在"})
		return nil, nil, false
	}
	return user, claims, true
}

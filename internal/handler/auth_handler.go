package handler

import (
	"better-dev-go/internal/service"
	"better-dev-go/pkg/log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责处理认证相关的 API 请求，例如刷新 token。
type AuthHandler struct {
	userService service.UserService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(userService service.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// RefreshTokenRequest 是刷新请求的载荷，只接受 refresh 类型的 token。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshToken 用 refresh token 换取一对新的 token，旧的 access token 不会被吊销。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[AuthHandler] 刷新请求载荷无效: %v", err)
		badRequest(c, "无效的请求负载：refreshToken 不能为空")
		return
	}

	newAccessToken, newRefreshToken, err := h.userService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, "RefreshToken", err)
		return
	}

	log.Info("[AuthHandler] token 刷新成功")
	respondOK(c, http.StatusOK, "刷新成功", gin.H{
		"token":        newAccessToken,
		"refreshToken": newRefreshToken,
	})
}

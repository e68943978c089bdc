// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"better-dev-go/internal/model"
	"better-dev-go/internal/service"
	"better-dev-go/pkg/log"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusOf 把服务层的错误分类映射为 HTTP 状态码。
func statusOf(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage 返回可以展示给调用方的错误信息，内部错误不外泄细节。
func publicMessage(err error, status int) string {
	if status == http.StatusInternalServerError {
		return "服务暂时不可用，请稍后重试"
	}
	return err.Error()
}

func respondError(c *gin.Context, action string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Errorf("%s: %v", action, err)
	} else {
		log.Warnf("%s: %v", action, err)
	}
	c.JSON(status, gin.H{"code": status, "message": publicMessage(err, status), "data": nil})
}

func respondOK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message, "data": nil})
}

// currentUser 取出 AuthMiddleware 注入的用户。
func currentUser(c *gin.Context) *model.User {
	return c.MustGet("user").(*model.User)
}

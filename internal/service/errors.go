// Package service 包含了应用的业务逻辑层。
package service

import (
	"better-dev-go/internal/model"
	"better-dev-go/internal/repository"
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// 错误分类。服务层用 fmt.Errorf("%w: ...") 包装，handler 用 errors.Is 映射到 HTTP 状态码。
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUpstream     = errors.New("upstream failure")
)

// ownedConversation 加载会话并校验归属。
func ownedConversation(ctx context.Context, repo repository.ConversationRepository, userID uint, conversationID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversationId 不能为空", ErrValidation)
	}
	conv, err := repo.FindByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: 会话 %s 不存在", ErrNotFound, conversationID)
		}
		return nil, fmt.Errorf("查询会话失败: %w", err)
	}
	if conv.UserID != userID {
		return nil, fmt.Errorf("%w: 无权访问会话 %s", ErrForbidden, conversationID)
	}
	return conv, nil
}

package repository

import (
	"better-dev-go/internal/model"
	"context"

	"gorm.io/gorm"
)

// MessageRepository 定义了会话消息的持久化操作。
// 消息按 created_at 升序排列，id 作为同一时间戳下的次序。
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	// ListByConversation 返回最近 limit 条消息（按时间升序）；limit <= 0 时返回全部。
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	// LatestByRole 返回最近 n 条指定角色的消息，最新的在前。
	LatestByRole(ctx context.Context, conversationID, role string, n int) ([]model.Message, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	var msgs []model.Message
	q := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if limit <= 0 {
		err := q.Order("created_at asc, id asc").Find(&msgs).Error
		return msgs, err
	}
	// 先倒序取最近 limit 条，再在内存中翻转回升序
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *messageRepository) LatestByRole(ctx context.Context, conversationID, role string, n int) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ?", conversationID, role).
		Order("created_at desc, id desc").
		Limit(n).
		Find(&msgs).Error
	return msgs, err
}

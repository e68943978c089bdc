package repository

import (
	"better-dev-go/internal/model"
	"context"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AttachmentRepository 定义了附件记录的持久化操作。
// 状态变更都是带前置状态的条件更新，返回值表示本次调用是否真正完成了转换。
type AttachmentRepository interface {
	Create(ctx context.Context, att *model.Attachment) error
	FindByID(ctx context.Context, id string) (*model.Attachment, error)
	// ListByConversation 一次性取出会话的全部附件，供上下文组装按 id 建索引。
	ListByConversation(ctx context.Context, conversationID string) ([]model.Attachment, error)
	// LinkToMessage 把尚未关联消息的附件回填到 messageID。
	LinkToMessage(ctx context.Context, conversationID, messageID string, ids []string) (int64, error)
	TransitionStatus(ctx context.Context, id string, from, to model.ExtractionStatus) (bool, error)
	Complete(ctx context.Context, id string, result ExtractionResult) (bool, error)
	// ListIDsByStatus 按创建时间返回处于 status 的附件 ID，最多 limit 条。
	ListIDsByStatus(ctx context.Context, status model.ExtractionStatus, limit int) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// ExtractionResult 是一次抽取的终态写入内容。
type ExtractionResult struct {
	Status       model.ExtractionStatus
	Text         *string
	Metadata     datatypes.JSON
	ThumbnailKey *string
}

type attachmentRepository struct {
	db *gorm.DB
}

// NewAttachmentRepository 创建一个新的 AttachmentRepository 实例。
func NewAttachmentRepository(db *gorm.DB) AttachmentRepository {
	return &attachmentRepository{db: db}
}

func (r *attachmentRepository) Create(ctx context.Context, att *model.Attachment) error {
	return r.db.WithContext(ctx).Create(att).Error
}

func (r *attachmentRepository) FindByID(ctx context.Context, id string) (*model.Attachment, error) {
	var att model.Attachment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&att).Error; err != nil {
		return nil, err
	}
	return &att, nil
}

func (r *attachmentRepository) ListByConversation(ctx context.Context, conversationID string) ([]model.Attachment, error) {
	var atts []model.Attachment
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Find(&atts).Error
	return atts, err
}

func (r *attachmentRepository) LinkToMessage(ctx context.Context, conversationID, messageID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("id IN ? AND conversation_id = ? AND message_id IS NULL", ids, conversationID).
		Update("message_id", messageID)
	return res.RowsAffected, res.Error
}

func (r *attachmentRepository) TransitionStatus(ctx context.Context, id string, from, to model.ExtractionStatus) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, nil
	}
	res := r.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

func (r *attachmentRepository) Complete(ctx context.Context, id string, result ExtractionResult) (bool, error) {
	if !result.Status.IsTerminal() {
		return false, nil
	}
	fields := map[string]interface{}{
		"status":         result.Status,
		"extracted_text": result.Text,
		"metadata":       result.Metadata,
		"thumbnail_key":  result.ThumbnailKey,
	}
	res := r.db.WithContext(ctx).Model(&model.Attachment{}).
		Where("id = ? AND status = ?", id, model.ExtractionProcessing).
		Updates(fields)
	return res.RowsAffected == 1, res.Error
}

func (r *attachmentRepository) ListIDsByStatus(ctx context.Context, status model.ExtractionStatus, limit int) ([]string, error) {
	var ids []string
	q := r.db.WithContext(ctx).Model(&model.Attachment{}).Where("status = ?", status).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Pluck("id", &ids).Error
	return ids, err
}

func (r *attachmentRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Attachment{}).Error
}

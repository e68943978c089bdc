package service

import (
	"better-dev-go/internal/mode"
	"better-dev-go/internal/model"
	"better-dev-go/internal/repository"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/storage"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IndexDeleter 从全文索引中移除附件。
type IndexDeleter interface {
	Delete(ctx context.Context, attachmentID string) error
}

// CreateConversationRequest 是创建会话的可选参数。
type CreateConversationRequest struct {
	Title        *string `json:"title"`
	SystemPrompt *string `json:"systemPrompt"`
	Mode         *string `json:"mode"`
}

// ConversationDetail 是会话及其全部消息。
type ConversationDetail struct {
	Conversation *model.Conversation `json:"conversation"`
	Messages     []model.Message     `json:"messages"`
}

// ConversationService 定义了会话管理的接口。
type ConversationService interface {
	Create(ctx context.Context, userID uint, req CreateConversationRequest) (*model.Conversation, error)
	List(ctx context.Context, userID uint) ([]model.Conversation, error)
	Get(ctx context.Context, userID uint, conversationID string) (*ConversationDetail, error)
	UpdateMode(ctx context.Context, userID uint, conversationID string, value *string) error
	UpdateSystemPrompt(ctx context.Context, userID uint, conversationID string, prompt *string) error
	Delete(ctx context.Context, userID uint, conversationID string) error
}

type conversationService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	attachments   repository.AttachmentRepository
	backend       storage.Backend
	index         IndexDeleter
}

// NewConversationService 创建一个新的 ConversationService。index 可以为 nil。
func NewConversationService(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	attachments repository.AttachmentRepository,
	backend storage.Backend,
	index IndexDeleter,
) ConversationService {
	return &conversationService{
		conversations: conversations,
		messages:      messages,
		attachments:   attachments,
		backend:       backend,
		index:         index,
	}
}

func (s *conversationService) Create(ctx context.Context, userID uint, req CreateConversationRequest) (*model.Conversation, error) {
	conv := &model.Conversation{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        trimmedOrNil(req.Title),
		SystemPrompt: trimmedOrNil(req.SystemPrompt),
	}
	if req.Mode != nil && *req.Mode != "" {
		m, err := parseMode(*req.Mode)
		if err != nil {
			return nil, err
		}
		conv.Mode = &m
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("创建会话失败: %w", err)
	}
	log.Infof("[ConversationService] 用户 %d 创建会话 %s", userID, conv.ID)
	return conv, nil
}

func (s *conversationService) List(ctx context.Context, userID uint) ([]model.Conversation, error) {
	convs, err := s.conversations.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询会话列表失败: %w", err)
	}
	return convs, nil
}

func (s *conversationService) Get(ctx context.Context, userID uint, conversationID string) (*ConversationDetail, error) {
	conv, err := ownedConversation(ctx, s.conversations, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListByConversation(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("查询会话消息失败: %w", err)
	}
	return &ConversationDetail{Conversation: conv, Messages: msgs}, nil
}

// UpdateMode 更新会话级模式偏好，nil 或空字符串表示清除。
func (s *conversationService) UpdateMode(ctx context.Context, userID uint, conversationID string, value *string) error {
	if _, err := ownedConversation(ctx, s.conversations, userID, conversationID); err != nil {
		return err
	}
	var stored interface{}
	if value != nil && *value != "" {
		m, err := parseMode(*value)
		if err != nil {
			return err
		}
		stored = m
	}
	return s.update(ctx, conversationID, map[string]interface{}{"mode": stored})
}

// UpdateSystemPrompt 更新会话自定义系统提示词，nil 或空白表示清除。
func (s *conversationService) UpdateSystemPrompt(ctx context.Context, userID uint, conversationID string, prompt *string) error {
	if _, err := ownedConversation(ctx, s.conversations, userID, conversationID); err != nil {
		return err
	}
	var stored interface{}
	if p := trimmedOrNil(prompt); p != nil {
		stored = *p
	}
	return s.update(ctx, conversationID, map[string]interface{}{"system_prompt": stored})
}

// Delete 删除会话、消息、附件记录以及附件的存储对象和缩略图。
// 存储对象和索引的清理是尽力而为，失败只记录日志。
func (s *conversationService) Delete(ctx context.Context, userID uint, conversationID string) error {
	if _, err := ownedConversation(ctx, s.conversations, userID, conversationID); err != nil {
		return err
	}
	atts, err := s.attachments.ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("查询会话附件失败: %w", err)
	}
	if err := s.conversations.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("删除会话失败: %w", err)
	}
	for i := range atts {
		removeAttachmentObjects(ctx, s.backend, s.index, &atts[i])
	}
	log.Infof("[ConversationService] 会话 %s 已删除，清理附件 %d 个", conversationID, len(atts))
	return nil
}

func (s *conversationService) update(ctx context.Context, conversationID string, fields map[string]interface{}) error {
	if err := s.conversations.UpdateFields(ctx, conversationID, fields); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: 会话 %s 不存在", ErrNotFound, conversationID)
		}
		return fmt.Errorf("更新会话失败: %w", err)
	}
	return nil
}

// removeAttachmentObjects 删除附件的原文件、缩略图和索引文档。
func removeAttachmentObjects(ctx context.Context, backend storage.Backend, index IndexDeleter, att *model.Attachment) {
	if att.StorageKey != "" {
		if err := backend.Delete(ctx, att.StorageKey); err != nil {
			log.Warnf("[AttachmentCleanup] 删除附件文件失败, id=%s: %v", att.ID, err)
		}
	}
	if att.ThumbnailKey != nil && *att.ThumbnailKey != "" {
		if err := backend.Delete(ctx, *att.ThumbnailKey); err != nil {
			log.Warnf("[AttachmentCleanup] 删除缩略图失败, id=%s: %v", att.ID, err)
		}
	}
	if index != nil {
		if err := index.Delete(ctx, att.ID); err != nil {
			log.Warnf("[AttachmentCleanup] 删除索引文档失败, id=%s: %v", att.ID, err)
		}
	}
}

func parseMode(value string) (string, error) {
	m, ok := mode.Parse(value)
	if !ok {
		return "", fmt.Errorf("%w: 不支持的模式 %q，可选 fast / thinking / auto", ErrValidation, value)
	}
	return string(m), nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

package service

import (
	"better-dev-go/internal/config"
	"better-dev-go/internal/model"
	"better-dev-go/internal/repository"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/storage"
	"better-dev-go/pkg/tasks"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 拒绝接收的可执行类文件
var blockedMimeTypes = map[string]struct{}{
	"application/x-msdownload":  {},
	"application/x-executable":  {},
	"application/x-sharedlib":   {},
	"application/x-mach-binary": {},
	"application/x-sh":          {},
	"application/x-dosexec":     {},
}

// ExtractionFailer 在任务无法调度时把附件直接标记为失败。
type ExtractionFailer interface {
	Fail(ctx context.Context, attachmentID, reason string) error
}

// UploadRequest 是一次附件上传。
type UploadRequest struct {
	ConversationID string
	FileName       string
	MimeType       string
	Data           []byte
}

// AttachmentService 定义了附件相关的业务操作。
type AttachmentService interface {
	Upload(ctx context.Context, userID uint, req UploadRequest) (*model.Attachment, error)
	Get(ctx context.Context, userID uint, attachmentID string) (*model.Attachment, error)
	Delete(ctx context.Context, userID uint, attachmentID string) error
}

type attachmentService struct {
	conversations repository.ConversationRepository
	attachments   repository.AttachmentRepository
	backend       storage.Backend
	dispatcher    tasks.Dispatcher
	failer        ExtractionFailer
	index         IndexDeleter
	maxFileSize   int64
}

// NewAttachmentService 创建一个新的 AttachmentService 实例。index 可以为 nil。
func NewAttachmentService(
	conversations repository.ConversationRepository,
	attachments repository.AttachmentRepository,
	backend storage.Backend,
	dispatcher tasks.Dispatcher,
	failer ExtractionFailer,
	index IndexDeleter,
	cfg config.AttachmentConfig,
) AttachmentService {
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = 20 * 1024 * 1024
	}
	return &attachmentService{
		conversations: conversations,
		attachments:   attachments,
		backend:       backend,
		dispatcher:    dispatcher,
		failer:        failer,
		index:         index,
		maxFileSize:   maxSize,
	}
}

// Upload 保存附件原文件，创建 PENDING 记录并调度抽取任务，不等待抽取完成。
// 任务无法调度时附件被标记为 FAILED，上传本身仍然成功。
func (s *attachmentService) Upload(ctx context.Context, userID uint, req UploadRequest) (*model.Attachment, error) {
	if _, err := ownedConversation(ctx, s.conversations, userID, req.ConversationID); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(filepath.Base(req.FileName))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: 文件名不能为空", ErrValidation)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: 文件内容为空", ErrValidation)
	}
	if int64(len(req.Data)) > s.maxFileSize {
		return nil, fmt.Errorf("%w: 文件大小 %d 超过上限 %d", ErrValidation, len(req.Data), s.maxFileSize)
	}
	mimeType, err := normalizeMimeType(req.MimeType, req.Data)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	locator, err := s.backend.Put(ctx, storage.AttachmentKey(req.ConversationID, id, name), req.Data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("%w: 保存附件文件失败: %v", ErrUpstream, err)
	}

	att := &model.Attachment{
		ID:             id,
		ConversationID: req.ConversationID,
		FileName:       name,
		MimeType:       mimeType,
		Size:           int64(len(req.Data)),
		StorageKey:     locator,
		Status:         model.ExtractionPending,
	}
	if err := s.attachments.Create(ctx, att); err != nil {
		if delErr := s.backend.Delete(context.WithoutCancel(ctx), locator); delErr != nil {
			log.Warnf("[AttachmentService] 回滚附件文件失败, key=%s: %v", locator, delErr)
		}
		return nil, fmt.Errorf("创建附件记录失败: %w", err)
	}

	task := tasks.ExtractionTask{
		AttachmentID:   id,
		ConversationID: req.ConversationID,
		FileName:       name,
		MimeType:       mimeType,
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		log.Errorf("[AttachmentService] 调度抽取任务失败, attachmentId=%s: %v", id, err)
		if ferr := s.failer.Fail(context.WithoutCancel(ctx), id, "dispatch: "+err.Error()); ferr != nil {
			log.Errorf("[AttachmentService] 标记附件失败状态失败, attachmentId=%s: %v", id, ferr)
		} else {
			att.Status = model.ExtractionFailed
		}
	}
	log.Infof("[AttachmentService] 附件已接收, id=%s, name=%s, mime=%s, size=%d", id, name, mimeType, att.Size)
	return att, nil
}

func (s *attachmentService) Get(ctx context.Context, userID uint, attachmentID string) (*model.Attachment, error) {
	return s.ownedAttachment(ctx, userID, attachmentID)
}

// Delete 删除附件记录及其原文件、缩略图和索引文档。
func (s *attachmentService) Delete(ctx context.Context, userID uint, attachmentID string) error {
	att, err := s.ownedAttachment(ctx, userID, attachmentID)
	if err != nil {
		return err
	}
	if err := s.attachments.Delete(ctx, att.ID); err != nil {
		return fmt.Errorf("删除附件记录失败: %w", err)
	}
	removeAttachmentObjects(ctx, s.backend, s.index, att)
	return nil
}

func (s *attachmentService) ownedAttachment(ctx context.Context, userID uint, attachmentID string) (*model.Attachment, error) {
	att, err := s.attachments.FindByID(ctx, attachmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: 附件 %s 不存在", ErrNotFound, attachmentID)
		}
		return nil, fmt.Errorf("查询附件失败: %w", err)
	}
	if _, err := ownedConversation(ctx, s.conversations, userID, att.ConversationID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: 附件 %s 不存在", ErrNotFound, attachmentID)
		}
		return nil, err
	}
	return att, nil
}

// normalizeMimeType 规整声明的 MIME 类型，未声明时按内容探测。
func normalizeMimeType(declared string, data []byte) (string, error) {
	declared = strings.TrimSpace(declared)
	if declared == "" || declared == "application/octet-stream" {
		declared = http.DetectContentType(data)
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", fmt.Errorf("%w: 无法识别的 MIME 类型 %q", ErrValidation, declared)
	}
	if _, blocked := blockedMimeTypes[mt]; blocked {
		return "", fmt.Errorf("%w: 不支持的文件类型 %s", ErrValidation, mt)
	}
	return mt, nil
}

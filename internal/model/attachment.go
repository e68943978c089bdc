package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ExtractionStatus 是附件抽取流程的状态。
// 只会沿 PENDING -> PROCESSING -> SUCCESS|FAILED 前进，SUCCESS 和 FAILED 为终态。
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "PENDING"
	ExtractionProcessing ExtractionStatus = "PROCESSING"
	ExtractionSuccess    ExtractionStatus = "SUCCESS"
	ExtractionFailed     ExtractionStatus = "FAILED"
)

// IsTerminal 判断状态是否为终态。
func (s ExtractionStatus) IsTerminal() bool {
	return s == ExtractionSuccess || s == ExtractionFailed
}

// CanTransitionTo 判断从当前状态到 next 是否是合法的前进转换。
func (s ExtractionStatus) CanTransitionTo(next ExtractionStatus) bool {
	switch s {
	case ExtractionPending:
		return next == ExtractionProcessing || next == ExtractionFailed
	case ExtractionProcessing:
		return next == ExtractionSuccess || next == ExtractionFailed
	default:
		return false
	}
}

// Attachment 定义了上传附件的 ORM 模型。
// MessageID 在引用它的用户消息保存之后才回填，在此之前附件处于"孤立"状态是正常的。
type Attachment struct {
	ID             string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string           `gorm:"type:varchar(36);index;not null" json:"conversationId"`
	MessageID      *string          `gorm:"type:varchar(36);index" json:"messageId"`
	FileName       string           `gorm:"type:varchar(255);not null" json:"fileName"`
	MimeType       string           `gorm:"type:varchar(127);not null" json:"mimeType"`
	Size           int64            `gorm:"not null" json:"size"`
	StorageKey     string           `gorm:"type:varchar(512);not null" json:"storageKey"`
	Status         ExtractionStatus `gorm:"type:varchar(16);not null;default:PENDING" json:"status"`
	ExtractedText  *string          `gorm:"type:longtext" json:"-"`
	Metadata       datatypes.JSON   `json:"metadata,omitempty"`
	ThumbnailKey   *string          `gorm:"type:varchar(512)" json:"thumbnailKey"`
	CreatedAt      time.Time        `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time        `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Attachment) TableName() string {
	return "attachments"
}

// ContentCategory 是按声明的 MIME 类型划分的抽取类别。
type ContentCategory string

const (
	CategoryImage    ContentCategory = "image"
	CategoryDocument ContentCategory = "document"
	CategoryOther    ContentCategory = "other"
)

var documentMimeTypes = newMimeSet(
	"application/pdf",
	"application/msword",
	"application/rtf",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
)

func newMimeSet(types ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// CategoryOf 根据 MIME 类型判断抽取类别。
func CategoryOf(mimeType string) ContentCategory {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return CategoryImage
	case strings.HasPrefix(mt, "text/"):
		return CategoryDocument
	}
	if _, ok := documentMimeTypes[mt]; ok {
		return CategoryDocument
	}
	return CategoryOther
}

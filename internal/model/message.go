package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// PartType 是消息分片的类型标签。
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartReasoning  PartType = "reasoning"
)

// ErrEmptyMessage 表示消息既没有 parts 也没有扁平文本。
var ErrEmptyMessage = errors.New("message must carry parts or text")

// Part 是多模态消息中的一个类型化单元，按 Type 区分含义。
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`

	// image: 本地存储路径、绝对 URL 或 data URL
	Image    string `json:"image,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// file
	AttachmentID string `json:"attachmentId,omitempty"`
	FileName     string `json:"fileName,omitempty"`

	// tool-call / tool-result
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// TextPart 构造一个文本分片。
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Message 代表会话中的一条持久化消息。
// 除了附件关联的后续回填外，消息在持久化后不再修改。
type Message struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string         `gorm:"type:varchar(36);index:idx_conversation_created;not null" json:"conversationId"`
	Role           string         `gorm:"type:varchar(16);not null" json:"role"`
	Parts          datatypes.JSON `json:"parts"`
	Text           *string        `gorm:"type:longtext" json:"text,omitempty"` // 旧版扁平文本
	Metadata       datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"type:datetime(6);index:idx_conversation_created" json:"createdAt"`
}

func (Message) TableName() string {
	return "messages"
}

// BeforeCreate 保证消息至少带有 parts 或扁平文本之一。
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if !m.hasParts() && (m.Text == nil || *m.Text == "") {
		return ErrEmptyMessage
	}
	return nil
}

func (m *Message) hasParts() bool {
	raw := strings.TrimSpace(string(m.Parts))
	return raw != "" && raw != "null" && raw != "[]"
}

// SetParts 将分片序列编码进 Parts 列。
func (m *Message) SetParts(parts []Part) error {
	data, err := json.Marshal(parts)
	if err != nil {
		return err
	}
	m.Parts = datatypes.JSON(data)
	return nil
}

// GetParts 解码消息分片。旧版消息只有扁平文本，读取时规整为单个文本分片；
// 既无分片也无文本的消息视为一个空文本分片。
func (m *Message) GetParts() []Part {
	if m.hasParts() {
		var parts []Part
		if err := json.Unmarshal(m.Parts, &parts); err == nil && len(parts) > 0 {
			return parts
		}
	}
	if m.Text != nil {
		return []Part{TextPart(*m.Text)}
	}
	return []Part{TextPart("")}
}

// SetMetadata 将生成元数据写入 Metadata 列。
func (m *Message) SetMetadata(meta *GenerationMetadata) error {
	if meta == nil {
		m.Metadata = nil
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	m.Metadata = datatypes.JSON(data)
	return nil
}

// GetMetadata 解码生成元数据，不存在时返回 nil。
func (m *Message) GetMetadata() *GenerationMetadata {
	if len(m.Metadata) == 0 {
		return nil
	}
	var meta GenerationMetadata
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return nil
	}
	return &meta
}

// ExtractText 提取分片中的纯文本，多个文本分片以换行拼接。
func ExtractText(parts []Part) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// AttachmentIDs 返回分片中引用的附件 ID（按出现顺序，去重）。
func AttachmentIDs(parts []Part) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, p := range parts {
		if p.Type != PartFile || p.AttachmentID == "" {
			continue
		}
		if _, ok := seen[p.AttachmentID]; ok {
			continue
		}
		seen[p.AttachmentID] = struct{}{}
		ids = append(ids, p.AttachmentID)
	}
	return ids
}

// GenerationMetadata 记录一次助手回复的生成参数，保存在 Message.Metadata 中。
type GenerationMetadata struct {
	RequestedMode string  `json:"requestedMode"`
	EffectiveMode string  `json:"effectiveMode"`
	ModelUsed     string  `json:"modelUsed"`
	Temperature   float32 `json:"temperature"`
	TokensUsed    *int    `json:"tokensUsed,omitempty"`
	FinishReason  string  `json:"finishReason,omitempty"`
	Cancelled     bool    `json:"cancelled,omitempty"`
}

// Package assembler 组装发给模型的上下文：历史消息、附件抽取结果、图片窗口，
// 以及在提供方格式转换丢失图片之后把图片补回去。
package assembler

import (
	"better-dev-go/internal/config"
	"better-dev-go/internal/model"
	"better-dev-go/pkg/llm"
	"better-dev-go/pkg/log"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

const (
	// OmittedImageText 替换图片窗口之外的旧图片。
	OmittedImageText = "[previous image omitted]"
	processingFormat = "[The file %q is still being read, please wait a moment and ask again.]"
	truncationFormat = "\n\n[... truncated: document exceeds the %d character limit]"
)

// MessageLister 按时间顺序列出会话消息。
type MessageLister interface {
	ListByConversation(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// AttachmentLister 一次性列出会话的全部附件。
type AttachmentLister interface {
	ListByConversation(ctx context.Context, conversationID string) ([]model.Attachment, error)
}

// ObjectReader 读取本地存储对象。
type ObjectReader interface {
	Get(ctx context.Context, locator string) ([]byte, error)
}

// Result 是一次组装的输出。
type Result struct {
	Messages   []llm.Message
	TotalChars int
	OverBudget bool
}

// Assembler 是上下文组装器。
type Assembler struct {
	messages    MessageLister
	attachments AttachmentLister
	objects     ObjectReader

	docCharBudget   int
	totalCharBudget int
	imageWindow     int
	historyLimit    int
}

// New 创建上下文组装器。
func New(messages MessageLister, attachments AttachmentLister, objects ObjectReader, cfg config.ContextConfig) *Assembler {
	a := &Assembler{
		messages:        messages,
		attachments:     attachments,
		objects:         objects,
		totalCharBudget: cfg.TotalCharBudget,
		imageWindow:     cfg.ImageWindow,
		historyLimit:    cfg.HistoryLimit,
	}
	tokens := cfg.DocumentTokenBudget
	if tokens <= 0 {
		tokens = 5000
	}
	ratio := cfg.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	a.docCharBudget = int(float64(tokens) * ratio)
	if a.totalCharBudget <= 0 {
		a.totalCharBudget = 100000
	}
	if a.imageWindow <= 0 {
		a.imageWindow = 3
	}
	return a
}

// Assemble 组装会话的上下文。systemPrompt 非空时作为首条 system 消息。
func (a *Assembler) Assemble(ctx context.Context, conversationID string, systemPrompt string) (*Result, error) {
	stored, err := a.messages.ListByConversation(ctx, conversationID, a.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("加载会话消息失败: %w", err)
	}

	out := make([]llm.Message, 0, len(stored)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, llm.Message{Role: model.RoleSystem, Parts: []model.Part{model.TextPart(systemPrompt)}})
	}
	for i := range stored {
		out = append(out, llm.Message{Role: stored[i].Role, Parts: stored[i].GetParts()})
	}

	if err := a.enrichAttachments(ctx, conversationID, out); err != nil {
		return nil, err
	}
	renderToolResults(out)

	total := countChars(out)
	res := &Result{TotalChars: total, OverBudget: total > a.totalCharBudget}
	if res.OverBudget {
		log.Warnw("[Assembler] 上下文超出字符预算，回答质量可能下降",
			"conversationId", conversationID, "chars", total, "budget", a.totalCharBudget)
	}

	out = a.applyImageWindow(out)
	a.resolveLocalImages(ctx, out)
	res.Messages = out
	return res, nil
}

// enrichAttachments 把文件分片替换为附件的抽取结果。附件按 id 建索引，每个分片 O(1) 查找。
func (a *Assembler) enrichAttachments(ctx context.Context, conversationID string, msgs []llm.Message) error {
	if !hasFileParts(msgs) {
		return nil
	}
	atts, err := a.attachments.ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("加载会话附件失败: %w", err)
	}
	byID := make(map[string]*model.Attachment, len(atts))
	for i := range atts {
		byID[atts[i].ID] = &atts[i]
	}

	for mi := range msgs {
		parts := msgs[mi].Parts
		for pi := range parts {
			p := &parts[pi]
			if p.Type != model.PartFile {
				continue
			}
			att, ok := byID[p.AttachmentID]
			if !ok {
				continue
			}
			switch att.Status {
			case model.ExtractionSuccess:
				if att.ExtractedText == nil || *att.ExtractedText == "" {
					continue
				}
				p.Text = fmt.Sprintf("[Attachment: %s]\n%s", att.FileName, Truncate(*att.ExtractedText, a.docCharBudget))
			case model.ExtractionProcessing:
				p.Text = fmt.Sprintf(processingFormat, att.FileName)
			}
		}
	}
	return nil
}

// Truncate 把文本截断到 limit 个字符以内，截断时追加标注上限的提示。
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + fmt.Sprintf(truncationFormat, limit)
}

// applyImageWindow 从最新消息往前走，只保留最近 imageWindow 条用户消息中的图片，
// 更早的图片替换为文字占位。先倒序处理，再恢复原顺序。
func (a *Assembler) applyImageWindow(msgs []llm.Message) []llm.Message {
	reversed := make([]llm.Message, len(msgs))
	for i := range msgs {
		reversed[len(msgs)-1-i] = msgs[i]
	}

	seenUsers := 0
	for i := range reversed {
		if reversed[i].Role != model.RoleUser {
			continue
		}
		seenUsers++
		if seenUsers <= a.imageWindow {
			continue
		}
		for pi := range reversed[i].Parts {
			if reversed[i].Parts[pi].Type == model.PartImage {
				reversed[i].Parts[pi] = model.TextPart(OmittedImageText)
			}
		}
	}

	out := make([]llm.Message, len(reversed))
	for i := range reversed {
		out[len(reversed)-1-i] = reversed[i]
	}
	return out
}

// resolveLocalImages 把本地存储路径的图片读出并转为 data URL。
// 读取失败的图片保留原引用，不影响其余内容。
func (a *Assembler) resolveLocalImages(ctx context.Context, msgs []llm.Message) {
	for mi := range msgs {
		for pi := range msgs[mi].Parts {
			p := &msgs[mi].Parts[pi]
			if p.Type != model.PartImage || p.Image == "" || IsRemoteOrInline(p.Image) {
				continue
			}
			data, err := a.objects.Get(ctx, p.Image)
			if err != nil {
				log.Warnf("[Assembler] 读取本地图片失败，保留原引用, ref=%s: %v", p.Image, err)
				continue
			}
			mime := p.MimeType
			if mime == "" {
				mime = http.DetectContentType(data)
			}
			p.Image = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
		}
	}
}

// IsRemoteOrInline 判断图片引用是否已经是绝对 URL 或内联数据。
func IsRemoteOrInline(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:")
}

// WithSystemPrompt 用 prompt 替换首条 system 消息，没有时在最前面插入。
func WithSystemPrompt(msgs []llm.Message, prompt string) []llm.Message {
	sys := llm.Message{Role: model.RoleSystem, Parts: []model.Part{model.TextPart(prompt)}}
	if len(msgs) > 0 && msgs[0].Role == model.RoleSystem {
		out := append([]llm.Message(nil), msgs...)
		out[0] = sys
		return out
	}
	return append([]llm.Message{sys}, msgs...)
}

func hasFileParts(msgs []llm.Message) bool {
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == model.PartFile {
				return true
			}
		}
	}
	return false
}

func countChars(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		for _, p := range m.Parts {
			switch p.Type {
			case model.PartText, model.PartFile, model.PartToolResult:
				total += utf8.RuneCountInString(p.Text)
			}
		}
	}
	return total
}

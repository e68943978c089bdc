package assembler

import (
	"better-dev-go/internal/model"
	"better-dev-go/pkg/llm"
	"better-dev-go/pkg/log"

	openai "github.com/sashabaranov/go-openai"
)

// Converter 是提供方的消息格式转换，会丢弃图片。
type Converter func([]llm.Message) []openai.ChatCompletionMessage

// Convert 调用 converter 后把被丢弃的图片补回。
func Convert(msgs []llm.Message, converter Converter) []openai.ChatCompletionMessage {
	return RestoreImages(msgs, converter(msgs))
}

// RestoreImages 把转换前用户消息中的图片重新挂到转换后的用户消息上。
//
// 只按用户消息的先后顺序一一对应，不使用数组下标：转换会增删或重排其他角色的条目。
// 带图片的消息整体重建为多段内容，其中的文本分片按原顺序保留。
func RestoreImages(pre []llm.Message, converted []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	var users []llm.Message
	for _, m := range pre {
		if m.Role == model.RoleUser {
			users = append(users, m)
		}
	}

	out := append([]openai.ChatCompletionMessage(nil), converted...)
	ui := 0
	for i := range out {
		if out[i].Role != openai.ChatMessageRoleUser {
			continue
		}
		if ui >= len(users) {
			ui++
			continue
		}
		src := users[ui]
		ui++
		if !hasUsableImage(src.Parts) {
			continue
		}
		out[i].Content = ""
		out[i].MultiContent = multiContent(src.Parts)
	}
	if ui != len(users) {
		log.Warnf("[Assembler] 转换前后用户消息数量不一致 (%d -> %d)，图片只按前 %d 条对应",
			len(users), ui, min(ui, len(users)))
	}
	return out
}

func hasUsableImage(parts []model.Part) bool {
	for _, p := range parts {
		if p.Type == model.PartImage && IsRemoteOrInline(p.Image) {
			return true
		}
	}
	return false
}

func multiContent(parts []model.Part) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case model.PartText, model.PartFile:
			if p.Text == "" {
				continue
			}
			out = append(out, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
		case model.PartImage:
			// 未能解析的本地引用提供方无法读取，跳过
			if !IsRemoteOrInline(p.Image) {
				continue
			}
			out = append(out, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.Image, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return out
}

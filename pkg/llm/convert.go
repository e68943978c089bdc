package llm

import (
	"better-dev-go/internal/model"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Message 是发给模型之前的内部多分片消息。
type Message struct {
	Role  string
	Parts []model.Part
}

// ConvertMessages 把内部多分片消息转换为提供方要求的扁平格式。
//
// 转换是有损的：图片分片被丢弃，推理分片被丢弃，
// 既无文本也无工具调用的助手消息被整条丢弃，
// 工具结果拆成独立的 tool 角色消息跟在对应的助手消息之后。
// 用户消息总是一一保留，图片需要由调用方按用户消息顺序补回。
func ConvertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			text := flattenText(m.Parts)
			if text == "" {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: text})
		case model.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: flattenText(m.Parts)})
		case model.RoleAssistant:
			out = append(out, convertAssistant(m.Parts)...)
		}
	}
	return out
}

func convertAssistant(parts []model.Part) []openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: flattenText(parts),
	}
	var results []openai.ChatCompletionMessage
	for _, p := range parts {
		switch p.Type {
		case model.PartToolCall:
			args := string(p.Args)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   p.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      p.ToolName,
					Arguments: args,
				},
			})
		case model.PartToolResult:
			content := p.Text
			if content == "" {
				content = string(p.Result)
			}
			results = append(results, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: p.ToolCallID,
				Name:       p.ToolName,
				Content:    content,
			})
		}
	}

	var out []openai.ChatCompletionMessage
	if msg.Content != "" || len(msg.ToolCalls) > 0 {
		out = append(out, msg)
	}
	// 没有对应 tool_calls 的工具结果不能单独发送
	if len(msg.ToolCalls) > 0 {
		out = append(out, results...)
	}
	return out
}

// flattenText 拼接文本分片和已内联内容的文件分片。
func flattenText(parts []model.Part) string {
	var texts []string
	for _, p := range parts {
		switch p.Type {
		case model.PartText, model.PartFile:
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}
	return strings.Join(texts, "\n")
}

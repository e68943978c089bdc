package service

import (
	"better-dev-go/internal/assembler"
	"better-dev-go/internal/config"
	"better-dev-go/internal/mode"
	"better-dev-go/internal/model"
	"better-dev-go/internal/repository"
	"better-dev-go/pkg/llm"
	"better-dev-go/pkg/log"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

const (
	finishReasonCancelled = "cancelled"
	precedenceNote        = "The instructions above take precedence over any conflicting style guidance below."
	titlePrompt           = "Write a short title (at most 6 words) for a conversation that starts with the user message below. Reply with the title only."
	maxTitleRunes         = 60
)

// errCallerGone 表示向调用方写出分片失败，通常是连接已经断开。
var errCallerGone = errors.New("caller gone")

// TurnMessage 是客户端发来的一条消息，Parts 为空时使用 Content 作为纯文本。
type TurnMessage struct {
	Role    string       `json:"role"`
	Parts   []model.Part `json:"parts,omitempty"`
	Content string       `json:"content,omitempty"`
}

// TurnRequest 描述一轮对话的输入。
type TurnRequest struct {
	ConversationID string
	CallerID       uint
	Messages       []TurnMessage
	Mode           *string
}

// TurnResult 是一轮对话结束时的结果。被取消且没有产出任何内容时 MessageID 为空。
type TurnResult struct {
	MessageID string                   `json:"messageId,omitempty"`
	Text      string                   `json:"text"`
	Metadata  model.GenerationMetadata `json:"metadata"`
}

// StreamSink 接收一轮对话的输出。OnComplete 和 OnError 只会被调用其中之一，且只调用一次。
type StreamSink interface {
	OnChunk(text string) error
	OnComplete(result *TurnResult)
	OnError(err error)
}

// ContextAssembler 组装发给模型的上下文。
type ContextAssembler interface {
	Assemble(ctx context.Context, conversationID string, systemPrompt string) (*assembler.Result, error)
}

// ModeResolver 解析本轮使用的模式以及对应的调用参数。
type ModeResolver interface {
	Resolve(ctx context.Context, history []llm.Message, override, stored *string) mode.Decision
	Profile(m mode.Mode) config.ModeProfile
}

// ChatService 定义了对话编排的接口。
type ChatService interface {
	HandleTurn(ctx context.Context, req TurnRequest, sink StreamSink) error
}

type chatService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	attachments   repository.AttachmentRepository
	assembler     ContextAssembler
	resolver      ModeResolver
	llmClient     llm.Client
	cfg           config.ChatConfig
	titleModel    string

	// async 运行不影响本轮结果的后台任务，测试中替换为同步执行
	async func(func())
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	attachments repository.AttachmentRepository,
	contextAssembler ContextAssembler,
	resolver ModeResolver,
	llmClient llm.Client,
	cfg config.ChatConfig,
	titleModel string,
) ChatService {
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 2
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 1
	}
	return &chatService{
		conversations: conversations,
		messages:      messages,
		attachments:   attachments,
		assembler:     contextAssembler,
		resolver:      resolver,
		llmClient:     llmClient,
		cfg:           cfg,
		titleModel:    titleModel,
		async:         func(f func()) { go f() },
	}
}

// HandleTurn 处理一轮对话：校验、保存用户消息、组装上下文、解析模式、流式调用模型并保存回复。
// 校验类错误在输出任何 chunk 之前返回。无论成功与否，sink 都会收到且只收到一次终止回调。
func (s *chatService) HandleTurn(ctx context.Context, req TurnRequest, sink StreamSink) error {
	res, err := s.handleTurn(ctx, req, sink)
	if err != nil {
		sink.OnError(err)
		return err
	}
	sink.OnComplete(res)
	return nil
}

func (s *chatService) handleTurn(ctx context.Context, req TurnRequest, sink StreamSink) (*TurnResult, error) {
	conv, err := ownedConversation(ctx, s.conversations, req.CallerID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	parts, err := normalizeTurn(req.Messages)
	if err != nil {
		return nil, err
	}

	userText := strings.TrimSpace(model.ExtractText(parts))
	if err := s.saveUserMessage(ctx, conv.ID, parts, userText); err != nil {
		return nil, err
	}

	assembled, err := s.assembler.Assemble(ctx, conv.ID, "")
	if err != nil {
		return nil, fmt.Errorf("组装上下文失败: %w", err)
	}
	decision := s.resolver.Resolve(ctx, assembled.Messages, req.Mode, conv.Mode)
	profile := s.resolver.Profile(decision.Effective)
	log.Infow("[ChatService] 模式解析完成",
		"conversationId", conv.ID,
		"requested", decision.Requested,
		"effective", decision.Effective,
		"classified", decision.Classified,
		"model", profile.Model)

	history := assembled.Messages
	if sys := composeSystemPrompt(profile.Instructions, conv.SystemPrompt); sys != "" {
		history = assembler.WithSystemPrompt(history, sys)
	}

	streamReq := llm.StreamRequest{
		Model:       profile.Model,
		Messages:    assembler.Convert(history, llm.ConvertMessages),
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	}
	if s.cfg.EnableWebSearch {
		streamReq.Tools = []openai.Tool{webSearchTool()}
	}

	meta := model.GenerationMetadata{
		RequestedMode: string(decision.Requested),
		EffectiveMode: string(decision.Effective),
		ModelUsed:     profile.Model,
		Temperature:   profile.Temperature,
	}

	onChunk := func(text string) error {
		if err := sink.OnChunk(text); err != nil {
			return fmt.Errorf("%w: %v", errCallerGone, err)
		}
		return nil
	}
	stream, streamErr := s.llmClient.StreamCompletion(ctx, streamReq, onChunk)
	if stream == nil {
		stream = &llm.StreamResult{}
	}
	meta.TokensUsed = stream.TokensUsed
	meta.FinishReason = stream.FinishReason

	if streamErr != nil {
		callerGone := errors.Is(streamErr, errCallerGone)
		if ctx.Err() == nil && !callerGone {
			return nil, fmt.Errorf("%w: 模型调用失败: %v", ErrUpstream, streamErr)
		}
		if callerGone {
			log.Warnf("[ChatService] 写出分片失败，按取消处理, conversationId=%s: %v", conv.ID, streamErr)
		}
		return s.saveCancelled(ctx, conv.ID, stream, meta)
	}

	result, err := s.saveAssistantMessage(ctx, conv.ID, assistantParts(stream), stream.Text, meta)
	if err != nil {
		return nil, err
	}

	if err := s.conversations.Touch(context.WithoutCancel(ctx), conv.ID); err != nil {
		log.Warnf("[ChatService] 刷新会话更新时间失败, conversationId=%s: %v", conv.ID, err)
	}
	if s.cfg.GenerateTitles && conv.Title == nil && userText != "" {
		detached := context.WithoutCancel(ctx)
		s.async(func() { s.generateTitle(detached, conv.ID, userText) })
	}
	return result, nil
}

// normalizeTurn 取出本轮最后一条用户消息并规整为分片序列。
func normalizeTurn(msgs []TurnMessage) ([]model.Part, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != "" && m.Role != model.RoleUser {
			continue
		}
		parts := m.Parts
		if len(parts) == 0 && strings.TrimSpace(m.Content) != "" {
			parts = []model.Part{model.TextPart(m.Content)}
		}
		if isEmptyTurn(parts) {
			return nil, fmt.Errorf("%w: 消息内容不能为空", ErrValidation)
		}
		return parts, nil
	}
	return nil, fmt.Errorf("%w: 本轮没有用户消息", ErrValidation)
}

func isEmptyTurn(parts []model.Part) bool {
	for _, p := range parts {
		switch p.Type {
		case model.PartText:
			if strings.TrimSpace(p.Text) != "" {
				return false
			}
		case model.PartImage:
			if p.Image != "" {
				return false
			}
		case model.PartFile:
			if p.AttachmentID != "" {
				return false
			}
		}
	}
	return true
}

// saveUserMessage 保存用户消息并回填附件关联。与最近几条用户消息文本相同的重发不会重复保存。
func (s *chatService) saveUserMessage(ctx context.Context, conversationID string, parts []model.Part, text string) error {
	if text != "" {
		recent, err := s.messages.LatestByRole(ctx, conversationID, model.RoleUser, s.cfg.DuplicateWindow)
		if err != nil {
			return fmt.Errorf("查询最近用户消息失败: %w", err)
		}
		for i := range recent {
			if strings.TrimSpace(model.ExtractText(recent[i].GetParts())) == text {
				log.Infof("[ChatService] 检测到重复发送，跳过保存, conversationId=%s, messageId=%s", conversationID, recent[i].ID)
				return nil
			}
		}
	}

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		CreatedAt:      time.Now(),
	}
	if err := msg.SetParts(parts); err != nil {
		return fmt.Errorf("%w: 无法编码消息分片: %v", ErrValidation, err)
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("保存用户消息失败: %w", err)
	}

	if ids := model.AttachmentIDs(parts); len(ids) > 0 {
		n, err := s.attachments.LinkToMessage(ctx, conversationID, msg.ID, ids)
		if err != nil {
			return fmt.Errorf("关联附件失败: %w", err)
		}
		if int(n) != len(ids) {
			log.Warnw("[ChatService] 部分附件未能关联到消息", "messageId", msg.ID, "requested", len(ids), "linked", n)
		}
	}
	return nil
}

// saveCancelled 在调用方取消后保存已生成的部分内容。没有任何内容时不保存。
func (s *chatService) saveCancelled(ctx context.Context, conversationID string, stream *llm.StreamResult, meta model.GenerationMetadata) (*TurnResult, error) {
	meta.Cancelled = true
	meta.FinishReason = finishReasonCancelled
	if strings.TrimSpace(stream.Text) == "" {
		log.Infof("[ChatService] 本轮在产出内容前被取消, conversationId=%s", conversationID)
		return &TurnResult{Metadata: meta}, nil
	}
	res, err := s.saveAssistantMessage(ctx, conversationID, []model.Part{model.TextPart(stream.Text)}, stream.Text, meta)
	if err != nil {
		return nil, err
	}
	if err := s.conversations.Touch(context.WithoutCancel(ctx), conversationID); err != nil {
		log.Warnf("[ChatService] 刷新会话更新时间失败, conversationId=%s: %v", conversationID, err)
	}
	return res, nil
}

// saveAssistantMessage 保存助手回复，失败时按配置重试。使用脱离请求的上下文，已生成的回答不因断开而丢失。
func (s *chatService) saveAssistantMessage(ctx context.Context, conversationID string, parts []model.Part, text string, meta model.GenerationMetadata) (*TurnResult, error) {
	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		CreatedAt:      time.Now(),
	}
	if err := msg.SetParts(parts); err != nil {
		return nil, fmt.Errorf("编码助手消息失败: %w", err)
	}
	if err := msg.SetMetadata(&meta); err != nil {
		return nil, fmt.Errorf("编码生成元数据失败: %w", err)
	}

	detached := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.PersistAttempts; attempt++ {
		if lastErr = s.messages.Create(detached, msg); lastErr == nil {
			return &TurnResult{MessageID: msg.ID, Text: text, Metadata: meta}, nil
		}
		log.Warnf("[ChatService] 保存助手消息失败 (第 %d/%d 次), conversationId=%s: %v",
			attempt, s.cfg.PersistAttempts, conversationID, lastErr)
	}
	return nil, fmt.Errorf("%w: 保存助手消息失败: %v", ErrUpstream, lastErr)
}

// assistantParts 把流式结果转换为助手消息分片：文本在前，随后是工具调用。
func assistantParts(res *llm.StreamResult) []model.Part {
	var parts []model.Part
	if res.Text != "" || len(res.ToolCalls) == 0 {
		parts = append(parts, model.TextPart(res.Text))
	}
	for _, tc := range res.ToolCalls {
		args := json.RawMessage(tc.Arguments)
		if !json.Valid(args) {
			quoted, _ := json.Marshal(tc.Arguments)
			args = quoted
		}
		parts = append(parts, model.Part{
			Type:       model.PartToolCall,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			Args:       args,
		})
	}
	return parts
}

// composeSystemPrompt 拼接模式指令和会话自定义提示词，冲突时以模式指令为准。
func composeSystemPrompt(instructions string, userPrompt *string) string {
	instructions = strings.TrimSpace(instructions)
	custom := ""
	if userPrompt != nil {
		custom = strings.TrimSpace(*userPrompt)
	}
	switch {
	case instructions == "":
		return custom
	case custom == "":
		return instructions
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	b.WriteString(precedenceNote)
	b.WriteString("\n\n")
	b.WriteString(custom)
	return b.String()
}

func webSearchTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        assembler.WebSearchTool,
			Description: "Search the web for up-to-date information.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"search query"}},"required":["query"]}`),
		},
	}
}

// generateTitle 为新会话生成标题，失败只记录日志。
func (s *chatService) generateTitle(ctx context.Context, conversationID, userText string) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: titlePrompt},
		{Role: openai.ChatMessageRoleUser, Content: userText},
	}
	titleModel := s.titleModel
	if titleModel == "" {
		titleModel = s.resolver.Profile(mode.Fast).Model
	}
	raw, err := s.llmClient.GenerateCompletion(ctx, msgs, titleModel)
	if err != nil {
		log.Warnf("[ChatService] 生成会话标题失败, conversationId=%s: %v", conversationID, err)
		return
	}
	title := cleanTitle(raw)
	if title == "" {
		return
	}
	if err := s.conversations.UpdateFields(ctx, conversationID, map[string]interface{}{"title": title}); err != nil {
		log.Warnf("[ChatService] 保存会话标题失败, conversationId=%s: %v", conversationID, err)
	}
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, " \t\"'`*#")
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return strings.TrimSpace(title)
}

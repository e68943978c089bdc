// Package llm 是对模型提供方的调用封装，基于 OpenAI 兼容接口。
package llm

import (
	"better-dev-go/internal/config"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// StreamRequest 描述一次流式补全调用。
type StreamRequest struct {
	Model       string
	Messages    []openai.ChatCompletionMessage
	Temperature float32
	MaxTokens   int
	Tools       []openai.Tool
}

// ToolCall 是从流中拼装出的一次工具调用。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// StreamResult 是流式调用累计得到的结果。
type StreamResult struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	TokensUsed   *int
}

// Client 定义了模型调用的接口。
type Client interface {
	// StreamCompletion 把文本增量依次交给 onChunk。
	// 出错时仍返回已累计的部分结果，调用方据此决定是否保存半截回复。
	StreamCompletion(ctx context.Context, req StreamRequest, onChunk func(string) error) (*StreamResult, error)
	GenerateCompletion(ctx context.Context, messages []openai.ChatCompletionMessage, model string) (string, error)
}

type openaiClient struct {
	client *openai.Client
}

// NewClient 根据配置创建模型调用客户端。
func NewClient(cfg config.LLMConfig) Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &openaiClient{client: openai.NewClientWithConfig(clientConfig)}
}

func (c *openaiClient) StreamCompletion(ctx context.Context, req StreamRequest, onChunk func(string) error) (*StreamResult, error) {
	creq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Tools:         req.Tools,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return &StreamResult{}, fmt.Errorf("failed to start chat stream: %w", err)
	}
	defer stream.Close()

	acc := newAccumulator()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return acc.result(), fmt.Errorf("failed to read from stream: %w", err)
		}
		if resp.Usage != nil {
			total := resp.Usage.TotalTokens
			acc.tokens = &total
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			acc.finishReason = string(choice.FinishReason)
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.addToolCall(tc)
		}
		if choice.Delta.Content == "" {
			continue
		}
		acc.text.WriteString(choice.Delta.Content)
		if err := onChunk(choice.Delta.Content); err != nil {
			return acc.result(), err
		}
	}
	return acc.result(), nil
}

func (c *openaiClient) GenerateCompletion(ctx context.Context, messages []openai.ChatCompletionMessage, model string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("failed to complete chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty chat response")
	}
	return resp.Choices[0].Message.Content, nil
}

// accumulator 按 index 合并流中分段到达的工具调用。
type accumulator struct {
	text         strings.Builder
	calls        map[int]*ToolCall
	order        []int
	finishReason string
	tokens       *int
}

func newAccumulator() *accumulator {
	return &accumulator{calls: make(map[int]*ToolCall)}
}

func (a *accumulator) addToolCall(tc openai.ToolCall) {
	idx := len(a.order)
	if tc.Index != nil {
		idx = *tc.Index
	} else if tc.ID == "" && len(a.order) > 0 {
		idx = a.order[len(a.order)-1]
	}
	call, ok := a.calls[idx]
	if !ok {
		call = &ToolCall{}
		a.calls[idx] = call
		a.order = append(a.order, idx)
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	call.Arguments += tc.Function.Arguments
}

func (a *accumulator) result() *StreamResult {
	idxs := append([]int(nil), a.order...)
	sort.Ints(idxs)
	calls := make([]ToolCall, 0, len(idxs))
	for _, i := range idxs {
		calls = append(calls, *a.calls[i])
	}
	return &StreamResult{
		Text:         a.text.String(),
		ToolCalls:    calls,
		FinishReason: a.finishReason,
		TokensUsed:   a.tokens,
	}
}

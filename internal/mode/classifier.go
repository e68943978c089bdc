package mode

import (
	"better-dev-go/internal/config"
	"better-dev-go/pkg/llm"
	"better-dev-go/pkg/log"
	"context"
	"strings"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

const classificationPrompt = `You are a query complexity classifier. Decide whether the user's latest request needs deep, multi-step reasoning.
Reply with exactly one word: SIMPLE or COMPLEX.
SIMPLE: greetings, small talk, short factual questions, simple lookups, rephrasing.
COMPLEX: system design, multi-step analysis, non-trivial code, proofs, planning, trade-off evaluation.`

// Generator 是非流式的模型调用，llm.Client 满足该接口。
type Generator interface {
	GenerateCompletion(ctx context.Context, messages []openai.ChatCompletionMessage, model string) (string, error)
}

// ComplexityClassifier 判断一段对话应使用的实际模式。
type ComplexityClassifier interface {
	Classify(ctx context.Context, history []llm.Message) Mode
}

// Classifier 结合长度启发、缓存和一次小模型调用来判断问题复杂度。
// 任何失败都退回 Fast，不向调用方返回错误。
type Classifier struct {
	gen     Generator
	cache   *ClassificationCache
	model   string
	timeout time.Duration
	minLen  int
}

// NewClassifier 创建分类器。
func NewClassifier(gen Generator, cache *ClassificationCache, cfg config.ClassifierConfig) *Classifier {
	c := &Classifier{
		gen:     gen,
		cache:   cache,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		minLen:  cfg.MinLength,
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if c.minLen <= 0 {
		c.minLen = 15
	}
	return c
}

// Classify 返回 Fast 或 Thinking。
func (c *Classifier) Classify(ctx context.Context, history []llm.Message) Mode {
	text, ok := LatestUserText(history)
	if !ok {
		return Fast
	}
	if utf8.RuneCountInString(text) < c.minLen {
		return Fast
	}

	key := TextKey(text)
	if m, hit := c.cache.Get(key); hit {
		log.Debugf("[Classifier] 命中缓存: %s", m)
		return m
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	answer, err := c.gen.GenerateCompletion(cctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: classificationPrompt},
		{Role: openai.ChatMessageRoleUser, Content: text},
	}, c.model)
	if err != nil {
		log.Warnf("[Classifier] 分类调用失败，回退到 fast (耗时 %s): %v", time.Since(start), err)
		return Fast
	}

	decision := Fast
	if strings.Contains(strings.ToUpper(answer), "COMPLEX") {
		decision = Thinking
	}
	c.cache.Set(key, decision)
	log.Infof("[Classifier] 分类完成: %s (耗时 %s)", decision, time.Since(start))
	return decision
}

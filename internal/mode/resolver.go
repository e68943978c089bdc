package mode

import (
	"better-dev-go/internal/config"
	"better-dev-go/pkg/llm"
	"better-dev-go/pkg/log"
	"context"
)

// Resolver 按 "本轮覆盖 > 会话偏好 > auto" 的优先级解析请求模式。
type Resolver struct {
	classifier ComplexityClassifier
	profiles   map[Mode]config.ModeProfile
}

// NewResolver 创建模式解析器。
func NewResolver(classifier ComplexityClassifier, modes config.ModesConfig) *Resolver {
	return &Resolver{
		classifier: classifier,
		profiles: map[Mode]config.ModeProfile{
			Fast:     modes.Fast,
			Thinking: modes.Thinking,
		},
	}
}

// Resolve 解析本轮对话的模式。非法取值按 auto 处理并记录告警。
func (r *Resolver) Resolve(ctx context.Context, history []llm.Message, override, stored *string) Decision {
	requested := Auto
	switch {
	case override != nil && *override != "":
		requested = coerce(*override, "override")
	case stored != nil && *stored != "":
		requested = coerce(*stored, "conversation")
	}

	if requested.IsConcrete() {
		return Decision{Requested: requested, Effective: requested}
	}
	return Decision{
		Requested:  Auto,
		Effective:  r.classifier.Classify(ctx, history),
		Classified: true,
	}
}

// Profile 返回实际模式对应的调用参数。
func (r *Resolver) Profile(m Mode) config.ModeProfile {
	if p, ok := r.profiles[m]; ok {
		return p
	}
	return r.profiles[Fast]
}

func coerce(value, source string) Mode {
	m, ok := Parse(value)
	if !ok {
		log.Warnw("[ModeResolver] 非法的模式取值，按 auto 处理", "value", value, "source", source)
		return Auto
	}
	return m
}

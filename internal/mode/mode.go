// Package mode 决定每一轮对话使用哪种模型配置。
//
// 请求模式（fast / thinking / auto）经 Resolver 解析为实际模式（fast / thinking），
// auto 时交给 Classifier 判断问题复杂度，分类结果缓存在 ClassificationCache 中。
package mode

import "strings"

// Mode 是模式取值。Auto 只会出现在请求模式中。
type Mode string

const (
	Fast     Mode = "fast"
	Thinking Mode = "thinking"
	Auto     Mode = "auto"
)

// Parse 解析模式字符串，大小写与首尾空白不敏感。
func Parse(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Fast:
		return Fast, true
	case Thinking:
		return Thinking, true
	case Auto:
		return Auto, true
	}
	return "", false
}

// IsConcrete 判断是否为可直接调度的实际模式。
func (m Mode) IsConcrete() bool {
	return m == Fast || m == Thinking
}

// Decision 记录一轮对话的请求模式与实际模式。
type Decision struct {
	Requested Mode
	Effective Mode
	// Classified 表示实际模式来自分类器。
	Classified bool
}

package assembler

import (
	"better-dev-go/internal/model"
	"better-dev-go/pkg/llm"
	"encoding/json"
	"fmt"
	"strings"
)

// WebSearchTool 是联网搜索工具的名字。
const WebSearchTool = "web_search"

type webSearchResult struct {
	Summary string `json:"summary"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// renderToolResults 为尚无文本的工具结果分片生成文本。
func renderToolResults(msgs []llm.Message) {
	for mi := range msgs {
		for pi := range msgs[mi].Parts {
			p := &msgs[mi].Parts[pi]
			if p.Type != model.PartToolResult || p.Text != "" || len(p.Result) == 0 {
				continue
			}
			if p.ToolName == WebSearchTool {
				if text, ok := RenderWebSearch(p.Result); ok {
					p.Text = text
					continue
				}
			}
			p.Text = string(p.Result)
		}
	}
}

// RenderWebSearch 把联网搜索结果渲染为纯文本。
func RenderWebSearch(raw json.RawMessage) (string, bool) {
	var res webSearchResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", false
	}
	var b strings.Builder
	b.WriteString("Web search results:\n")
	if res.Summary != "" {
		b.WriteString("Summary: " + res.Summary + "\n")
	}
	for i, r := range res.Results {
		fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
		if r.URL != "" {
			fmt.Fprintf(&b, " (%s)", r.URL)
		}
		b.WriteString("\n")
		if r.Content != "" {
			b.WriteString("   " + r.Content + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), true
}

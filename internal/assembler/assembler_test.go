package assembler

import (
	"better-dev-go/internal/config"
	"better-dev-go/internal/model"
	"better-dev-go/pkg/llm"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	msgs []model.Message
}

func (f *fakeMessages) ListByConversation(_ context.Context, _ string, limit int) ([]model.Message, error) {
	if limit > 0 && len(f.msgs) > limit {
		return f.msgs[len(f.msgs)-limit:], nil
	}
	return f.msgs, nil
}

type fakeAttachments struct {
	atts  []model.Attachment
	calls int
}

func (f *fakeAttachments) ListByConversation(context.Context, string) ([]model.Attachment, error) {
	f.calls++
	return f.atts, nil
}

type fakeObjects map[string][]byte

func (f fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	if d, ok := f[key]; ok {
		return d, nil
	}
	return nil, errors.New("no such object")
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func msg(t *testing.T, i int, role string, parts ...model.Part) model.Message {
	t.Helper()
	m := model.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c1", Role: role, CreatedAt: base.Add(time.Duration(i) * time.Second)}
	require.NoError(t, m.SetParts(parts))
	return m
}

func strPtr(s string) *string { return &s }

func newTestAssembler(msgs []model.Message, atts []model.Attachment, objects fakeObjects) (*Assembler, *fakeAttachments) {
	fa := &fakeAttachments{atts: atts}
	return New(&fakeMessages{msgs: msgs}, fa, objects, config.ContextConfig{
		DocumentTokenBudget: 5000,
		CharsPerToken:       4,
		TotalCharBudget:     100000,
		ImageWindow:         3,
	}), fa
}

func TestAssembleEmptyConversation(t *testing.T) {
	a, _ := newTestAssembler(nil, nil, nil)

	res, err := a.Assemble(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Empty(t, res.Messages)

	res, err = a.Assemble(context.Background(), "c1", "You are helpful.")
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, model.RoleSystem, res.Messages[0].Role)
	assert.Equal(t, "You are helpful.", model.ExtractText(res.Messages[0].Parts))
}

func TestAssembleLegacyAndEmptyMessages(t *testing.T) {
	legacy := model.Message{ID: "old", Role: model.RoleUser, Text: strPtr("legacy flat text")}
	empty := model.Message{ID: "empty", Role: model.RoleAssistant}
	a, fa := newTestAssembler([]model.Message{legacy, empty}, nil, nil)

	res, err := a.Assemble(context.Background(), "c1", "")
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "legacy flat text", model.ExtractText(res.Messages[0].Parts))
	assert.Equal(t, []model.Part{model.TextPart("")}, res.Messages[1].Parts)
	assert.Equal(t, 0, fa.calls, "no attachment lookup without file parts")
}

func TestAssembleAttachmentStates(t *testing.T) {
	long := strings.Repeat("x", 40000)
	atts := []model.Attachment{
		{ID: "done", FileName: "big.txt", Status: model.ExtractionSuccess, ExtractedText: &long},
		{ID: "busy", FileName: "slow.pdf", Status: model.ExtractionProcessing},
		{ID: "queued", FileName: "q.pdf", Status: model.ExtractionPending},
		{ID: "broken", FileName: "bad.pdf", Status: model.ExtractionFailed},
	}
	msgs := []model.Message{msg(t, 1, model.RoleUser,
		model.TextPart("read these"),
		model.Part{Type: model.PartFile, AttachmentID: "done"},
		model.Part{Type: model.PartFile, AttachmentID: "busy"},
		model.Part{Type: model.PartFile, AttachmentID: "queued", Text: "user note"},
		model.Part{Type: model.PartFile, AttachmentID: "broken"},
		model.Part{Type: model.PartFile, AttachmentID: "unknown"},
	)}
	a, fa := newTestAssembler(msgs, atts, nil)

	res, err := a.Assemble(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, fa.calls, "attachments are fetched in one batched call")

	parts := res.Messages[0].Parts
	require.Len(t, parts, 6)

	header := "[Attachment: big.txt]\n"
	require.True(t, strings.HasPrefix(parts[1].Text, header))
	body := strings.TrimPrefix(parts[1].Text, header)
	marker := "\n\n[... truncated: document exceeds the 20000 character limit]"
	require.True(t, strings.HasSuffix(body, marker))
	assert.LessOrEqual(t, utf8.RuneCountInString(strings.TrimSuffix(body, marker)), 20000)

	assert.Equal(t, `[The file "slow.pdf" is still being read, please wait a moment and ask again.]`, parts[2].Text)
	assert.Equal(t, "user note", parts[3].Text, "pending leaves existing text untouched")
	assert.Equal(t, "", parts[4].Text)
	assert.Equal(t, "", parts[5].Text)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "日本語", Truncate("日本語", 3))
	out := Truncate("日本語テキスト", 3)
	assert.True(t, strings.HasPrefix(out, "日本語\n\n[... truncated"))
}

func TestAssembleBudgetIsAdvisory(t *testing.T) {
	big := strings.Repeat("y", 60000)
	msgs := []model.Message{
		msg(t, 1, model.RoleUser, model.TextPart(big)),
		msg(t, 2, model.RoleUser, model.TextPart(big)),
	}
	a, _ := newTestAssembler(msgs, nil, nil)

	res, err := a.Assemble(context.Background(), "c1", "")
	require.NoError(t, err)
	assert.True(t, res.OverBudget)
	assert.Equal(t, 120000, res.TotalChars)
	assert.Equal(t, big, model.ExtractText(res.Messages[1].Parts), "content is not truncated")
}

func imageMessages(t *testing.T, n int) ([]model.Message, fakeObjects) {
	objects := fakeObjects{}
	var msgs []model.Message
	idx := 0
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("attachments/c1/img-%d.png", i)
		objects[key] = []byte(fmt.Sprintf("png-%d", i))
		idx++
		msgs = append(msgs, msg(t, idx, model.RoleUser,
			model.TextPart(fmt.Sprintf("look at picture %d", i)),
			model.Part{Type: model.PartImage, Image: key, MimeType: "image/png"},
		))
		idx++
		msgs = append(msgs, msg(t, idx, model.RoleAssistant, model.TextPart(fmt.Sprintf("I see picture %d", i))))
	}
	return msgs, objects
}

func TestAssembleImageWindow(t *testing.T) {
	msgs, objects := imageMessages(t, 6)
	a, _ := newTestAssembler(msgs, nil, objects)

	res, err := a.Assemble(context.Background(), "c1", "")
	require.NoError(t, err)
	require.Len(t, res.Messages, 12)

	var kept, omitted []int
	userIdx := 0
	for _, m := range res.Messages {
		if m.Role != model.RoleUser {
			continue
		}
		require.Len(t, m.Parts, 2)
		assert.Equal(t, fmt.Sprintf("look at picture %d", userIdx), m.Parts[0].Text, "order is preserved")
		switch m.Parts[1].Type {
		case model.PartImage:
			kept = append(kept, userIdx)
			assert.True(t, strings.HasPrefix(m.Parts[1].Image, "data:image/png;base64,"))
		case model.PartText:
			omitted = append(omitted, userIdx)
			assert.Equal(t, OmittedImageText, m.Parts[1].Text)
		}
		userIdx++
	}
	assert.Equal(t, []int{3, 4, 5}, kept)
	assert.Equal(t, []int{0, 1, 2}, omitted)
}

func TestAssembleImageResolutionDegrades(t *testing.T) {
	msgs := []model.Message{msg(t, 1, model.RoleUser,
		model.TextPart("two pictures"),
		model.Part{Type: model.PartImage, Image: "attachments/c1/missing.png", MimeType: "image/png"},
		model.Part{Type: model.PartImage, Image: "https://cdn.example.com/a.png"},
		model.Part{Type: model.PartImage, Image: "attachments/c1/ok.jpg"},
	)}
	objects := fakeObjects{"attachments/c1/ok.jpg": {0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'}}
	a, _ := newTestAssembler(msgs, nil, objects)

	res, err := a.Assemble(context.Background(), "c1", "")
	require.NoError(t, err)
	parts := res.Messages[0].Parts
	assert.Equal(t, "attachments/c1/missing.png", parts[1].Image, "failed resolution keeps the original reference")
	assert.Equal(t, "https://cdn.example.com/a.png", parts[2].Image)
	assert.True(t, strings.HasPrefix(parts[3].Image, "data:image/jpeg;base64,"))
}

func TestAssembleRendersWebSearch(t *testing.T) {
	result := json.RawMessage(`{"summary":"Go 1.23 is out","results":[{"title":"Release notes","url":"https://go.dev/doc/go1.23","content":"Iterators landed."}]}`)
	msgs := []model.Message{
		msg(t, 1, model.RoleUser, model.TextPart("what's new in go?")),
		msg(t, 2, model.RoleAssistant,
			model.Part{Type: model.PartToolCall, ToolCallID: "call_1", ToolName: WebSearchTool, Args: json.RawMessage(`{"query":"go release"}`)},
			model.Part{Type: model.PartToolResult, ToolCallID: "call_1", ToolName: WebSearchTool, Result: result},
		),
	}
	a, _ := newTestAssembler(msgs, nil, nil)

	res, err := a.Assemble(context.Background(), "c1", "")
	require.NoError(t, err)
	text := res.Messages[1].Parts[1].Text
	assert.Contains(t, text, "Summary: Go 1.23 is out")
	assert.Contains(t, text, "1. Release notes (https://go.dev/doc/go1.23)")
	assert.Contains(t, text, "Iterators landed.")
}

func TestWithSystemPrompt(t *testing.T) {
	user := llm.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart("hi")}}

	out := WithSystemPrompt([]llm.Message{user}, "mode rules")
	require.Len(t, out, 2)
	assert.Equal(t, "mode rules", model.ExtractText(out[0].Parts))

	orig := []llm.Message{{Role: model.RoleSystem, Parts: []model.Part{model.TextPart("old")}}, user}
	out = WithSystemPrompt(orig, "new")
	require.Len(t, out, 2)
	assert.Equal(t, "new", model.ExtractText(out[0].Parts))
	assert.Equal(t, "old", model.ExtractText(orig[0].Parts), "input is not modified")
}

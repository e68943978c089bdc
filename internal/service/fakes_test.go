package service

import (
	"better-dev-go/internal/model"
	"better-dev-go/internal/repository"
	"better-dev-go/pkg/llm"
	"better-dev-go/pkg/storage"
	"better-dev-go/pkg/tasks"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"gorm.io/gorm"
)

type memConversations struct {
	mu      sync.Mutex
	items   map[string]*model.Conversation
	touches int
	deleted []string
}

func newMemConversations(convs ...model.Conversation) *memConversations {
	m := &memConversations{items: map[string]*model.Conversation{}}
	for i := range convs {
		c := convs[i]
		m.items[c.ID] = &c
	}
	return m
}

func (m *memConversations) Create(_ context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *conv
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	m.items[c.ID] = &c
	return nil
}

func (m *memConversations) FindByID(_ context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memConversations) ListByUser(_ context.Context, userID uint) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Conversation
	for _, c := range m.items {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memConversations) UpdateFields(_ context.Context, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for k, v := range fields {
		var p *string
		if s, ok := v.(string); ok {
			p = &s
		}
		switch k {
		case "title":
			c.Title = p
		case "mode":
			c.Mode = p
		case "system_prompt":
			c.SystemPrompt = p
		}
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (m *memConversations) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	if c, ok := m.items[id]; ok {
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (m *memConversations) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type memMessages struct {
	mu    sync.Mutex
	items []model.Message
	// failAssistant 是助手消息写入需要失败的次数
	failAssistant int
	creates       int
}

func (m *memMessages) Create(ctx context.Context, msg *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.BeforeCreate(nil); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if msg.Role == model.RoleAssistant && m.failAssistant > 0 {
		m.failAssistant--
		return errors.New("deadlock found when trying to get lock")
	}
	m.items = append(m.items, *msg)
	return nil
}

func (m *memMessages) ListByConversation(_ context.Context, conversationID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.items {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memMessages) LatestByRole(_ context.Context, conversationID, role string, n int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for i := len(m.items) - 1; i >= 0 && len(out) < n; i-- {
		if m.items[i].ConversationID == conversationID && m.items[i].Role == role {
			out = append(out, m.items[i])
		}
	}
	return out, nil
}

func (m *memMessages) byRole(role string) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.items {
		if msg.Role == role {
			out = append(out, msg)
		}
	}
	return out
}

type memAttachments struct {
	mu      sync.Mutex
	items   map[string]*model.Attachment
	deleted []string
}

func newMemAttachments(atts ...model.Attachment) *memAttachments {
	m := &memAttachments{items: map[string]*model.Attachment{}}
	for i := range atts {
		a := atts[i]
		m.items[a.ID] = &a
	}
	return m
}

func (m *memAttachments) Create(_ context.Context, att *model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *att
	m.items[a.ID] = &a
	return nil
}

func (m *memAttachments) FindByID(_ context.Context, id string) (*model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAttachments) ListByConversation(_ context.Context, conversationID string) ([]model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Attachment
	for _, a := range m.items {
		if a.ConversationID == conversationID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAttachments) LinkToMessage(_ context.Context, conversationID, messageID string, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		a, ok := m.items[id]
		if !ok || a.ConversationID != conversationID || a.MessageID != nil {
			continue
		}
		mid := messageID
		a.MessageID = &mid
		n++
	}
	return n, nil
}

func (m *memAttachments) ListIDsByStatus(_ context.Context, status model.ExtractionStatus, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, a := range m.items {
		if a.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memAttachments) TransitionStatus(_ context.Context, id string, from, to model.ExtractionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.Status != from || !from.CanTransitionTo(to) {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *memAttachments) Complete(_ context.Context, id string, result repository.ExtractionResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.Status != model.ExtractionProcessing {
		return false, nil
	}
	a.Status = result.Status
	a.ExtractedText = result.Text
	return true, nil
}

func (m *memAttachments) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	putErr  error
}

func newMemBackend() *memBackend {
	return &memBackend{objects: map[string][]byte{}}
}

func (b *memBackend) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if b.putErr != nil {
		return "", b.putErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return key, nil
}

func (b *memBackend) Get(_ context.Context, locator string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.objects[locator]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

func (b *memBackend) Delete(_ context.Context, locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, locator)
	b.deleted = append(b.deleted, locator)
	return nil
}

type fakeDispatcher struct {
	err   error
	tasks []tasks.ExtractionTask
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task tasks.ExtractionTask) error {
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

type fakeFailer struct {
	atts   *memAttachments
	failed []string
}

func (f *fakeFailer) Fail(ctx context.Context, id, _ string) error {
	f.failed = append(f.failed, id)
	if _, err := f.atts.TransitionStatus(ctx, id, model.ExtractionPending, model.ExtractionProcessing); err != nil {
		return err
	}
	_, err := f.atts.Complete(ctx, id, repository.ExtractionResult{Status: model.ExtractionFailed})
	return err
}

type fakeIndex struct {
	deleted []string
}

func (f *fakeIndex) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

// fakeLLM 按脚本输出流式分片，并记录每次调用。
type fakeLLM struct {
	mu sync.Mutex

	chunks []string
	result llm.StreamResult
	err    error
	// cancelAfter > 0 时在输出这么多分片后调用 cancel
	cancelAfter int
	cancel      context.CancelFunc

	streamCalls []llm.StreamRequest

	classifyAnswer string
	classifyCalls  int
	titleAnswer    string
	titleCalls     int
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, req llm.StreamRequest, onChunk func(string) error) (*llm.StreamResult, error) {
	f.mu.Lock()
	f.streamCalls = append(f.streamCalls, req)
	f.mu.Unlock()

	res := f.result
	res.Text = ""
	for i, c := range f.chunks {
		if f.cancelAfter > 0 && i == f.cancelAfter {
			f.cancel()
			return &res, ctx.Err()
		}
		if err := onChunk(c); err != nil {
			return &res, err
		}
		res.Text += c
	}
	if f.err != nil {
		return &res, f.err
	}
	return &res, nil
}

func (f *fakeLLM) GenerateCompletion(_ context.Context, _ []openai.ChatCompletionMessage, model string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if model == "title-model" {
		f.titleCalls++
		return f.titleAnswer, nil
	}
	f.classifyCalls++
	return f.classifyAnswer, nil
}

type recordingSink struct {
	chunks    []string
	completed []*TurnResult
	errs      []error
	// failAt > 0 时第 failAt 个分片写出失败，模拟连接已断开
	failAt int
	calls  int
}

func (s *recordingSink) OnChunk(text string) error {
	s.calls++
	if s.failAt > 0 && s.calls >= s.failAt {
		return errors.New("write: broken pipe")
	}
	s.chunks = append(s.chunks, text)
	return nil
}

func (s *recordingSink) OnComplete(result *TurnResult) { s.completed = append(s.completed, result) }

func (s *recordingSink) OnError(err error) { s.errs = append(s.errs, err) }

func (s *recordingSink) terminalCalls() int { return len(s.completed) + len(s.errs) }

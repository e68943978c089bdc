// Package pipeline 实现附件的异步抽取流程。
//
// 状态只沿 PENDING -> PROCESSING -> SUCCESS|FAILED 前进。每次转换都是带前置状态的
// 条件更新，重复投递的任务因此不会把已完成的附件重新拉回处理中。
package pipeline

import (
	"better-dev-go/internal/config"
	"better-dev-go/internal/model"
	"better-dev-go/internal/repository"
	"better-dev-go/pkg/es"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/storage"
	"better-dev-go/pkg/tasks"
	"better-dev-go/pkg/tika"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
)

// AttachmentStore 是流程需要的附件持久化操作。
type AttachmentStore interface {
	FindByID(ctx context.Context, id string) (*model.Attachment, error)
	TransitionStatus(ctx context.Context, id string, from, to model.ExtractionStatus) (bool, error)
	Complete(ctx context.Context, id string, result repository.ExtractionResult) (bool, error)
}

// OCREngine 从图片中识别文字。
type OCREngine interface {
	ExtractText(ctx context.Context, image []byte, mimeType string) (string, error)
}

// DocumentExtractor 从文档中抽取文字。
type DocumentExtractor interface {
	ExtractText(ctx context.Context, data []byte, mimeType string) (*tika.Result, error)
}

// TextIndexer 把抽取出的文字写入全文索引。
type TextIndexer interface {
	Index(ctx context.Context, doc es.AttachmentDocument) error
}

// Processor 封装了附件抽取的所有依赖和逻辑，实现 tasks.Processor。
type Processor struct {
	store      AttachmentStore
	storage    storage.Backend
	ocr        OCREngine
	docs       DocumentExtractor
	indexer    TextIndexer
	thumbSide  int
	maxAttempt int
	retryDelay time.Duration
}

// NewProcessor 创建一个新的 Processor 实例。indexer 可以为 nil。
func NewProcessor(
	store AttachmentStore,
	backend storage.Backend,
	ocr OCREngine,
	docs DocumentExtractor,
	indexer TextIndexer,
	cfg config.AttachmentConfig,
) *Processor {
	p := &Processor{
		store:      store,
		storage:    backend,
		ocr:        ocr,
		docs:       docs,
		indexer:    indexer,
		thumbSide:  cfg.ThumbnailMaxSide,
		maxAttempt: cfg.MaxExtractionAttempts,
		retryDelay: time.Second,
	}
	if p.thumbSide <= 0 {
		p.thumbSide = 300
	}
	if p.maxAttempt <= 0 {
		p.maxAttempt = 1
	}
	return p
}

// outcome 是一次抽取在写入终态之前的中间结果。
type outcome struct {
	status       model.ExtractionStatus
	text         string
	thumbnailKey string
	meta         map[string]interface{}
}

// Process 是附件抽取的主函数。
// 只有持久化失败才返回错误；抽取本身的失败都记录在附件的终态里。
func (p *Processor) Process(ctx context.Context, task tasks.ExtractionTask) error {
	att, err := p.store.FindByID(ctx, task.AttachmentID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warnf("[Pipeline] 附件不存在，可能已被删除, attachment=%s", task.AttachmentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("加载附件失败: %w", err)
	}
	if att.Status.IsTerminal() {
		log.Infof("[Pipeline] 附件已处于终态 %s，忽略重复任务, attachment=%s", att.Status, att.ID)
		return nil
	}

	if att.Status == model.ExtractionPending {
		ok, err := p.store.TransitionStatus(ctx, att.ID, model.ExtractionPending, model.ExtractionProcessing)
		if err != nil {
			return fmt.Errorf("更新附件状态失败: %w", err)
		}
		if !ok {
			log.Infof("[Pipeline] 附件已被其他 worker 接手, attachment=%s", att.ID)
			return nil
		}
	}
	log.Infof("[Pipeline] 开始抽取, attachment=%s, file=%s, mime=%s", att.ID, att.FileName, att.MimeType)
	start := time.Now()

	out := p.extract(ctx, att)
	out.meta["durationMs"] = time.Since(start).Milliseconds()
	if err := p.finish(ctx, att, out); err != nil {
		return err
	}

	if out.status == model.ExtractionSuccess && out.text != "" && p.indexer != nil {
		doc := es.AttachmentDocument{
			AttachmentID:   att.ID,
			ConversationID: att.ConversationID,
			FileName:       att.FileName,
			MimeType:       att.MimeType,
			TextContent:    out.text,
		}
		if err := p.indexer.Index(ctx, doc); err != nil {
			log.Warnf("[Pipeline] 写入全文索引失败, attachment=%s: %v", att.ID, err)
		}
	}
	return nil
}

// Fail 把一个尚未开始抽取的附件直接标记为失败，例如任务未能入队时。
func (p *Processor) Fail(ctx context.Context, attachmentID, reason string) error {
	ok, err := p.store.TransitionStatus(ctx, attachmentID, model.ExtractionPending, model.ExtractionProcessing)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	meta, _ := json.Marshal(map[string]interface{}{"error": reason})
	_, err = p.store.Complete(ctx, attachmentID, repository.ExtractionResult{
		Status:   model.ExtractionFailed,
		Metadata: meta,
	})
	return err
}

func (p *Processor) extract(ctx context.Context, att *model.Attachment) outcome {
	category := model.CategoryOf(att.MimeType)
	out := outcome{meta: map[string]interface{}{"category": string(category)}}

	if category == model.CategoryOther {
		out.status = model.ExtractionSuccess
		return out
	}

	data, err := p.storage.Get(ctx, att.StorageKey)
	if err != nil {
		log.Errorf("[Pipeline] 读取附件原文件失败, attachment=%s: %v", att.ID, err)
		out.status = model.ExtractionFailed
		out.meta["error"] = fmt.Sprintf("read stored file: %v", err)
		return out
	}

	switch category {
	case model.CategoryImage:
		p.extractImage(ctx, att, data, &out)
	case model.CategoryDocument:
		p.extractDocument(ctx, att, data, &out)
	}
	return out
}

func (p *Processor) extractDocument(ctx context.Context, att *model.Attachment, data []byte, out *outcome) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempt; attempt++ {
		out.meta["attempts"] = attempt
		res, err := p.docs.ExtractText(ctx, data, att.MimeType)
		if err == nil {
			out.status = model.ExtractionSuccess
			out.text = res.Text
			out.meta["charCount"] = utf8.RuneCountInString(res.Text)
			if len(res.Metadata) > 0 {
				out.meta["document"] = res.Metadata
			}
			return
		}
		lastErr = err
		log.Warnf("[Pipeline] 文档抽取失败 (第 %d/%d 次), attachment=%s: %v", attempt, p.maxAttempt, att.ID, err)
		if attempt < p.maxAttempt {
			select {
			case <-ctx.Done():
				attempt = p.maxAttempt
			case <-time.After(p.retryDelay):
			}
		}
	}
	out.status = model.ExtractionFailed
	out.meta["error"] = lastErr.Error()
}

func (p *Processor) finish(ctx context.Context, att *model.Attachment, out outcome) error {
	meta, err := json.Marshal(out.meta)
	if err != nil {
		return fmt.Errorf("编码抽取元数据失败: %w", err)
	}
	result := repository.ExtractionResult{Status: out.status, Metadata: meta}
	if out.status == model.ExtractionSuccess {
		text := out.text
		result.Text = &text
	}
	if out.thumbnailKey != "" {
		key := out.thumbnailKey
		result.ThumbnailKey = &key
	}

	// 终态写入不受任务 ctx 取消影响，否则附件会停留在 PROCESSING
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	ok, err := p.store.Complete(wctx, att.ID, result)
	if err != nil {
		return fmt.Errorf("写入抽取结果失败: %w", err)
	}
	if !ok {
		log.Warnf("[Pipeline] 附件状态已变化，丢弃本次抽取结果, attachment=%s", att.ID)
		return nil
	}
	log.Infof("[Pipeline] 抽取结束, attachment=%s, status=%s", att.ID, out.status)
	return nil
}

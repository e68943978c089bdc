package pipeline

import (
	"better-dev-go/internal/model"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/storage"
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// extractImage 并行生成缩略图和识别文字。两步互相独立，任一失败只记入元数据，
// 附件整体仍然成功。
func (p *Processor) extractImage(ctx context.Context, att *model.Attachment, data []byte, out *outcome) {
	var mu sync.Mutex
	setMeta := func(k string, v interface{}) {
		mu.Lock()
		out.meta[k] = v
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		key, w, h, err := p.makeThumbnail(gctx, att.ID, data)
		if err != nil {
			log.Warnf("[Pipeline] 生成缩略图失败, attachment=%s: %v", att.ID, err)
			setMeta("thumbnailError", err.Error())
			return nil
		}
		mu.Lock()
		out.thumbnailKey = key
		out.meta["width"] = w
		out.meta["height"] = h
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		text, err := p.ocr.ExtractText(gctx, data, att.MimeType)
		if err != nil {
			log.Warnf("[Pipeline] OCR 失败，按空文本处理, attachment=%s: %v", att.ID, err)
			setMeta("ocrError", err.Error())
			return nil
		}
		mu.Lock()
		out.text = text
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	out.status = model.ExtractionSuccess
}

// makeThumbnail 把图片等比缩放到最长边不超过 thumbSide 并以 JPEG 保存，返回原图尺寸。
func (p *Processor) makeThumbnail(ctx context.Context, attachmentID string, data []byte) (string, int, int, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return "", 0, 0, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	thumb := imaging.Fit(img, p.thumbSide, p.thumbSide, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return "", 0, 0, fmt.Errorf("encode thumbnail: %w", err)
	}
	key, err := p.storage.Put(ctx, storage.ThumbnailKey(attachmentID), buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", 0, 0, fmt.Errorf("store thumbnail: %w", err)
	}
	return key, bounds.Dx(), bounds.Dy(), nil
}

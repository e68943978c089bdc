// Package ocr 通过 tesseract 命令行从图片中识别文字。
// Engine 在第一次使用时才探测 tesseract 是否可用，进程退出前需调用 Close。
package ocr

import (
	"better-dev-go/internal/config"
	"better-dev-go/pkg/log"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ErrClosed 表示引擎已关闭。
var ErrClosed = errors.New("ocr engine is closed")

// ErrUnavailable 表示 tesseract 不可用。
var ErrUnavailable = errors.New("tesseract is not available")

const (
	probeTimeout       = 10 * time.Second
	probeRetryInterval = 30 * time.Second
)

var supportedMimeTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/jpg":  {},
	"image/gif":  {},
	"image/bmp":  {},
	"image/tiff": {},
	"image/webp": {},
}

// Runner 执行外部命令并返回标准输出。
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Engine 是共享的 OCR 引擎。
type Engine struct {
	cfg config.OCRConfig
	run Runner

	// 探测失败不会永久生效，retryInterval 之后的调用会重新探测
	initMu        sync.Mutex
	ready         bool
	initErr       error
	lastProbe     time.Time
	retryInterval time.Duration
	version       string

	sem      *semaphore.Weighted
	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewEngine 创建 OCR 引擎，此时不会启动任何进程。
func NewEngine(cfg config.OCRConfig) *Engine {
	return NewEngineWithRunner(cfg, execRunner)
}

// NewEngineWithRunner 使用自定义 Runner 创建引擎。
func NewEngineWithRunner(cfg config.OCRConfig, run Runner) *Engine {
	if cfg.TesseractPath == "" {
		cfg.TesseractPath = "tesseract"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	return &Engine{
		cfg: cfg,
		run: run,
		sem: semaphore.NewWeighted(cfg.MaxConcurrency),

		retryInterval: probeRetryInterval,
	}
}

func (e *Engine) init(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()
	if e.ready {
		return nil
	}
	if e.initErr != nil && time.Since(e.lastProbe) < e.retryInterval {
		return e.initErr
	}

	// 探测不受单个任务的取消影响
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()
	e.lastProbe = time.Now()
	out, err := e.run(pctx, e.cfg.TesseractPath, "--version")
	if err != nil {
		e.initErr = errors.Wrap(ErrUnavailable, err.Error())
		log.Warnf("[OCR] tesseract 不可用: %v", err)
		return e.initErr
	}
	e.ready = true
	e.initErr = nil
	e.version = firstLine(string(out))
	log.Infof("[OCR] tesseract 已就绪: %s", e.version)
	return nil
}

// IsSupported 判断图片类型是否支持识别。
func IsSupported(mimeType string) bool {
	_, ok := supportedMimeTypes[strings.ToLower(strings.TrimSpace(mimeType))]
	return ok
}

// ExtractText 识别图片中的文字。
func (e *Engine) ExtractText(ctx context.Context, image []byte, mimeType string) (string, error) {
	if !IsSupported(mimeType) {
		return "", errors.Errorf("unsupported MIME type: %s", mimeType)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	if err := e.init(ctx); err != nil {
		return "", err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", errors.Wrap(err, "等待 OCR 资源失败")
	}
	defer e.sem.Release(1)

	tmpFile, err := os.CreateTemp("", "ocr_*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)
	if _, err := tmpFile.Write(image); err != nil {
		tmpFile.Close()
		return "", errors.Wrap(err, "failed to write temp file")
	}
	tmpFile.Close()

	// 输出到 stdout，省去读写结果文件
	args := []string{tmpPath, "stdout"}
	if e.cfg.Languages != "" {
		args = append(args, "-l", e.cfg.Languages)
	}
	if e.cfg.DataPath != "" {
		args = append(args, "--tessdata-dir", e.cfg.DataPath)
	}
	out, err := e.run(ctx, e.cfg.TesseractPath, args...)
	if err != nil {
		return "", errors.Wrap(err, "tesseract command failed")
	}
	return strings.TrimSpace(string(out)), nil
}

// Close 拒绝新的识别请求，并等待进行中的识别结束。
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	log.Info("[OCR] 引擎已关闭")
	return nil
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "stderr: %s", strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

package ocr

import (
	"better-dev-go/internal/config"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTesseract struct {
	versionCalls atomic.Int32
	ocrCalls     atomic.Int32
	running      atomic.Int32
	maxRunning   atomic.Int32
	delay        time.Duration
	versionErr   error
	text         string
}

func (f *fakeTesseract) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if len(args) == 1 && args[0] == "--version" {
		f.versionCalls.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.versionErr != nil {
			return nil, f.versionErr
		}
		return []byte("tesseract 5.3.0\n leptonica-1.82.0"), nil
	}
	f.ocrCalls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxRunning.Load()
		if n <= m || f.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return []byte("\n" + f.text + "\n"), nil
}

func TestExtractTextLazyInit(t *testing.T) {
	fake := &fakeTesseract{text: "hello world"}
	e := NewEngineWithRunner(config.OCRConfig{Languages: "eng"}, fake.run)
	assert.Equal(t, int32(0), fake.versionCalls.Load(), "no process before first use")

	for i := 0; i < 3; i++ {
		text, err := e.ExtractText(context.Background(), []byte("png-bytes"), "image/png")
		require.NoError(t, err)
		assert.Equal(t, "hello world", text)
	}
	assert.Equal(t, int32(1), fake.versionCalls.Load())
	assert.Equal(t, int32(3), fake.ocrCalls.Load())
	require.NoError(t, e.Close())
}

func TestExtractTextUnavailable(t *testing.T) {
	fake := &fakeTesseract{versionErr: errors.New("exec: not found")}
	e := NewEngineWithRunner(config.OCRConfig{}, fake.run)

	_, err := e.ExtractText(context.Background(), []byte("x"), "image/jpeg")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = e.ExtractText(context.Background(), []byte("x"), "image/jpeg")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), fake.versionCalls.Load())
	assert.Equal(t, int32(0), fake.ocrCalls.Load())
}

func TestExtractTextRetriesProbeAfterInterval(t *testing.T) {
	fake := &fakeTesseract{versionErr: errors.New("exec: not found"), text: "ok"}
	e := NewEngineWithRunner(config.OCRConfig{}, fake.run)
	e.retryInterval = 0

	_, err := e.ExtractText(context.Background(), []byte("x"), "image/png")
	assert.ErrorIs(t, err, ErrUnavailable)

	fake.versionErr = nil
	text, err := e.ExtractText(context.Background(), []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(2), fake.versionCalls.Load())
}

func TestExtractTextProbeIgnoresCallerCancel(t *testing.T) {
	fake := &fakeTesseract{text: "ok"}
	e := NewEngineWithRunner(config.OCRConfig{}, fake.run)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ExtractText(ctx, []byte("x"), "image/png")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)

	text, err := e.ExtractText(context.Background(), []byte("x"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(1), fake.versionCalls.Load())
}

func TestExtractTextUnsupported(t *testing.T) {
	e := NewEngineWithRunner(config.OCRConfig{}, (&fakeTesseract{}).run)
	_, err := e.ExtractText(context.Background(), []byte("x"), "application/pdf")
	assert.Error(t, err)
}

func TestConcurrencyBound(t *testing.T) {
	fake := &fakeTesseract{text: "t", delay: 20 * time.Millisecond}
	e := NewEngineWithRunner(config.OCRConfig{MaxConcurrency: 2}, fake.run)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.ExtractText(context.Background(), []byte("x"), "image/png")
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, fake.maxRunning.Load(), int32(2))
	assert.Equal(t, int32(6), fake.ocrCalls.Load())
}

func TestCloseRejectsNewWork(t *testing.T) {
	e := NewEngineWithRunner(config.OCRConfig{}, (&fakeTesseract{}).run)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.ExtractText(context.Background(), []byte("x"), "image/png")
	assert.ErrorIs(t, err, ErrClosed)
}

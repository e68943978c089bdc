package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	loc, err := b.Put(ctx, AttachmentKey("c1", "a1", "report.pdf"), []byte("hello"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "attachments/c1/a1/report.pdf", loc)

	data, err := b.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, b.Delete(ctx, loc))
	_, err = b.Get(ctx, loc)
	assert.ErrorIs(t, err, ErrNotFound)

	// 重复删除不报错
	assert.NoError(t, b.Delete(ctx, loc))
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../etc/passwd", "a/../../b", ""} {
		_, err := b.Put(context.Background(), key, []byte("x"), "text/plain")
		assert.Error(t, err, key)
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "thumbnails/a1.jpg", ThumbnailKey("a1"))
	assert.Equal(t, "attachments/c/a/evil.txt", AttachmentKey("c", "a", "../../evil.txt"))
}

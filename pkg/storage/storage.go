// Package storage 提供了附件原始字节的存储后端：本地文件系统与 MinIO 对象存储。
// 两种实现对调用方完全等价，Put 返回的 locator 即后续 Get/Delete 使用的键。
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound 表示对象不存在。
var ErrNotFound = errors.New("storage object not found")

// Backend 是文件存储后端的统一接口。
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
}

// AttachmentKey 生成附件原文件的存储键。
func AttachmentKey(conversationID, attachmentID, fileName string) string {
	return path.Join("attachments", conversationID, attachmentID, sanitizeName(fileName))
}

// ThumbnailKey 生成附件缩略图的存储键。
func ThumbnailKey(attachmentID string) string {
	return path.Join("thumbnails", attachmentID+".jpg")
}

// cleanKey 规整存储键，拒绝绝对路径和跳出根目录的键。
func cleanKey(key string) (string, error) {
	k := strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	k = path.Clean("/" + k)[1:]
	if k == "" || k == "." {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(key, "\\", "/"), "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid storage key %q", key)
		}
	}
	return k, nil
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." || name == "" {
		return "file"
	}
	return name
}

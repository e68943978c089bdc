package storage

import (
	"better-dev-go/internal/config"
	"better-dev-go/pkg/log"
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOBackend 把对象保存在 MinIO 存储桶中。
type MinIOBackend struct {
	client *minio.Client
	bucket string
}

// NewMinIOBackend 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOBackend(ctx context.Context, cfg config.MinIOConfig) (*MinIOBackend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	log.Info("MinIO 客户端初始化成功")

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, err
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	}
	return &MinIOBackend{client: client, bucket: cfg.BucketName}, nil
}

func (b *MinIOBackend) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	_, err = b.client.PutObject(ctx, b.bucket, k, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", err
	}
	return k, nil
}

func (b *MinIOBackend) Get(ctx context.Context, locator string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, locator, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *MinIOBackend) Delete(ctx context.Context, locator string) error {
	return b.client.RemoveObject(ctx, b.bucket, locator, minio.RemoveObjectOptions{})
}

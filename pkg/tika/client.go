// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"better-dev-go/internal/config"
	"better-dev-go/pkg/log"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Result 是一次文档抽取的结果。
type Result struct {
	Text     string
	Metadata map[string]string
}

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		serverURL:  strings.TrimRight(cfg.ServerURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ExtractText 调用 Tika 的 /tika 接口抽取纯文本，并尽力通过 /meta 获取文档元数据。
func (c *Client) ExtractText(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	if c.serverURL == "" {
		return nil, errors.New("tika server url is not configured")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	body, err := c.put(ctx, "/tika", data, mimeType, "text/plain")
	if err != nil {
		return nil, err
	}
	result := &Result{Text: strings.TrimSpace(string(body))}

	meta, err := c.metadata(ctx, data, mimeType)
	if err != nil {
		log.Warnf("[Tika] 获取文档元数据失败: %v", err)
	} else {
		result.Metadata = meta
	}
	return result, nil
}

func (c *Client) put(ctx context.Context, path string, data []byte, contentType, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "创建请求失败")
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "调用 Tika 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(b))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "读取 Tika 响应失败")
	}
	return b, nil
}

func (c *Client) metadata(ctx context.Context, data []byte, mimeType string) (map[string]string, error) {
	body, err := c.put(ctx, "/meta", data, mimeType, "application/json")
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "解析 Tika 元数据失败")
	}
	meta := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			meta[k] = val
		case []interface{}:
			if len(val) > 0 {
				if s, ok := val[0].(string); ok {
					meta[k] = s
				}
			}
		}
	}
	return meta, nil
}

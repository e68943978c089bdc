// Package es 把附件抽取出的文本写入 Elasticsearch 全文索引。
package es

import (
	"better-dev-go/internal/config"
	"better-dev-go/pkg/log"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// AttachmentDocument 是索引中的一条附件文本记录。
type AttachmentDocument struct {
	AttachmentID   string    `json:"attachment_id"`
	ConversationID string    `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	MimeType       string    `json:"mime_type"`
	TextContent    string    `json:"text_content"`
	IndexedAt      time.Time `json:"indexed_at"`
}

const indexMapping = `{
	"mappings": {
		"properties": {
			"attachment_id": { "type": "keyword" },
			"conversation_id": { "type": "keyword" },
			"file_name": { "type": "keyword" },
			"mime_type": { "type": "keyword" },
			"text_content": { "type": "text" },
			"indexed_at": { "type": "date" }
		}
	}
}`

// AttachmentIndex 封装了附件文本索引的读写。
type AttachmentIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// NewAttachmentIndex 初始化 Elasticsearch 客户端，并在索引不存在时创建它。
func NewAttachmentIndex(esCfg config.ElasticsearchConfig) (*AttachmentIndex, error) {
	var addrs []string
	for _, a := range strings.Split(esCfg.Addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addrs,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		return nil, err
	}
	idx := &AttachmentIndex{client: client, indexName: esCfg.IndexName}
	if err := idx.createIndexIfNotExists(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (i *AttachmentIndex) createIndexIfNotExists() error {
	res, err := i.client.Indices.Exists([]string{i.indexName})
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("[ES] 索引 '%s' 已存在", i.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = i.client.Indices.Create(i.indexName, i.client.Indices.Create.WithBody(strings.NewReader(indexMapping)))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String())
	}
	log.Infof("[ES] 索引 '%s' 创建成功", i.indexName)
	return nil
}

// Index 写入或覆盖一条附件文本。
func (i *AttachmentIndex) Index(ctx context.Context, doc AttachmentDocument) error {
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now()
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      i.indexName,
		DocumentID: doc.AttachmentID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to index attachment: %s", res.String())
	}
	return nil
}

// Delete 删除一条附件文本，不存在时视为成功。
func (i *AttachmentIndex) Delete(ctx context.Context, attachmentID string) error {
	req := esapi.DeleteRequest{Index: i.indexName, DocumentID: attachmentID}
	res, err := req.Do(ctx, i.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete attachment document: %s", res.String())
	}
	return nil
}

// Package tasks 定义了附件抽取任务以及调度这些任务的方式。
package tasks

import (
	"context"
	"errors"
)

// ErrQueueFull 表示本地队列已满，任务未被接受。
var ErrQueueFull = errors.New("extraction queue is full")

// ErrQueueClosed 表示队列已经关闭。
var ErrQueueClosed = errors.New("extraction queue is closed")

// ExtractionTask 是一次附件抽取作业。
type ExtractionTask struct {
	AttachmentID   string `json:"attachment_id"`
	ConversationID string `json:"conversation_id"`
	FileName       string `json:"file_name"`
	MimeType       string `json:"mime_type"`
}

// Dispatcher 把任务交给后台执行，不等待其完成。
type Dispatcher interface {
	Dispatch(ctx context.Context, task ExtractionTask) error
}

// Processor 执行单个任务。
type Processor interface {
	Process(ctx context.Context, task ExtractionTask) error
}

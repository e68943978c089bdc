package tasks

import (
	"better-dev-go/pkg/log"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LocalQueue 是进程内的有界任务队列，由固定数量的 worker 消费。
// 队列满时 Dispatch 立即失败，背压交由调用方处理。
type LocalQueue struct {
	ch      chan ExtractionTask
	workers int

	mu     sync.RWMutex
	closed bool
	group  *errgroup.Group
}

// NewLocalQueue 创建一个本地队列。
func NewLocalQueue(workers, size int) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	return &LocalQueue{
		ch:      make(chan ExtractionTask, size),
		workers: workers,
	}
}

// Dispatch 非阻塞地提交任务。
func (q *LocalQueue) Dispatch(ctx context.Context, task ExtractionTask) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Start 启动 worker。worker 一直消费到 Close 关闭队列为止，队列里已有的任务不会因 ctx 取消而被丢弃；
// ctx 只提供传给 Processor 的值，取消信号不会传递下去。
func (q *LocalQueue) Start(ctx context.Context, processor Processor) {
	taskCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := 0; i < q.workers; i++ {
		id := i
		g.Go(func() error {
			for task := range q.ch {
				if err := processor.Process(taskCtx, task); err != nil {
					log.Errorf("[LocalQueue] worker %d 处理任务失败, attachment=%s: %v", id, task.AttachmentID, err)
				}
			}
			return nil
		})
	}
	q.mu.Lock()
	q.group = &g
	q.mu.Unlock()
	log.Infof("[LocalQueue] 已启动 %d 个抽取 worker", q.workers)
}

// Close 停止接受新任务，并等待 worker 处理完队列中剩余的任务。
func (q *LocalQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	g := q.group
	q.mu.Unlock()

	if g != nil {
		_ = g.Wait()
	}
}

// Len 返回队列中等待处理的任务数。
func (q *LocalQueue) Len() int {
	return len(q.ch)
}

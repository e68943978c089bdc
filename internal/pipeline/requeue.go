package pipeline

import (
	"better-dev-go/internal/model"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/tasks"
	"context"
	"fmt"
)

// PendingLister 列出尚未开始抽取的附件。
type PendingLister interface {
	ListIDsByStatus(ctx context.Context, status model.ExtractionStatus, limit int) ([]string, error)
}

// RequeuePending 在启动时把仍处于 PENDING 的附件重新投递，返回成功入队的数量。
// 重复投递是安全的：Processor 通过条件状态转换保证每个附件只被抽取一次。
func RequeuePending(ctx context.Context, lister PendingLister, dispatcher tasks.Dispatcher, limit int) (int, error) {
	ids, err := lister.ListIDsByStatus(ctx, model.ExtractionPending, limit)
	if err != nil {
		return 0, fmt.Errorf("查询待处理附件失败: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := dispatcher.Dispatch(ctx, tasks.ExtractionTask{AttachmentID: id}); err != nil {
			log.Warnf("[Pipeline] 重新投递附件失败, attachment=%s: %v", id, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Infof("[Pipeline] 已重新投递 %d 个待处理附件", n)
	}
	return n, nil
}

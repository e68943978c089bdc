// Package kafka 提供了通过 Kafka 分发附件抽取任务的生产者与消费者。
package kafka

import (
	"better-dev-go/internal/config"
	"better-dev-go/pkg/log"
	"better-dev-go/pkg/tasks"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

// Producer 把抽取任务写入 Kafka 主题，实现 tasks.Dispatcher。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Dispatch 发送一个抽取任务，以附件 ID 作为消息键。
func (p *Producer) Dispatch(ctx context.Context, task tasks.ExtractionTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.AttachmentID),
		Value: taskBytes,
	})
}

// Close 关闭底层 writer。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// retryDelay 是同一条消息两次处理之间的等待时间。
var retryDelay = 2 * time.Second

// StartConsumer 启动一个 Kafka 消费者来处理抽取任务，直到 ctx 被取消。
// FetchMessage 不会回退到未提交的消息，所以失败的任务在原地重试，尝试次数记在 Redis 中，
// 达到上限后放弃并提交 offset。退出时正在重试的消息不提交，重启后会从该 offset 重新消费。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor tasks.Processor, rdb *redis.Client) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("[Kafka] 关闭消费者失败: %v", err)
		}
	}()

	maxAttempts := int64(cfg.MaxDeliveryAttempts)
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	counter := redisCounter{rdb: rdb}
	log.Infof("[Kafka] 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info("[Kafka] 消费者收到退出信号")
				return
			}
			log.Error("[Kafka] 读取消息失败", err)
			return
		}

		var task tasks.ExtractionTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			commit(ctx, r, m)
			continue
		}

		if processWithRetry(ctx, processor, counter, task, maxAttempts) {
			commit(ctx, r, m)
		}
	}
}

// attemptCounter 记录一条任务已经被尝试的次数，跨进程重启保留。
type attemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string)
}

type redisCounter struct {
	rdb *redis.Client
}

func (c redisCounter) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, 24*time.Hour).Err()
	return n, nil
}

func (c redisCounter) Reset(ctx context.Context, key string) {
	_ = c.rdb.Del(ctx, key).Err()
}

// processWithRetry 处理一条任务，失败时原地重试直到成功或达到 maxAttempts。
// 返回 false 表示 ctx 在重试期间被取消，此时不应提交 offset。
func processWithRetry(ctx context.Context, processor tasks.Processor, counter attemptCounter, task tasks.ExtractionTask, maxAttempts int64) bool {
	key := fmt.Sprintf("kafka:attempts:%s", task.AttachmentID)
	var local int64
	for {
		err := processor.Process(ctx, task)
		if err == nil {
			counter.Reset(ctx, key)
			return true
		}
		local++
		attempts, incErr := counter.Incr(ctx, key)
		if incErr != nil || attempts < local {
			// Redis 不可用时退回本地计数
			attempts = local
		}
		log.Errorf("[Kafka] 处理抽取任务失败 (第 %d/%d 次): attachment=%s, error: %v", attempts, maxAttempts, task.AttachmentID, err)
		if attempts >= maxAttempts {
			log.Errorf("[Kafka] 抽取任务多次失败，提交 offset 终止重试: attachment=%s", task.AttachmentID)
			counter.Reset(ctx, key)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay):
		}
	}
}

func commit(ctx context.Context, r *kafka.Reader, m kafka.Message) {
	if err := r.CommitMessages(ctx, m); err != nil {
		log.Errorf("[Kafka] 提交 offset 失败: %v", err)
	}
}

func brokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

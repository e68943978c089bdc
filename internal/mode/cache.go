package mode

import (
	"better-dev-go/internal/config"
	"better-dev-go/internal/model"
	"better-dev-go/pkg/llm"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// NoUserMessageKey 是会话中没有用户消息时使用的缓存键。
const NoUserMessageKey = "no-user-message"

// ClassificationCache 是有界的分类结果缓存。
// 容量满时按插入顺序淘汰最早的条目（FIFO，读取不会改变顺序）；
// 过期条目在读取时惰性删除，后台清理只是优化。
type ClassificationCache struct {
	capacity      int
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // 队首为最早插入

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

type cacheEntry struct {
	key       string
	mode      Mode
	expiresAt time.Time
}

// CacheOption 用于定制缓存。
type CacheOption func(*ClassificationCache)

// WithClock 替换缓存使用的时钟。
func WithClock(now func() time.Time) CacheOption {
	return func(c *ClassificationCache) { c.now = now }
}

// NewClassificationCache 创建一个分类缓存。
func NewClassificationCache(cfg config.ClassificationCacheConfig, opts ...CacheOption) *ClassificationCache {
	c := &ClassificationCache{
		capacity:      cfg.Capacity,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		items:         make(map[string]*list.Element),
		order:         list.New(),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	if c.capacity <= 0 {
		c.capacity = 1000
	}
	if c.ttl <= 0 {
		c.ttl = 5 * time.Minute
	}
	if c.sweepInterval <= 0 {
		c.sweepInterval = time.Minute
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 返回未过期的缓存结果；已过期的条目会被顺带删除。
func (c *ClassificationCache) Get(key string) (Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*cacheEntry)
	if c.now().After(e.expiresAt) {
		c.remove(el)
		return "", false
	}
	return e.mode, true
}

// Set 写入分类结果。已存在的键只刷新取值和过期时间，不改变其淘汰顺序。
func (c *ClassificationCache) Set(key string, m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*cacheEntry)
		e.mode = m
		e.expiresAt = expiresAt
		return
	}
	for len(c.items) >= c.capacity {
		c.remove(c.order.Front())
	}
	c.items[key] = c.order.PushBack(&cacheEntry{key: key, mode: m, expiresAt: expiresAt})
}

// Len 返回当前条目数（含尚未清理的过期条目）。
func (c *ClassificationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep 删除所有已过期的条目，返回删除数量。
func (c *ClassificationCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*cacheEntry).expiresAt) {
			c.remove(el)
			removed++
		}
		el = next
	}
	return removed
}

// Start 启动后台清理，直到 ctx 取消或调用 Close。
func (c *ClassificationCache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		go c.sweepLoop(ctx)
	})
}

func (c *ClassificationCache) sweepLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close 停止后台清理并等待其退出。未调用 Start 时直接返回。
func (c *ClassificationCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

// remove 必须在持有锁时调用。
func (c *ClassificationCache) remove(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}

// LatestUserText 返回最近一条用户消息的文本（已去除首尾空白）。
func LatestUserText(history []llm.Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUser {
			return strings.TrimSpace(model.ExtractText(history[i].Parts)), true
		}
	}
	return "", false
}

// CacheKey 计算会话的分类缓存键：最近用户消息文本的 sha256。
func CacheKey(history []llm.Message) string {
	text, ok := LatestUserText(history)
	if !ok {
		return NoUserMessageKey
	}
	return TextKey(text)
}

// TextKey 计算给定文本的缓存键。
func TextKey(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

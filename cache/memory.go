package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/store"
)

// MemoryCache 是对底层store的封装，第一次写入时才创建store
type MemoryCache struct {
	mu          sync.RWMutex
	store       store.Store
	opts        MemoryOptions
	hits        int64 // 命中次数
	misses      int64 // 未命中次数
	initialized int32 // 原子变量，标记缓存是否已初始化
	closed      int32 // 原子变量，标记缓存是否已关闭
}

// MemoryOptions opts
type MemoryOptions struct {
	CacheType       store.CacheType                     // 类型 lru lfu
	MaxBytes        int64                               // 最大字节数
	CleanupInterval time.Duration                       // 清理间隔
	OnEvicted       func(key string, value store.Value) // 驱逐回调
}

// DefaultMemoryOptions 返回默认值
func DefaultMemoryOptions() MemoryOptions {
	return MemoryOptions{
		CacheType:       store.LRU,
		MaxBytes:        8 * 1024 * 1024, // 8MB
		CleanupInterval: time.Minute,
	}
}

// Stats 缓存统计
type Stats struct {
	Initialized bool    `json:"initialized"`
	Closed      bool    `json:"closed"`
	Size        int     `json:"size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hitRate"`
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache 返回进程内缓存
func NewMemoryCache(opts MemoryOptions) *MemoryCache {
	return &MemoryCache{opts: opts}
}

// 确保已经初始化，避免不必要的锁竞争
func (c *MemoryCache) ensureInitialized() {
	if atomic.LoadInt32(&c.initialized) == 1 {
		return
	}

	// 双重检查锁定模式
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized == 0 && c.closed == 0 {
		c.store = store.NewStore(c.opts.CacheType, store.Options{
			MaxBytes:        c.opts.MaxBytes,
			CleanupInterval: c.opts.CleanupInterval,
			OnEvicted:       c.opts.OnEvicted,
		})
		atomic.StoreInt32(&c.initialized, 1)

		logrus.Infof("memory cache initialized with type %s, max bytes: %d", c.opts.CacheType, c.opts.MaxBytes)
	}
}

// Get 从缓存中获取key value
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, false, ErrClosed
	}
	// 未初始化
	if atomic.LoadInt32(&c.initialized) == 0 {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return nil, false, ErrClosed
	}

	val, found := c.store.Get(key)
	if !found {
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}

	bv, ok := val.(ByteView)
	if !ok {
		logrus.Warnf("type assertion failed for key %s, expected ByteView", key)
		atomic.AddInt64(&c.misses, 1)
		return nil, false, nil
	}
	atomic.AddInt64(&c.hits, 1)
	return bv.ByteSlice(), true, nil
}

// Set 写入，ttl<=0表示不过期
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	c.ensureInitialized()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return ErrClosed
	}
	return c.store.SetWithExpiration(key, NewByteView(value), ttl)
}

// Delete 删除多个key
func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClosed
	}
	if atomic.LoadInt32(&c.initialized) == 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return ErrClosed
	}
	for _, key := range keys {
		c.store.Delete(key)
	}
	return nil
}

// Clear 清空缓存并重置计数
func (c *MemoryCache) Clear() {
	if atomic.LoadInt32(&c.closed) == 1 || atomic.LoadInt32(&c.initialized) == 0 {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store != nil {
		c.store.Clear()
	}

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
}

// Len 返回缓存的当前存储项数量
func (c *MemoryCache) Len() int {
	if atomic.LoadInt32(&c.closed) == 1 || atomic.LoadInt32(&c.initialized) == 0 {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.store == nil {
		return 0
	}
	return c.store.Len()
}

// Close 关闭缓存，释放资源
func (c *MemoryCache) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil {
		c.store.Close()
		c.store = nil
	}
	atomic.StoreInt32(&c.initialized, 0)

	logrus.Debugf("memory cache closed, hits: %d, misses: %d", atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses))
	return nil
}

// Stats 返回缓存统计信息
func (c *MemoryCache) Stats() Stats {
	s := Stats{
		Initialized: atomic.LoadInt32(&c.initialized) == 1,
		Closed:      atomic.LoadInt32(&c.closed) == 1,
		Hits:        atomic.LoadInt64(&c.hits),
		Misses:      atomic.LoadInt64(&c.misses),
	}
	s.Size = c.Len()

	// 计算命中率
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

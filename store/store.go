package store

import (
	"sync"
	"time"
)

// Value is the interface that wraps the Len method.
type Value interface {
	Len() int
}

// Store is the interface that wraps the basic Get and Set methods.
type Store interface {
	Get(key string) (Value, bool)
	Set(key string, value Value) error
	SetWithExpiration(key string, value Value, expiration time.Duration) error
	Delete(key string) bool
	Clear()
	Len() int
	Close()
}

// CacheType is the type of cache
type CacheType string

const (
	LRU CacheType = "lru"
	LFU CacheType = "lfu"
)

// Options is the options for cache
type Options struct {
	MaxBytes        int64                         // 最大字节，0表示不限制
	CleanupInterval time.Duration                 // 清理间隔
	OnEvicted       func(key string, value Value) // 删除回调，持有锁时调用，不能再访问store
}

// DefaultOptions returns the default options
func DefaultOptions() Options {
	return Options{
		MaxBytes:        8 << 20,     // 8MB
		CleanupInterval: time.Minute, // 1min
	}
}

// NewStore returns a new Store, unknown type falls back to LRU
func NewStore(cacheType CacheType, opts Options) Store {
	switch cacheType {
	case LFU:
		return NewLFUCache(opts)
	default:
		return NewLRUCache(opts)
	}
}

// entrySize 计算一项占用的字节数
func entrySize(key string, value Value) int64 {
	return int64(len(key) + value.Len())
}

// expireAt 计算过期时间点，零值表示永不过期
func expireAt(expiration time.Duration) time.Time {
	if expiration <= 0 {
		return time.Time{}
	}
	return time.Now().Add(expiration)
}

// expired 判断过期
func expired(at time.Time, now time.Time) bool {
	return !at.IsZero() && now.After(at)
}

// janitor 定时清理协程
type janitor struct {
	ticker  *time.Ticker
	closeCh chan struct{}
	once    sync.Once
}

func newJanitor(interval time.Duration, sweep func()) *janitor {
	if interval <= 0 {
		interval = time.Minute // 小于0，默认一分钟
	}
	j := &janitor{
		ticker:  time.NewTicker(interval),
		closeCh: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-j.ticker.C:
				sweep()
			case <-j.closeCh:
				return // 关闭
			}
		}
	}()
	return j
}

// stop 可重复调用
func (j *janitor) stop() {
	j.once.Do(func() {
		j.ticker.Stop()
		close(j.closeCh)
	})
}

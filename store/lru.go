package store

import (
	"container/list"
	"sync"
	"time"
)

// LruCache is a byte bounded LRU cache with per key expiration.
type LruCache struct {
	mu        sync.Mutex                    // 锁，Get也会移动链表
	list      *list.List                    // 双向链表，尾部为最近使用
	items     map[string]*list.Element      // 键到链表节点的映射
	maxBytes  int64                         // 最大允许字节数
	usedBytes int64                         // 已使用字节数
	onEvicted func(key string, value Value) // 删除回调
	janitor   *janitor
}

// lruEntry is the entry of LruCache.
type lruEntry struct {
	key      string
	value    Value
	expireAt time.Time
}

// NewLRUCache returns a new LRU cache.
func NewLRUCache(opts Options) *LruCache {
	c := &LruCache{
		list:      list.New(),
		items:     make(map[string]*list.Element),
		maxBytes:  opts.MaxBytes,
		onEvicted: opts.OnEvicted,
	}
	c.janitor = newJanitor(opts.CleanupInterval, c.cleanup)
	return c
}

// Get returns the value of the key.
func (l *LruCache) Get(key string) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*lruEntry)
	// 过期直接删除
	if expired(entry.expireAt, time.Now()) {
		l.removeElement(elem)
		return nil, false
	}

	l.list.MoveToBack(elem)
	return entry.value, true
}

// Set sets the key-value pair.
func (l *LruCache) Set(key string, value Value) error {
	return l.SetWithExpiration(key, value, 0)
}

// SetWithExpiration sets the key-value pair with expiration.
func (l *LruCache) SetWithExpiration(key string, value Value, expiration time.Duration) error {
	if value == nil {
		l.Delete(key)
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		// 存在-更新
		entry := elem.Value.(*lruEntry)
		l.usedBytes += int64(value.Len() - entry.value.Len())
		entry.value = value
		entry.expireAt = expireAt(expiration)
		l.list.MoveToBack(elem)
	} else {
		entry := &lruEntry{key: key, value: value, expireAt: expireAt(expiration)}
		l.items[key] = l.list.PushBack(entry)
		l.usedBytes += entrySize(key, value)
	}

	l.evict()
	return nil
}

// Delete deletes the key-value pair.
func (l *LruCache) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.removeElement(elem)
		return true
	}
	return false
}

// Clear clears the cache.
func (l *LruCache) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for elem := l.list.Front(); elem != nil; elem = elem.Next() {
		if l.onEvicted != nil {
			entry := elem.Value.(*lruEntry)
			l.onEvicted(entry.key, entry.value)
		}
	}

	l.list.Init()
	l.items = make(map[string]*list.Element)
	l.usedBytes = 0
}

// Len returns the length of the cache.
func (l *LruCache) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Close 停止清理协程
func (l *LruCache) Close() {
	l.janitor.stop()
}

// UsedBytes returns the used bytes of the cache.
func (l *LruCache) UsedBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usedBytes
}

// cleanup 定时清理过期项，写入路径只做容量淘汰
func (l *LruCache) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for elem := l.list.Front(); elem != nil; {
		next := elem.Next()
		if expired(elem.Value.(*lruEntry).expireAt, now) {
			l.removeElement(elem)
		}
		elem = next
	}
}

// evict 按最久未使用淘汰到maxBytes以内
func (l *LruCache) evict() {
	for l.maxBytes > 0 && l.usedBytes > l.maxBytes {
		elem := l.list.Front()
		if elem == nil {
			break
		}
		l.removeElement(elem)
	}
}

// removeElement 从缓存中删除元素
func (l *LruCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	l.list.Remove(elem)
	delete(l.items, entry.key)
	l.usedBytes -= entrySize(entry.key, entry.value)

	if l.onEvicted != nil {
		l.onEvicted(entry.key, entry.value)
	}
}

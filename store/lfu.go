package store

import (
	"container/list"
	"sync"
	"time"
)

// LfuCache is a byte bounded LFU cache. Entries with the same frequency
// are evicted least recently touched first.
type LfuCache struct {
	mu        sync.Mutex
	items     map[string]*list.Element // key到节点
	buckets   map[int64]*list.List     // 频率到链表，尾部为最近访问
	minFreq   int64                    // 当前最小频率，0表示需要重新计算
	maxBytes  int64
	usedBytes int64
	onEvicted func(key string, value Value)
	janitor   *janitor
}

// lfuEntry is the entry of LfuCache.
type lfuEntry struct {
	key      string
	value    Value
	freq     int64
	expireAt time.Time
}

// NewLFUCache returns a new LFU cache.
func NewLFUCache(opts Options) *LfuCache {
	c := &LfuCache{
		items:     make(map[string]*list.Element),
		buckets:   make(map[int64]*list.List),
		maxBytes:  opts.MaxBytes,
		onEvicted: opts.OnEvicted,
	}
	c.janitor = newJanitor(opts.CleanupInterval, c.cleanup)
	return c
}

// Get returns the value of the key.
func (l *LfuCache) Get(key string) (Value, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*lfuEntry)
	if expired(entry.expireAt, time.Now()) {
		l.removeElement(elem)
		return nil, false
	}

	l.touch(elem)
	return entry.value, true
}

// Set sets the key-value pair.
func (l *LfuCache) Set(key string, value Value) error {
	return l.SetWithExpiration(key, value, 0)
}

// SetWithExpiration sets the key-value pair with expiration.
func (l *LfuCache) SetWithExpiration(key string, value Value, expiration time.Duration) error {
	if value == nil {
		l.Delete(key)
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.items[key]; ok {
		// 更新也算一次访问
		entry := elem.Value.(*lfuEntry)
		l.usedBytes += int64(value.Len() - entry.value.Len())
		entry.value = value
		entry.expireAt = expireAt(expiration)
		l.touch(elem)
	} else {
		entry := &lfuEntry{key: key, value: value, freq: 1, expireAt: expireAt(expiration)}
		l.items[key] = l.bucket(1).PushBack(entry)
		l.minFreq = 1
		l.usedBytes += entrySize(key, value)
	}

	l.evict()
	return nil
}

// Delete deletes the key-value pair.
func (l *LfuCache) Delete(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.items[key]; ok {
		l.removeElement(elem)
		return true
	}
	return false
}

// Clear clears the cache.
func (l *LfuCache) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.onEvicted != nil {
		for _, elem := range l.items {
			entry := elem.Value.(*lfuEntry)
			l.onEvicted(entry.key, entry.value)
		}
	}

	l.items = make(map[string]*list.Element)
	l.buckets = make(map[int64]*list.List)
	l.usedBytes = 0
	l.minFreq = 0
}

// Len returns the number of items in the cache.
func (l *LfuCache) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Close 停止清理协程
func (l *LfuCache) Close() {
	l.janitor.stop()
}

// UsedBytes returns the used bytes of the cache.
func (l *LfuCache) UsedBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usedBytes
}

// bucket 获取或创建频率链表
func (l *LfuCache) bucket(freq int64) *list.List {
	b, ok := l.buckets[freq]
	if !ok {
		b = list.New()
		l.buckets[freq] = b
	}
	return b
}

// touch 频率加一，移到新频率链表尾部
func (l *LfuCache) touch(elem *list.Element) {
	entry := elem.Value.(*lfuEntry)
	old := l.buckets[entry.freq]
	old.Remove(elem)
	if old.Len() == 0 {
		delete(l.buckets, entry.freq)
		if l.minFreq == entry.freq {
			l.minFreq++
		}
	}

	entry.freq++
	l.items[entry.key] = l.bucket(entry.freq).PushBack(entry)
}

// lowest 返回最应该被淘汰的节点
func (l *LfuCache) lowest() *list.Element {
	if b, ok := l.buckets[l.minFreq]; ok && b.Len() > 0 {
		return b.Front()
	}
	// 重新定位最小频率
	l.minFreq = 0
	for freq, b := range l.buckets {
		if b.Len() > 0 && (l.minFreq == 0 || freq < l.minFreq) {
			l.minFreq = freq
		}
	}
	if l.minFreq == 0 {
		return nil
	}
	return l.buckets[l.minFreq].Front()
}

// cleanup 定时清理过期项
func (l *LfuCache) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for _, elem := range l.items {
		if expired(elem.Value.(*lfuEntry).expireAt, now) {
			l.removeElement(elem)
		}
	}
}

// evict 按频率淘汰到maxBytes以内
func (l *LfuCache) evict() {
	for l.maxBytes > 0 && l.usedBytes > l.maxBytes {
		elem := l.lowest()
		if elem == nil {
			break
		}
		l.removeElement(elem)
	}
}

// removeElement 删除元素
func (l *LfuCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*lfuEntry)
	if b, ok := l.buckets[entry.freq]; ok {
		b.Remove(elem)
		if b.Len() == 0 {
			delete(l.buckets, entry.freq)
		}
	}
	delete(l.items, entry.key)
	l.usedBytes -= entrySize(entry.key, entry.value)

	if l.onEvicted != nil {
		l.onEvicted(entry.key, entry.value)
	}
}

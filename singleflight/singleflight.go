package singleflight

import (
	"sync"
	"sync/atomic"
)

// call 代表正在进行或者已结束的请求
type call struct {
	wg   sync.WaitGroup
	val  interface{}
	err  error
	dups atomic.Int32
}

// Group is the main data structure of singleFlight.
type Group struct {
	m sync.Map
}

// Do 执行函数，同一个key并发调用只执行一次fn，shared表示结果被多个调用方共享
func (g *Group) Do(key string, fn func() (interface{}, error)) (v interface{}, err error, shared bool) {
	c := &call{}
	c.wg.Add(1)

	// 检查和注册必须是一次原子操作
	if existing, loaded := g.m.LoadOrStore(key, c); loaded {
		ec := existing.(*call)
		ec.dups.Add(1)
		ec.wg.Wait() // 等待现在的请求完成
		return ec.val, ec.err, true
	}

	// fn panic时也要释放等待者
	defer func() {
		g.m.Delete(key)
		c.wg.Done()
	}()

	c.val, c.err = fn()
	return c.val, c.err, c.dups.Load() > 0
}

// Forget 丢弃key对应的进行中请求，之后的调用会重新执行fn
func (g *Group) Forget(key string) {
	g.m.Delete(key)
}

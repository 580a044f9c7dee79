package app

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Hooks 应用生命周期回调，可以不注册
type Hooks struct {
	mu       sync.Mutex
	started  []func()
	stopping []func()
	stopped  []func()
}

// OnStarted 服务开始接收请求后
func (h *Hooks) OnStarted(fn func()) {
	h.mu.Lock()
	h.started = append(h.started, fn)
	h.mu.Unlock()
}

// OnStopping 收到停止信号，开始关闭前
func (h *Hooks) OnStopping(fn func()) {
	h.mu.Lock()
	h.stopping = append(h.stopping, fn)
	h.mu.Unlock()
}

// OnStopped 全部关闭后
func (h *Hooks) OnStopped(fn func()) {
	h.mu.Lock()
	h.stopped = append(h.stopped, fn)
	h.mu.Unlock()
}

func (h *Hooks) fire(stage string, fns *[]func()) {
	h.mu.Lock()
	list := append([]func(){}, *fns...)
	h.mu.Unlock()

	logrus.Infof("application %s", stage)
	for _, fn := range list {
		fn()
	}
}

func (h *Hooks) fireStarted()  { h.fire("started", &h.started) }
func (h *Hooks) fireStopping() { h.fire("stopping", &h.stopping) }
func (h *Hooks) fireStopped()  { h.fire("stopped", &h.stopped) }

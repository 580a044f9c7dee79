package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/health"
	"github.com/zuozikang/orderbus/metrics"
)

// Worker 消费者进程，订阅订单事件更新统计
type Worker struct {
	Hooks

	subscriber *bus.AutoSubscriber
	consumers  []bus.Consumer
	health     *health.Server
	metrics    *metrics.Server
}

// NewWorker wire
func NewWorker(subscriber *bus.AutoSubscriber, consumers []bus.Consumer, hs *health.Server, ms *metrics.Server) *Worker {
	return &Worker{
		subscriber: subscriber,
		consumers:  consumers,
		health:     hs,
		metrics:    ms,
	}
}

// Run 建立全部订阅后阻塞到ctx结束，之后关闭订阅。总线由cleanup关闭。
func (w *Worker) Run(ctx context.Context) error {
	if err := w.subscriber.Subscribe(w.consumers...); err != nil {
		return fmt.Errorf("subscribe consumers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.health.Serve(gctx)
	})
	g.Go(func() error {
		return w.metrics.Serve(gctx)
	})
	w.health.SetServing()
	w.fireStarted()

	g.Go(func() error {
		<-gctx.Done()
		w.fireStopping()
		w.health.SetNotServing()
		return w.subscriber.Close()
	})

	err := g.Wait()
	w.fireStopped()
	return err
}

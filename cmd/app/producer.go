package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/jobs"
	"github.com/zuozikang/orderbus/registry"
)

// Producer web服务：下单、支付、取消，发布订单事件
type Producer struct {
	Hooks

	cfg       *config.Config
	engine    *gin.Engine
	scheduler *jobs.Scheduler
	etcd      *clientv3.Client // 未开启注册时为nil
}

// NewProducer wire
func NewProducer(cfg *config.Config, engine *gin.Engine, scheduler *jobs.Scheduler, etcd *clientv3.Client) *Producer {
	return &Producer{
		cfg:       cfg,
		engine:    engine,
		scheduler: scheduler,
		etcd:      etcd,
	}
}

// Run 阻塞到ctx结束，之后关闭http服务和定时任务
func (p *Producer) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", p.cfg.Server.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	srv := &http.Server{Handler: p.engine}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("http server listening on %s", addr)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	p.scheduler.Start()
	if p.etcd != nil {
		g.Go(func() error {
			return registry.Register(gctx, p.etcd, p.cfg.Registry.ServiceName, addr)
		})
	}
	p.fireStarted()

	g.Go(func() error {
		<-gctx.Done()
		p.fireStopping()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		p.scheduler.Stop()
		logrus.Infof("http server and jobs stopped")
		return err
	})

	err = g.Wait()
	p.fireStopped()
	return err
}

package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/cache"
	"github.com/zuozikang/orderbus/config"
	log "github.com/zuozikang/orderbus/logurs"
	"github.com/zuozikang/orderbus/service"
)

// 任务名称
const (
	CancelExpiredOrders = "cancel-expired-orders"
	CacheStats          = "cache-stats"
)

// Job 定时任务，Stop时ctx被取消
type Job func(ctx context.Context) error

// Scheduler 定时任务调度，秒字段可选
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New 创建调度器，任务panic会被恢复，上一次还没结束时跳过本次
func New() *Scheduler {
	logger := log.NewCronLogger()
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add 注册任务，spec为空表示禁用
func (s *Scheduler) Add(name, spec string, job Job) error {
	if strings.TrimSpace(spec) == "" {
		logrus.Infof("job %s disabled", name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := logrus.WithField("job", name)
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			entry.WithError(err).Errorf("job failed after %s", time.Since(start))
			return
		}
		entry.Debugf("job finished in %s", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("job %s: invalid spec %q: %w", name, spec, err)
	}
	s.entries[name] = id
	logrus.Infof("job %s scheduled: %s", name, spec)
	return nil
}

// Jobs 已注册的任务名
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start 开始调度
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 取消任务的ctx并等待运行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Register 注册全部内置任务
func Register(s *Scheduler, cfg config.JobsConfig, orders service.OrderService, memory *cache.MemoryCache) error {
	if err := s.Add(CancelExpiredOrders, cfg.CancelExpiredOrders, CancelExpiredJob(orders, cfg.OrderExpiry, cfg.BatchSize)); err != nil {
		return err
	}
	return s.Add(CacheStats, cfg.CacheStats, CacheStatsJob(memory))
}

// CancelExpiredJob 取消超时未支付的订单
func CancelExpiredJob(orders service.OrderService, expiry time.Duration, batch int) Job {
	return func(ctx context.Context) error {
		n, err := orders.CancelExpired(ctx, expiry, batch)
		if n > 0 {
			logrus.Infof("cancelled %d expired order(s)", n)
		}
		return err
	}
}

// CacheStatsJob 输出进程内缓存统计
func CacheStatsJob(memory *cache.MemoryCache) Job {
	return func(ctx context.Context) error {
		st := memory.Stats()
		logrus.WithFields(logrus.Fields{
			"size":     st.Size,
			"hits":     st.Hits,
			"misses":   st.Misses,
			"hit_rate": fmt.Sprintf("%.2f", st.HitRate),
		}).Info("memory cache stats")
		return nil
	}
}

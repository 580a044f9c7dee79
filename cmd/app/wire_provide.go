package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zuozikang/orderbus/api"
	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/bus/memory"
	"github.com/zuozikang/orderbus/bus/rabbitmq"
	"github.com/zuozikang/orderbus/cache"
	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/consumer"
	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/health"
	"github.com/zuozikang/orderbus/jobs"
	"github.com/zuozikang/orderbus/metrics"
	"github.com/zuozikang/orderbus/registry"
	"github.com/zuozikang/orderbus/service"
	"github.com/zuozikang/orderbus/stats"
	"github.com/zuozikang/orderbus/store"
)

// ProvideRedisClient wire
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	opts, err := config.ParseRedis(cfg.RedisConfig.Configuration)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis connection string: %w", err)
	}
	client := redis.NewClient(opts)
	return client, func() {
		if err := client.Close(); err != nil {
			logrus.Errorf("close redis client failed, err: %v", err)
		}
	}, nil
}

// ProvideStore wire，开启auto_migrate时自动建表
func ProvideStore(ctx context.Context, cfg *config.Config) (*db.Store, func(), error) {
	gdb, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	s := db.NewStore(gdb)
	cleanup := func() {
		if err := s.Close(); err != nil {
			logrus.Errorf("close db failed, err: %v", err)
		}
	}
	if cfg.DB.AutoMigrate {
		if err := db.Migrate(gdb); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return s, cleanup, nil
}

// ProvideMetrics wire
func ProvideMetrics() *metrics.Metrics {
	return metrics.New()
}

// ProvideMemoryCache wire
func ProvideMemoryCache(cfg *config.Config) (*cache.MemoryCache, func()) {
	c := cache.NewMemoryCache(cache.MemoryOptions{
		CacheType:       store.CacheType(cfg.Cache.Type),
		MaxBytes:        cfg.Cache.MaxBytes,
		CleanupInterval: cfg.Cache.CleanupInterval,
	})
	return c, func() { _ = c.Close() }
}

// ProvideRedisCache wire
func ProvideRedisCache(cfg *config.Config, client *redis.Client) *cache.RedisCache {
	return cache.NewRedisCache(client, cfg.RedisConfig.InstanceName)
}

// ProvideDispatcher wire
func ProvideDispatcher(cfg *config.Config, m *metrics.Metrics) *bus.Dispatcher {
	return bus.NewDispatcher(cfg.Bus, m)
}

// ProvideEventBus 按bus.transport选择rabbitmq或进程内总线
func ProvideEventBus(cfg *config.Config, d *bus.Dispatcher) (bus.EventBus, func(), error) {
	var b bus.EventBus
	switch cfg.Bus.Transport {
	case "memory":
		b = memory.New(d)
	case "rabbitmq":
		rc, err := config.ParseRabbitMQ(cfg.ConnectionStrings.RabbitMq)
		if err != nil {
			return nil, nil, fmt.Errorf("parse rabbitmq connection string: %w", err)
		}
		b = rabbitmq.New(rc, cfg.Bus, d)
	default:
		return nil, nil, fmt.Errorf("unknown bus transport %q", cfg.Bus.Transport)
	}
	logrus.Infof("event bus transport: %s", cfg.Bus.Transport)
	return b, func() {
		if err := b.Close(); err != nil {
			logrus.Errorf("close event bus failed, err: %v", err)
		}
	}, nil
}

// ProvideProductService 日志 -> 进程内缓存 -> 数据库
func ProvideProductService(cfg *config.Config, s *db.Store, mem *cache.MemoryCache) service.ProductService {
	svc := service.NewProductService(s)
	svc = service.NewCachingProductService(svc, mem, cfg.Cache.ProductTTL)
	return service.NewProductLoggingMiddleware(svc)
}

// ProvideOrderService 日志 -> redis缓存 -> 数据库和事件
func ProvideOrderService(cfg *config.Config, s *db.Store, b bus.EventBus, rc *cache.RedisCache) service.OrderService {
	svc := service.NewOrderService(s, b)
	svc = service.NewCachingOrderService(svc, rc, cfg.Cache.OrderTTL)
	return service.NewLoggingMiddleware(svc)
}

// ProvideStats wire
func ProvideStats(cfg *config.Config, client *redis.Client) *stats.Stats {
	return stats.New(client, cfg.RedisConfig.InstanceName)
}

// ProvideEngine wire，健康检查包含数据库和redis
func ProvideEngine(cfg *config.Config, products service.ProductService, orders service.OrderService,
	st *stats.Stats, m *metrics.Metrics, s *db.Store, client *redis.Client) *gin.Engine {
	return api.NewEngine(cfg.Server, api.Deps{
		Products: products,
		Orders:   orders,
		Sales:    st,
		Metrics:  m,
		Health: func(ctx context.Context) error {
			sqlDB, err := s.DB().DB()
			if err != nil {
				return err
			}
			return errors.Join(sqlDB.PingContext(ctx), client.Ping(ctx).Err())
		},
	})
}

// ProvideScheduler wire
func ProvideScheduler(cfg *config.Config, orders service.OrderService, mem *cache.MemoryCache) (*jobs.Scheduler, error) {
	s := jobs.New()
	if err := jobs.Register(s, cfg.Jobs, orders, mem); err != nil {
		return nil, err
	}
	return s, nil
}

// ProvideEtcd 未开启注册时返回nil
func ProvideEtcd(cfg *config.Config) (*clientv3.Client, func(), error) {
	if !cfg.Registry.Enabled {
		return nil, func() {}, nil
	}
	cli, err := registry.NewClient(cfg.Registry)
	if err != nil {
		return nil, nil, err
	}
	return cli, func() {
		if err := cli.Close(); err != nil {
			logrus.Errorf("close etcd client failed, err: %v", err)
		}
	}, nil
}

// ProvideHealth wire
func ProvideHealth(cfg *config.Config) *health.Server {
	return health.New(cfg.Consumer.HealthPort)
}

// ProvideMetricsServer 消费者进程的/metrics
func ProvideMetricsServer(cfg *config.Config, m *metrics.Metrics) *metrics.Server {
	return metrics.NewServer(cfg.Consumer.MetricsPort, m)
}

// ProvideSubscriber wire
func ProvideSubscriber(cfg *config.Config, b bus.EventBus) *bus.AutoSubscriber {
	return bus.NewAutoSubscriber(b, cfg.Consumer.SubscriptionPrefix)
}

// ProvideConsumers wire
func ProvideConsumers(cfg *config.Config, st *stats.Stats, m *metrics.Metrics) []bus.Consumer {
	return consumer.All(consumer.Deps{
		Stats:          st,
		Metrics:        m,
		IdempotencyTTL: cfg.Consumer.IdempotencyTTL,
	})
}

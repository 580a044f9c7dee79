//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package app

import (
	"context"

	"github.com/google/wire"

	"github.com/zuozikang/orderbus/config"
)

// CommonSet 两个进程共用的依赖
var CommonSet = wire.NewSet(
	ProvideRedisClient,
	ProvideMetrics,
	ProvideDispatcher,
	ProvideEventBus,
)

// ProducerSet web服务依赖
var ProducerSet = wire.NewSet(
	CommonSet,
	NewProducer,
	ProvideStore,
	ProvideMemoryCache,
	ProvideRedisCache,
	ProvideProductService,
	ProvideOrderService,
	ProvideStats,
	ProvideEngine,
	ProvideScheduler,
	ProvideEtcd,
)

// ConsumerSet 消费者进程依赖
var ConsumerSet = wire.NewSet(
	CommonSet,
	NewWorker,
	ProvideStats,
	ProvideSubscriber,
	ProvideConsumers,
	ProvideHealth,
	ProvideMetricsServer,
)

// InitializeProducer 初始化web服务
func InitializeProducer(ctx context.Context, cfg *config.Config) (*Producer, func(), error) {
	wire.Build(ProducerSet)
	return &Producer{}, nil, nil // 返回值没有实际意义，只需符合接口即可
}

// InitializeConsumer 初始化消费者进程
func InitializeConsumer(cfg *config.Config) (*Worker, func(), error) {
	wire.Build(ConsumerSet)
	return &Worker{}, nil, nil
}

package service

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/cache"
	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/model"
)

func productKey(id uint64) string { return "product:" + strconv.FormatUint(id, 10) }
func orderKey(id uint64) string   { return "order:" + strconv.FormatUint(id, 10) }

type cachingProductService struct {
	ProductService
	cache cache.Cache
	ttl   time.Duration
}

// NewCachingProductService Get结果缓存在进程内存中，ttl内库存可能不是最新值
func NewCachingProductService(svc ProductService, c cache.Cache, ttl time.Duration) ProductService {
	return &cachingProductService{ProductService: svc, cache: c, ttl: ttl}
}

func (s *cachingProductService) Get(ctx context.Context, id uint64) (*model.Product, error) {
	return cache.Remember(ctx, s.cache, productKey(id), s.ttl, func(ctx context.Context) (*model.Product, error) {
		return s.ProductService.Get(ctx, id)
	})
}

type cachingOrderService struct {
	svc      OrderService
	cache    cache.Cache
	ttl      time.Duration
	notified bool // 内层服务会主动通知状态变化

	// invalidations 失效次数，加载期间有失效时加载结果可能是旧数据
	invalidations atomic.Uint64
}

var _ OrderService = (*cachingOrderService)(nil)

// NewCachingOrderService Get结果缓存在redis中，订单状态变化时删除缓存
func NewCachingOrderService(svc OrderService, c cache.Cache, ttl time.Duration) OrderService {
	s := &cachingOrderService{svc: svc, cache: c, ttl: ttl}
	if n, ok := svc.(StatusNotifier); ok {
		n.OnStatusChange(s.invalidate)
		s.notified = true
	}
	return s
}

func (s *cachingOrderService) invalidate(ctx context.Context, id uint64) {
	s.invalidations.Add(1)
	s.evict(ctx, id)
}

func (s *cachingOrderService) evict(ctx context.Context, id uint64) {
	if err := s.cache.Delete(ctx, orderKey(id)); err != nil {
		logrus.WithError(err).WithField("order_id", id).Warn("invalidate order cache failed")
	}
}

func (s *cachingOrderService) Create(ctx context.Context, req CreateOrderRequest) (*model.Order, error) {
	return s.svc.Create(ctx, req)
}

// Get 加载期间发生过失效时再删一次，避免提交前读到的旧状态留在缓存里
func (s *cachingOrderService) Get(ctx context.Context, id uint64) (*model.Order, error) {
	seen := s.invalidations.Load()
	o, err := cache.Remember(ctx, s.cache, orderKey(id), s.ttl, func(ctx context.Context) (*model.Order, error) {
		return s.svc.Get(ctx, id)
	})
	if err == nil && s.invalidations.Load() != seen {
		s.evict(ctx, id)
	}
	return o, err
}

func (s *cachingOrderService) List(ctx context.Context, f db.OrderFilter) ([]model.Order, int64, error) {
	return s.svc.List(ctx, f)
}

func (s *cachingOrderService) Pay(ctx context.Context, id uint64) (*model.Order, error) {
	o, err := s.svc.Pay(ctx, id)
	if !s.notified {
		s.invalidate(ctx, id)
	}
	return o, err
}

func (s *cachingOrderService) Cancel(ctx context.Context, id uint64, reason string) (*model.Order, error) {
	o, err := s.svc.Cancel(ctx, id, reason)
	if !s.notified {
		s.invalidate(ctx, id)
	}
	return o, err
}

func (s *cachingOrderService) CancelExpired(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	return s.svc.CancelExpired(ctx, olderThan, limit)
}

package service

import (
	"context"
	"time"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/model"
)

// ProductService 商品业务
type ProductService interface {
	Get(ctx context.Context, id uint64) (*model.Product, error)
	List(ctx context.Context, page, size int) ([]model.Product, int64, error)
	Create(ctx context.Context, req CreateProductRequest) (*model.Product, error)
}

// OrderService 订单业务，状态变化后发布集成事件
type OrderService interface {
	Create(ctx context.Context, req CreateOrderRequest) (*model.Order, error)
	Get(ctx context.Context, id uint64) (*model.Order, error)
	List(ctx context.Context, f db.OrderFilter) ([]model.Order, int64, error)
	Pay(ctx context.Context, id uint64) (*model.Order, error)
	Cancel(ctx context.Context, id uint64, reason string) (*model.Order, error)
	// CancelExpired 取消创建时间超过olderThan的待支付订单，返回取消数量
	CancelExpired(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Publisher 事件发布方，bus.EventBus满足该接口
type Publisher interface {
	Publish(ctx context.Context, event bus.Event, opts ...bus.PublishOption) error
}

// CreateProductRequest 新增商品
type CreateProductRequest struct {
	Name  string `json:"name" binding:"required,max=128"`
	Price int64  `json:"price" binding:"required,gt=0"`
	Stock int    `json:"stock" binding:"gte=0"`
}

// CreateOrderRequest 下单
type CreateOrderRequest struct {
	CustomerID string      `json:"customerId" binding:"required,max=64"`
	Items      []OrderLine `json:"items" binding:"required,min=1,dive"`
}

// OrderLine 下单明细
type OrderLine struct {
	ProductID uint64 `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
}

// CancelReasonExpired 超时未支付自动取消
const CancelReasonExpired = "expired"

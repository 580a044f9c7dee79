package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/model"
)

type orderService struct {
	store     *db.Store
	publisher Publisher
	now       func() time.Time
	listeners []func(ctx context.Context, id uint64)
}

// StatusNotifier 订单状态变化通知，缓存装饰器用它来失效缓存
type StatusNotifier interface {
	OnStatusChange(fn func(ctx context.Context, id uint64))
}

var (
	_ OrderService   = (*orderService)(nil)
	_ StatusNotifier = (*orderService)(nil)
)

// NewOrderService 返回订单服务，事件在事务提交后发布
func NewOrderService(store *db.Store, publisher Publisher) OrderService {
	return &orderService{store: store, publisher: publisher, now: time.Now}
}

// mergeLines 校验请求并合并重复商品，保持首次出现的顺序
func mergeLines(req CreateOrderRequest) ([]OrderLine, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return nil, fmt.Errorf("customer id is empty: %w", model.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("order has no items: %w", model.ErrValidation)
	}

	index := make(map[uint64]int, len(req.Items))
	lines := make([]OrderLine, 0, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == 0 {
			return nil, fmt.Errorf("product id is empty: %w", model.ErrValidation)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("quantity of product %d must be positive: %w", it.ProductID, model.ErrValidation)
		}
		if i, ok := index[it.ProductID]; ok {
			lines[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(lines)
		lines = append(lines, it)
	}
	return lines, nil
}

// OnStatusChange 需要在服务开始使用前注册
func (s *orderService) OnStatusChange(fn func(ctx context.Context, id uint64)) {
	s.listeners = append(s.listeners, fn)
}

func (s *orderService) statusChanged(ctx context.Context, id uint64) {
	for _, fn := range s.listeners {
		fn(ctx, id)
	}
}

func (s *orderService) Create(ctx context.Context, req CreateOrderRequest) (*model.Order, error) {
	lines, err := mergeLines(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	order := &model.Order{
		OrderNo:    model.NewOrderNo(now),
		CustomerID: req.CustomerID,
		Status:     model.StatusPending,
		Items:      make([]model.OrderItem, 0, len(lines)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, l := range lines {
			p, err := s.store.Products.GetTx(tx, l.ProductID)
			if err != nil {
				return err
			}
			if err := s.store.Products.DecreaseStock(tx, p.ID, l.Quantity); err != nil {
				return err
			}
			item := model.OrderItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				UnitPrice:   p.Price,
				Quantity:    l.Quantity,
			}
			order.Items = append(order.Items, item)
			order.Total += item.Subtotal()
		}
		return s.store.Orders.Create(tx, order)
	})
	if err != nil {
		return nil, err
	}

	evt := model.OrderCreatedEvent{
		OrderID:    order.ID,
		OrderNo:    order.OrderNo,
		CustomerID: order.CustomerID,
		Total:      order.Total,
		Items:      model.EventItems(order.Items),
		CreatedAt:  order.CreatedAt,
	}
	if err := s.publish(ctx, order, evt); err != nil {
		return order, err
	}
	return order, nil
}

func (s *orderService) Get(ctx context.Context, id uint64) (*model.Order, error) {
	return s.store.Orders.Get(ctx, id)
}

func (s *orderService) List(ctx context.Context, f db.OrderFilter) ([]model.Order, int64, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q: %w", f.Status, model.ErrValidation)
	}
	return s.store.Orders.List(ctx, f)
}

func (s *orderService) Pay(ctx context.Context, id uint64) (*model.Order, error) {
	now := s.now()
	var order *model.Order
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		o, err := s.store.Orders.GetTx(tx, id)
		if err != nil {
			return err
		}
		if err := s.store.Orders.UpdateStatus(tx, id, o.Status, model.StatusPaid, now); err != nil {
			return err
		}
		o.Status = model.StatusPaid
		o.PaidAt = &now
		o.UpdatedAt = now
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.statusChanged(ctx, id)

	evt := model.OrderPaidEvent{
		OrderID: order.ID,
		OrderNo: order.OrderNo,
		Total:   order.Total,
		PaidAt:  now,
	}
	if err := s.publish(ctx, order, evt); err != nil {
		return order, err
	}
	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, id uint64, reason string) (*model.Order, error) {
	now := s.now()
	var order *model.Order
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		o, err := s.store.Orders.GetTx(tx, id)
		if err != nil {
			return err
		}
		if err := s.store.Orders.UpdateStatus(tx, id, o.Status, model.StatusCancelled, now); err != nil {
			return err
		}
		// 归还库存
		for _, it := range o.Items {
			if err := s.store.Products.IncreaseStock(tx, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		o.Status = model.StatusCancelled
		o.CancelledAt = &now
		o.UpdatedAt = now
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.statusChanged(ctx, id)

	evt := model.OrderCancelledEvent{
		OrderID:     order.ID,
		OrderNo:     order.OrderNo,
		Reason:      reason,
		Total:       order.Total,
		Items:       model.EventItems(order.Items),
		CreatedAt:   order.CreatedAt,
		CancelledAt: now,
	}
	if err := s.publish(ctx, order, evt); err != nil {
		return order, err
	}
	return order, nil
}

func (s *orderService) CancelExpired(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	expired, err := s.store.Orders.ListExpired(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	var (
		cancelled int
		errs      []error
	)
	for _, o := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		_, err := s.Cancel(ctx, o.ID, CancelReasonExpired)
		switch {
		case err == nil:
			cancelled++
		case errors.Is(err, model.ErrInvalidTransition):
			// 期间已被支付或取消
			logrus.WithField("order_no", o.OrderNo).Debug("order changed before expiry cancel, skipped")
		case errors.Is(err, ErrEventNotPublished):
			// 订单已取消，只是事件没有发出去
			cancelled++
			errs = append(errs, err)
		default:
			errs = append(errs, err)
		}
	}
	return cancelled, errors.Join(errs...)
}

// ErrEventNotPublished 数据已提交但事件发布失败
var ErrEventNotPublished = errors.New("event not published")

func (s *orderService) publish(ctx context.Context, order *model.Order, evt bus.Event) error {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"order_no": order.OrderNo,
			"topic":    evt.Topic(),
		}).Error("publish order event failed")
		return fmt.Errorf("order %s %s: %w: %w", order.OrderNo, evt.Topic(), ErrEventNotPublished, err)
	}
	return nil
}

package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/model"
)

// logDone 统一输出方法耗时，失败时带上错误
func logDone(method string, begin time.Time, err error, fields logrus.Fields) {
	entry := logrus.WithFields(fields).WithFields(logrus.Fields{
		"method":   method,
		"duration": time.Since(begin).String(),
	})
	if err != nil {
		entry.WithError(err).Warnf("%s failed", method)
		return
	}
	entry.Debugf("%s completed", method)
}

type productLogging struct {
	svc ProductService
}

var _ ProductService = (*productLogging)(nil)

// NewProductLoggingMiddleware 记录商品服务每个方法的耗时和错误
func NewProductLoggingMiddleware(svc ProductService) ProductService {
	return &productLogging{svc: svc}
}

func (l *productLogging) Get(ctx context.Context, id uint64) (p *model.Product, err error) {
	defer func(begin time.Time) {
		logDone("ProductService.Get", begin, err, logrus.Fields{"product_id": id})
	}(time.Now())
	return l.svc.Get(ctx, id)
}

func (l *productLogging) List(ctx context.Context, page, size int) (items []model.Product, total int64, err error) {
	defer func(begin time.Time) {
		logDone("ProductService.List", begin, err, logrus.Fields{"page": page, "size": size, "total": total})
	}(time.Now())
	return l.svc.List(ctx, page, size)
}

func (l *productLogging) Create(ctx context.Context, req CreateProductRequest) (p *model.Product, err error) {
	defer func(begin time.Time) {
		logDone("ProductService.Create", begin, err, logrus.Fields{"name": req.Name})
	}(time.Now())
	return l.svc.Create(ctx, req)
}

type orderLogging struct {
	svc OrderService
}

var _ OrderService = (*orderLogging)(nil)

// NewLoggingMiddleware 记录订单服务每个方法的耗时和错误
func NewLoggingMiddleware(svc OrderService) OrderService {
	return &orderLogging{svc: svc}
}

func orderFields(o *model.Order, f logrus.Fields) logrus.Fields {
	if o != nil {
		f["order_no"] = o.OrderNo
	}
	return f
}

func (l *orderLogging) Create(ctx context.Context, req CreateOrderRequest) (o *model.Order, err error) {
	defer func(begin time.Time) {
		logDone("OrderService.Create", begin, err, orderFields(o, logrus.Fields{
			"customer_id": req.CustomerID,
			"lines":       len(req.Items),
		}))
	}(time.Now())
	return l.svc.Create(ctx, req)
}

func (l *orderLogging) Get(ctx context.Context, id uint64) (o *model.Order, err error) {
	defer func(begin time.Time) {
		logDone("OrderService.Get", begin, err, logrus.Fields{"order_id": id})
	}(time.Now())
	return l.svc.Get(ctx, id)
}

func (l *orderLogging) List(ctx context.Context, f db.OrderFilter) (items []model.Order, total int64, err error) {
	defer func(begin time.Time) {
		logDone("OrderService.List", begin, err, logrus.Fields{
			"customer_id": f.CustomerID,
			"status":      f.Status,
			"total":       total,
		})
	}(time.Now())
	return l.svc.List(ctx, f)
}

func (l *orderLogging) Pay(ctx context.Context, id uint64) (o *model.Order, err error) {
	defer func(begin time.Time) {
		logDone("OrderService.Pay", begin, err, orderFields(o, logrus.Fields{"order_id": id}))
	}(time.Now())
	return l.svc.Pay(ctx, id)
}

func (l *orderLogging) Cancel(ctx context.Context, id uint64, reason string) (o *model.Order, err error) {
	defer func(begin time.Time) {
		logDone("OrderService.Cancel", begin, err, orderFields(o, logrus.Fields{"order_id": id, "reason": reason}))
	}(time.Now())
	return l.svc.Cancel(ctx, id, reason)
}

func (l *orderLogging) CancelExpired(ctx context.Context, olderThan time.Duration, limit int) (n int, err error) {
	defer func(begin time.Time) {
		logDone("OrderService.CancelExpired", begin, err, logrus.Fields{"older_than": olderThan.String(), "cancelled": n})
	}(time.Now())
	return l.svc.CancelExpired(ctx, olderThan, limit)
}

package consumer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/metrics"
	"github.com/zuozikang/orderbus/model"
	"github.com/zuozikang/orderbus/stats"
)

// 消费者名称，和订阅前缀组成订阅id
const (
	SalesName        = "sales"
	CancellationName = "cancellation"
	PaymentName      = "payment"
)

// Deps 消费者依赖
type Deps struct {
	Stats          *stats.Stats
	Metrics        *metrics.Metrics
	IdempotencyTTL time.Duration
}

// All 消费者进程订阅的全部消费者
func All(deps Deps) []bus.Consumer {
	return []bus.Consumer{
		SalesConsumer(deps.Stats, deps.IdempotencyTTL),
		CancellationConsumer(deps.Stats, deps.IdempotencyTTL),
		PaymentConsumer(deps.Stats, deps.Metrics, deps.IdempotencyTTL),
	}
}

// SalesConsumer 下单后累加销量和营收
func SalesConsumer(s *stats.Stats, ttl time.Duration) bus.Consumer {
	return bus.Typed(SalesName, model.TopicOrderCreated, func(ctx context.Context, evt model.OrderCreatedEvent, msg *bus.Message) error {
		applied, err := s.RecordOrderOnce(ctx, SalesName, msg.ID, ttl, evt)
		if err != nil {
			return err
		}
		if !applied {
			duplicate(SalesName, msg)
		}
		return nil
	})
}

// CancellationConsumer 取消后扣回销量和营收
func CancellationConsumer(s *stats.Stats, ttl time.Duration) bus.Consumer {
	return bus.Typed(CancellationName, model.TopicOrderCancelled, func(ctx context.Context, evt model.OrderCancelledEvent, msg *bus.Message) error {
		applied, err := s.RevertOrderOnce(ctx, CancellationName, msg.ID, ttl, evt)
		if err != nil {
			return err
		}
		if !applied {
			duplicate(CancellationName, msg)
		}
		return nil
	})
}

// PaymentConsumer 支付通知，计数只在第一次投递时增加
func PaymentConsumer(s *stats.Stats, m *metrics.Metrics, ttl time.Duration) bus.Consumer {
	return bus.Typed(PaymentName, model.TopicOrderPaid, func(ctx context.Context, evt model.OrderPaidEvent, msg *bus.Message) error {
		first, err := s.MarkProcessed(ctx, PaymentName, msg.ID, ttl)
		if err != nil {
			return err
		}
		if !first {
			duplicate(PaymentName, msg)
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"order_no":       evt.OrderNo,
			"correlation_id": bus.CorrelationID(ctx),
		}).Infof("order paid, total %d, paid at %s", evt.Total, evt.PaidAt.Format(time.DateTime))
		m.OrderPaid()
		return nil
	})
}

func duplicate(name string, msg *bus.Message) {
	logrus.WithFields(logrus.Fields{"subscription": name, "message_id": msg.ID}).Info("duplicate message skipped")
}

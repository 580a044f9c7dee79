package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zuozikang/orderbus/config"
)

// Confirmation 发布确认
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Channel 用到的amqp channel操作
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	// PublishConfirm 非confirm模式下返回nil Confirmation
	PublishConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	Close() error
}

// Conn 一条amqp连接
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// DialFunc 连接第i个节点
type DialFunc func(cfg config.RabbitMQ, i int) (Conn, error)

// Dial 使用amqp091连接
func Dial(cfg config.RabbitMQ, i int) (Conn, error) {
	conn, err := amqp.DialConfig(cfg.URLFor(i), amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"product":         cfg.Product,
			"connection_name": cfg.Product,
		},
		Dial: amqp.DefaultDial(cfg.Timeout),
	})
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c amqpChannel) PublishConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}

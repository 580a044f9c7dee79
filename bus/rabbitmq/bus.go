package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/metrics"
	"github.com/zuozikang/orderbus/retry"
)

// Bus 基于RabbitMQ的事件总线
type Bus struct {
	cfg        config.RabbitMQ
	busCfg     config.BusConfig
	dispatcher *bus.Dispatcher
	metrics    *metrics.Metrics
	conn       *connection

	publishRetry *retry.RetryConfig
	pubMu        sync.Mutex
	pubCh        Channel

	subMu  sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// Option 配置
type Option func(*Bus)

// WithDialer 替换连接方式
func WithDialer(dial DialFunc) Option {
	return func(b *Bus) {
		b.conn.dial = dial
	}
}

var _ bus.EventBus = (*Bus)(nil)

// New 启动后台连接，不等待连接成功
func New(cfg config.RabbitMQ, busCfg config.BusConfig, d *bus.Dispatcher, opts ...Option) *Bus {
	b := &Bus{
		cfg:        cfg,
		busCfg:     busCfg,
		dispatcher: d,
		metrics:    d.Metrics(),
		conn:       newConnection(cfg, Dial),
		publishRetry: retry.NewRetryConfig(
			retry.WithMaxAttempts(3),
			retry.WithDelay(200*time.Millisecond),
			retry.WithMaxDelay(2*time.Second),
		),
		subs: make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	// 新连接上旧的发布channel已失效
	b.conn.OnConnect(func(int) {
		b.pubMu.Lock()
		b.pubCh = nil
		b.pubMu.Unlock()
	})
	b.conn.start()
	return b
}

// Publish 发布事件
func (b *Bus) Publish(ctx context.Context, event bus.Event, opts ...bus.PublishOption) error {
	msg, err := bus.NewMessage(ctx, event, opts...)
	if err != nil {
		return err
	}
	return b.PublishMessage(ctx, msg)
}

// PublishMessage 发布到事件交换机，路由键为topic
func (b *Bus) PublishMessage(ctx context.Context, msg *bus.Message) error {
	if msg.Topic == "" {
		return bus.ErrEmptyTopic
	}
	err := b.publish(ctx, b.busCfg.Exchange, msg.Topic, msg)
	b.metrics.Published(msg.Topic, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *Bus) publish(ctx context.Context, exchange, key string, msg *bus.Message) error {
	p := toPublishing(msg, b.cfg.Persistent)
	entry := logrus.WithFields(logrus.Fields{"topic": msg.Topic, "message_id": msg.ID})

	return retry.Do(ctx, b.publishRetry, func() error {
		ch, err := b.publishChannel(ctx)
		if err != nil {
			if isClosed(err) || ctx.Err() != nil {
				return retry.Unrecoverable(err)
			}
			return err
		}

		confirm, err := ch.PublishConfirm(ctx, exchange, key, p)
		if err != nil {
			// channel已关闭，下次重新打开
			b.resetPublishChannel(ch)
			return err
		}
		if confirm == nil {
			return nil
		}
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if !acked {
			return retry.Unrecoverable(bus.ErrPublishNacked)
		}
		return nil
	}, func(n uint, err error) {
		entry.WithError(err).Warnf("publish attempt %d failed", n+1)
	})
}

// publishChannel 发布专用channel，开启confirm时进入confirm模式
func (b *Bus) publishChannel(ctx context.Context) (Channel, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh != nil {
		return b.pubCh, nil
	}

	ch, err := b.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := declareExchanges(ch, b.busCfg.Exchange, b.busCfg.ErrorExchange); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchanges: %w", err)
	}
	if b.cfg.PublisherConfirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
	}
	b.pubCh = ch
	return ch, nil
}

func (b *Bus) resetPublishChannel(ch Channel) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == ch {
		_ = ch.Close()
		b.pubCh = nil
	}
}

// deadLetter 发送到错误交换机
func (b *Bus) deadLetter(msg *bus.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	return b.publish(ctx, b.busCfg.ErrorExchange, b.busCfg.ErrorExchange, msg)
}

// Subscribe 声明队列并开始消费，之后断线会自动恢复
func (b *Bus) Subscribe(subscriptionID, topic string, h bus.Handler, opts ...bus.SubscribeOption) (bus.Subscription, error) {
	if err := bus.ValidateSubscription(subscriptionID, topic); err != nil {
		return nil, err
	}
	o := bus.NewSubscribeOptions(b.busCfg.Concurrency, opts...)

	b.subMu.Lock()
	if b.closed {
		b.subMu.Unlock()
		return nil, bus.ErrClosed
	}
	b.subMu.Unlock()

	s := newSubscription(b, subscriptionID, topic, h, o.Concurrency)

	setupCtx, cancel := context.WithTimeout(s.ctx, b.cfg.Timeout)
	defer cancel()
	deliveries, err := s.setup(setupCtx)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("subscribe %s: %w", s.queue, err)
	}

	b.subMu.Lock()
	b.subs[s] = struct{}{}
	b.subMu.Unlock()

	go s.run(deliveries)
	return s, nil
}

func (b *Bus) forget(s *subscription) {
	b.subMu.Lock()
	delete(b.subs, s)
	b.subMu.Unlock()
}

// Close 关闭全部订阅，等待处理中的消息，再关闭连接
func (b *Bus) Close() error {
	b.subMu.Lock()
	if b.closed {
		b.subMu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subMu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
		b.pubCh = nil
	}
	b.pubMu.Unlock()

	errs = append(errs, b.conn.Close())
	return errors.Join(errs...)
}

func toPublishing(msg *bus.Message, persistent bool) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   bus.ContentType,
		DeliveryMode:  mode,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.ID,
		Timestamp:     msg.Timestamp,
		Type:          msg.Topic,
		Body:          msg.Body,
	}
}

// fromDelivery 缺少message id的消息生成一个新的id
func fromDelivery(d amqp.Delivery) *bus.Message {
	msg := &bus.Message{
		ID:            d.MessageId,
		Topic:         d.Type,
		CorrelationID: d.CorrelationId,
		Timestamp:     d.Timestamp,
		Headers:       make(map[string]string, len(d.Headers)),
		Body:          d.Body,
		Redelivered:   d.Redelivered,
	}
	if msg.Topic == "" {
		msg.Topic = d.RoutingKey
	}
	if msg.ID == "" {
		msg.ID = bus.NewID()
		logrus.WithField("topic", msg.Topic).Warnf("delivery without message id, assigned %s", msg.ID)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}
	for k, v := range d.Headers {
		msg.Headers[k] = fmt.Sprint(v)
	}
	return msg
}

// WithBackOff 替换重连退避策略
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(b *Bus) {
		b.conn.newBackOff = fn
	}
}

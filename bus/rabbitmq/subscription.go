package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/bus"
)

type subscription struct {
	bus         *Bus
	id          string
	topic       string
	queue       string
	consumerTag string
	handler     bus.Handler
	concurrency int
	entry       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu sync.Mutex
	ch Channel
}

func newSubscription(b *Bus, id, topic string, h bus.Handler, concurrency int) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	queue := bus.QueueName(topic, id)
	return &subscription{
		bus:         b,
		id:          id,
		topic:       topic,
		queue:       queue,
		consumerTag: queue + "-" + bus.NewID()[:8],
		handler:     h,
		concurrency: concurrency,
		entry:       logrus.WithFields(logrus.Fields{"topic": topic, "subscription": id}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

func (s *subscription) ID() string    { return s.id }
func (s *subscription) Topic() string { return s.topic }

// setup 打开channel，声明拓扑并开始消费
func (s *subscription) setup(ctx context.Context) (<-chan amqp.Delivery, error) {
	ch, err := s.bus.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (<-chan amqp.Delivery, error) {
		_ = ch.Close()
		return nil, err
	}

	if err := declareExchanges(ch, s.bus.busCfg.Exchange, s.bus.busCfg.ErrorExchange); err != nil {
		return fail(err)
	}
	if err := declareQueue(ch, s.bus.busCfg.Exchange, s.queue, s.topic); err != nil {
		return fail(err)
	}
	if err := ch.Qos(s.bus.cfg.Prefetch, 0, false); err != nil {
		return fail(err)
	}
	deliveries, err := ch.Consume(s.queue, s.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()
	// 建立过程中被关闭，关闭channel让delivery通道结束
	if s.ctx.Err() != nil {
		_ = ch.Close()
	}
	s.entry.Infof("consuming from %s", s.queue)
	return deliveries, nil
}

// run 消费直到关闭，断线后按退避重新建立消费
func (s *subscription) run(deliveries <-chan amqp.Delivery) {
	defer close(s.done)
	defer s.bus.forget(s)

	for {
		s.consume(deliveries)

		s.mu.Lock()
		if s.ch != nil {
			_ = s.ch.Close()
			s.ch = nil
		}
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		s.entry.Warn("delivery channel closed, resubscribing")

		bo := backoff.WithContext(s.bus.conn.newBackOff(), s.ctx)
		err := backoff.RetryNotify(func() error {
			var err error
			deliveries, err = s.setup(s.ctx)
			if isClosed(err) {
				return backoff.Permanent(err)
			}
			return err
		}, bo, func(err error, next time.Duration) {
			s.entry.WithError(err).Warnf("resubscribe failed, next try in %s", next)
		})
		if err != nil {
			return
		}
	}
}

// consume 多个worker共享一个delivery通道
func (s *subscription) consume(deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				s.handle(d)
			}
		}()
	}
	wg.Wait()
}

func (s *subscription) handle(d amqp.Delivery) {
	// 关闭过程中剩余的消息放回队列
	if s.ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}

	msg := fromDelivery(d)
	attempts, err := s.bus.dispatcher.Dispatch(s.ctx, s.id, s.handler, msg)
	if err == nil {
		if err := d.Ack(false); err != nil {
			s.entry.WithError(err).Warnf("ack %s failed", msg.ID)
		}
		return
	}
	if s.ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}

	dl := bus.DeadLetter(msg, s.id, attempts, err)
	if perr := s.bus.deadLetter(dl); perr != nil {
		s.entry.WithError(perr).Errorf("dead-letter %s failed, requeueing", msg.ID)
		_ = d.Nack(false, true)
		return
	}
	s.bus.metrics.DeadLettered(s.id)
	s.entry.WithField("message_id", msg.ID).Warnf("message moved to %s", s.bus.busCfg.ErrorExchange)
	_ = d.Ack(false)
}

// Close 取消消费并等待处理中的消息
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		if ch != nil {
			if err := ch.Cancel(s.consumerTag, false); err != nil {
				// 取消失败时直接关闭channel，delivery通道同样会关闭
				_ = ch.Close()
			}
		}
	})
	<-s.done
	return nil
}

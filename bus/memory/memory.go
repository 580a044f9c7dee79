package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/metrics"
)

const defaultBufferSize = 256

// Bus 进程内事件总线，语义和rabbitmq实现一致，用于单机运行和测试
type Bus struct {
	dispatcher *bus.Dispatcher
	metrics    *metrics.Metrics
	bufferSize int
	strict     bool

	mu     sync.RWMutex
	closed bool
	queues map[string]*queue   // 队列名到队列
	topics map[string][]*queue // topic到订阅它的队列

	dlMu        sync.Mutex
	deadLetters []*bus.Message
}

// queue 一个订阅id对应一个队列，多个订阅者竞争消费
type queue struct {
	name  string
	topic string
	id    string
	ch    chan *bus.Message // 不关闭，done关闭后消费者处理完剩余消息退出
	done  chan struct{}
	subs  map[*subscription]struct{}
}

// Option 配置
type Option func(*Bus)

// WithBufferSize 每个队列的缓冲大小，满了之后发布会阻塞
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithStrictRouting 没有订阅者时发布返回ErrNoSubscribers
func WithStrictRouting() Option {
	return func(b *Bus) {
		b.strict = true
	}
}

var _ bus.EventBus = (*Bus)(nil)

// New 创建进程内总线
func New(d *bus.Dispatcher, opts ...Option) *Bus {
	b := &Bus{
		dispatcher: d,
		metrics:    d.Metrics(),
		bufferSize: defaultBufferSize,
		queues:     make(map[string]*queue),
		topics:     make(map[string][]*queue),
	}
	for _, opt := range opts {
		opt(b)
	}
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

// PublishMessage 每个订阅该topic的队列收到一份拷贝
func (b *Bus) PublishMessage(ctx context.Context, msg *bus.Message) error {
	if msg.Topic == "" {
		return bus.ErrEmptyTopic
	}

	// 发送时不持有锁，处理函数往自己的满队列发布时Close仍然可以执行
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	queues := append([]*queue(nil), b.topics[msg.Topic]...)
	b.mu.RUnlock()

	if len(queues) == 0 {
		b.metrics.Unrouted(msg.Topic)
		if b.strict {
			return bus.ErrNoSubscribers
		}
		logrus.WithField("topic", msg.Topic).Debug("no subscribers, message dropped")
		return nil
	}

	for _, q := range queues {
		select {
		case q.ch <- msg.Clone():
		case <-q.done:
			logrus.WithField("queue", q.name).Debug("queue removed, message dropped")
		case <-ctx.Done():
			b.metrics.Published(msg.Topic, ctx.Err())
			return ctx.Err()
		}
	}
	b.metrics.Published(msg.Topic, nil)
	return nil
}

// Subscribe 相同订阅id共享队列
func (b *Bus) Subscribe(subscriptionID, topic string, h bus.Handler, opts ...bus.SubscribeOption) (bus.Subscription, error) {
	if err := bus.ValidateSubscription(subscriptionID, topic); err != nil {
		return nil, err
	}
	o := bus.NewSubscribeOptions(1, opts...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	name := bus.QueueName(topic, subscriptionID)
	q, ok := b.queues[name]
	if !ok {
		q = &queue{
			name:  name,
			topic: topic,
			id:    subscriptionID,
			ch:    make(chan *bus.Message, b.bufferSize),
			done:  make(chan struct{}),
			subs:  make(map[*subscription]struct{}),
		}
		b.queues[name] = q
		b.topics[topic] = append(b.topics[topic], q)
	}

	s := &subscription{
		bus:     b,
		queue:   q,
		handler: h,
		stop:    make(chan struct{}),
	}
	q.subs[s] = struct{}{}
	for i := 0; i < o.Concurrency; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s, nil
}

// DeadLetters 处理失败的消息
func (b *Bus) DeadLetters() []*bus.Message {
	b.dlMu.Lock()
	defer b.dlMu.Unlock()
	return append([]*bus.Message(nil), b.deadLetters...)
}

// Close 停止接收新消息，等待已入队的消息处理完
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, q := range b.queues {
		for s := range q.subs {
			subs = append(subs, s)
		}
		q.subs = make(map[*subscription]struct{})
		close(q.done)
	}
	b.queues = make(map[string]*queue)
	b.topics = make(map[string][]*queue)
	b.mu.Unlock()

	for _, s := range subs {
		s.wg.Wait()
	}
	return nil
}

// detach 订阅关闭，最后一个订阅者离开时删除队列并返回true
func (b *Bus) detach(s *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := s.queue
	if _, ok := q.subs[s]; !ok {
		return false
	}
	delete(q.subs, s)
	if len(q.subs) > 0 {
		return false
	}

	delete(b.queues, q.name)
	remaining := b.topics[q.topic][:0]
	for _, other := range b.topics[q.topic] {
		if other != q {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == 0 {
		delete(b.topics, q.topic)
	} else {
		b.topics[q.topic] = remaining
	}
	close(q.done)
	return true
}

func (b *Bus) deadLetter(dl *bus.Message) {
	b.dlMu.Lock()
	b.deadLetters = append(b.deadLetters, dl)
	b.dlMu.Unlock()
	b.metrics.DeadLettered(dl.Headers[bus.HeaderSubscription])
}

type subscription struct {
	bus     *Bus
	queue   *queue
	handler bus.Handler
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (s *subscription) ID() string    { return s.queue.id }
func (s *subscription) Topic() string { return s.queue.topic }

// Close 等待正在处理的消息完成
func (s *subscription) Close() error {
	s.once.Do(func() {
		if !s.bus.detach(s) {
			close(s.stop)
		}
	})
	s.wg.Wait()
	return nil
}

func (s *subscription) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue.ch:
			s.handle(msg)
		case <-s.queue.done:
			s.drain()
			return
		}
	}
}

// drain 队列删除后处理完已入队的消息
func (s *subscription) drain() {
	for {
		select {
		case msg := <-s.queue.ch:
			s.handle(msg)
		default:
			return
		}
	}
}

func (s *subscription) handle(msg *bus.Message) {
	attempts, err := s.bus.dispatcher.Dispatch(context.Background(), s.queue.id, s.handler, msg)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.bus.deadLetter(bus.DeadLetter(msg, s.queue.id, attempts, err))
}

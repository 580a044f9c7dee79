package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zuozikang/orderbus/config"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type binding struct {
	queue, key, exchange string
}

// fakeBroker 记录全部操作的内存broker
type fakeBroker struct {
	mu          sync.Mutex
	dials       int
	failDials   int
	exchanges   map[string]string
	queues      map[string]bool
	bindings    []binding
	prefetch    int
	confirmMode bool
	nack        bool
	failPublish string // 发布到该交换机时报错
	published   []publishedMsg
	consumers   map[string]chan amqp.Delivery
	conns       []*fakeConn
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]bool),
		consumers: make(map[string]chan amqp.Delivery),
	}
}

func (b *fakeBroker) dial(cfg config.RabbitMQ, i int) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.failDials > 0 {
		b.failDials--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) consumer(queue string) (chan amqp.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.consumers[queue]
	return ch, ok
}

func (b *fakeBroker) publishedTo(exchange string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, p := range b.published {
		if p.exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// dropConnection 模拟连接断开
func (b *fakeBroker) dropConnection() {
	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	for q, ch := range b.consumers {
		close(ch)
		delete(b.consumers, q)
	}
	b.mu.Unlock()
	conn.notify <- amqp.ErrClosed
}

type fakeConn struct {
	broker *fakeBroker
	notify chan *amqp.Error
}

func (c *fakeConn) Channel() (Channel, error) {
	return &fakeChannel{broker: c.broker}, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.notify = receiver
	return receiver
}

func (c *fakeConn) Close() error { return nil }

type fakeChannel struct {
	broker *fakeBroker
	queue  string
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.exchanges[name] = kind
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.queues[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.bindings = append(c.broker.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) Confirm(noWait bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.confirmMode = true
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	ch := make(chan amqp.Delivery, 16)
	c.broker.consumers[queue] = ch
	c.queue = queue
	return ch, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if ch, ok := c.broker.consumers[c.queue]; ok {
		close(ch)
		delete(c.broker.consumers, c.queue)
	}
	return nil
}

func (c *fakeChannel) PublishConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if exchange == c.broker.failPublish {
		return nil, amqp.ErrClosed
	}
	c.broker.published = append(c.broker.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	if !c.broker.confirmMode {
		return nil, nil
	}
	return fakeConfirm{ack: !c.broker.nack}, nil
}

func (c *fakeChannel) Close() error { return nil }

type fakeConfirm struct {
	ack bool
}

func (c fakeConfirm) WaitContext(ctx context.Context) (bool, error) {
	return c.ack, nil
}

// fakeAck 记录ack结果
type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
	events  chan string
}

func newFakeAck() *fakeAck {
	return &fakeAck{events: make(chan string, 16)}
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.events <- "ack"
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	a.mu.Unlock()
	a.events <- "nack"
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/config"
)

// connection 自动重连的amqp连接
type connection struct {
	cfg        config.RabbitMQ
	dial       DialFunc
	newBackOff func() backoff.BackOff

	mu        sync.Mutex
	conn      Conn
	ready     chan struct{} // 连接可用时关闭
	listeners []func(generation int)

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// newBackOff 1s起步，最长30s，直到关闭前一直重试
func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func newConnection(cfg config.RabbitMQ, dial DialFunc) *connection {
	return &connection{
		cfg:        cfg,
		dial:       dial,
		newBackOff: newBackOff,
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// OnConnect 每次(重新)连接成功后回调，generation从1开始
func (c *connection) OnConnect(fn func(generation int)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *connection) start() {
	go c.run()
}

func (c *connection) run() {
	defer close(c.done)

	bo := c.newBackOff()
	generation := 0
	host := 0
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, err := c.dial(c.cfg, host)
		if err != nil {
			wait := bo.NextBackOff()
			logrus.WithError(err).Warnf("rabbitmq connect to %s failed, retry in %s", c.cfg.URLFor(host), wait)
			// 多节点时轮流尝试
			host++
			if wait == backoff.Stop {
				return
			}
			t := time.NewTimer(wait)
			select {
			case <-c.closed:
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		bo.Reset()
		generation++
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		c.mu.Lock()
		c.conn = conn
		close(c.ready)
		listeners := append([]func(int){}, c.listeners...)
		c.mu.Unlock()

		logrus.Infof("rabbitmq connected (generation %d)", generation)
		for _, fn := range listeners {
			fn(generation)
		}

		select {
		case <-c.closed:
			_ = conn.Close()
			return
		case amqpErr := <-notify:
			logrus.Warnf("rabbitmq connection lost: %v", amqpErr)
			c.mu.Lock()
			c.conn = nil
			c.ready = make(chan struct{})
			c.mu.Unlock()
			_ = conn.Close()
		}
	}
}

// Channel 等待连接可用后打开一个channel
func (c *connection) Channel(ctx context.Context) (Channel, error) {
	for {
		select {
		case <-c.closed:
			return nil, bus.ErrClosed
		default:
		}

		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()

		if conn != nil {
			return conn.Channel()
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, bus.ErrClosed
		}
	}
}

// Close 停止重连并关闭连接
func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	<-c.done
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, bus.ErrClosed)
}

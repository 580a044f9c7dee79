package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/metrics"
	"github.com/zuozikang/orderbus/retry"
)

// 死信消息附带的header
const (
	HeaderException     = "x-exception"
	HeaderOriginalTopic = "x-original-topic"
	HeaderSubscription  = "x-subscription"
	HeaderAttempts      = "x-attempts"
	HeaderFailedAt      = "x-failed-at"
)

// Dispatcher 执行订阅者的handler：panic恢复，失败重试，日志和指标
type Dispatcher struct {
	retry   *retry.RetryConfig
	metrics *metrics.Metrics
}

// NewDispatcher retry_attempts为handler的总执行次数
func NewDispatcher(cfg config.BusConfig, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		retry: retry.NewRetryConfig(
			retry.WithMaxAttempts(cfg.RetryAttempts),
			retry.WithDelay(cfg.RetryDelay),
			retry.WithMaxDelay(10*time.Second),
		),
		metrics: m,
	}
}

// Metrics 返回指标，可能为nil
func (d *Dispatcher) Metrics() *metrics.Metrics {
	return d.metrics
}

// Dispatch 返回执行次数和最终错误，最终错误由调用方决定是否进入死信
func (d *Dispatcher) Dispatch(ctx context.Context, subscription string, h Handler, msg *Message) (uint, error) {
	entry := logrus.WithFields(logrus.Fields{
		"topic":        msg.Topic,
		"subscription": subscription,
		"message_id":   msg.ID,
	})
	ctx = WithCorrelationID(ctx, msg.CorrelationID)

	entry.Debug("handling message")
	start := time.Now()

	var attempts uint
	err := retry.Do(ctx, d.retry, func() error {
		attempts++
		return safeCall(ctx, h, msg)
	}, func(n uint, err error) {
		entry.WithError(err).Warnf("handler attempt %d failed, retrying", n+1)
	})

	elapsed := time.Since(start)
	d.metrics.Consumed(subscription, err, elapsed)
	if err != nil {
		entry.WithError(err).Errorf("handler failed after %d attempt(s)", attempts)
		return attempts, err
	}
	entry.WithField("elapsed", elapsed).Debug("message handled")
	return attempts, nil
}

// safeCall handler panic转为错误
func safeCall(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("handler panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

// DeadLetter 复制一份失败的消息，header记录失败原因
func DeadLetter(msg *Message, subscription string, attempts uint, cause error) *Message {
	dl := msg.Clone()
	dl.Headers[HeaderException] = cause.Error()
	dl.Headers[HeaderOriginalTopic] = msg.Topic
	dl.Headers[HeaderSubscription] = subscription
	dl.Headers[HeaderAttempts] = strconv.FormatUint(uint64(attempts), 10)
	dl.Headers[HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return dl
}

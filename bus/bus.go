package bus

import (
	"context"
)

// Handler 处理一条消息
type Handler func(ctx context.Context, msg *Message) error

// SubscribeOptions 订阅参数
type SubscribeOptions struct {
	Concurrency int // 并发处理数
}

// SubscribeOption 修改订阅参数
type SubscribeOption func(*SubscribeOptions)

// WithConcurrency 设置并发数，小于1时按1处理
func WithConcurrency(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Concurrency = n
	}
}

// NewSubscribeOptions 合并订阅参数
func NewSubscribeOptions(defaultConcurrency int, opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{Concurrency: defaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	return o
}

// EventBus 事件总线。同一topic上不同订阅id各自收到全部消息，相同订阅id之间竞争消费。
type EventBus interface {
	Publish(ctx context.Context, event Event, opts ...PublishOption) error
	PublishMessage(ctx context.Context, msg *Message) error
	Subscribe(subscriptionID, topic string, h Handler, opts ...SubscribeOption) (Subscription, error)
	Close() error
}

// Subscription 一个已建立的订阅
type Subscription interface {
	ID() string
	Topic() string
	Close() error
}

// QueueName 订阅对应的队列名
func QueueName(topic, subscriptionID string) string {
	return topic + "_" + subscriptionID
}

// ValidateSubscription 校验订阅参数
func ValidateSubscription(subscriptionID, topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if subscriptionID == "" {
		return ErrEmptySubscription
	}
	return nil
}

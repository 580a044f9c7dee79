package bus

import (
	"context"

	"github.com/zuozikang/orderbus/retry"
)

// Consumer 订阅某个topic的处理者，Name在进程内唯一
type Consumer interface {
	Name() string
	Topic() string
	Consume(ctx context.Context, msg *Message) error
}

type typedConsumer[T any] struct {
	name  string
	topic string
	fn    func(ctx context.Context, evt T, msg *Message) error
}

// Typed 把消息体反序列化为T再交给fn，反序列化失败不会重试
func Typed[T any](name, topic string, fn func(ctx context.Context, evt T, msg *Message) error) Consumer {
	return &typedConsumer[T]{name: name, topic: topic, fn: fn}
}

func (c *typedConsumer[T]) Name() string  { return c.name }
func (c *typedConsumer[T]) Topic() string { return c.topic }

func (c *typedConsumer[T]) Consume(ctx context.Context, msg *Message) error {
	var evt T
	if err := msg.Decode(&evt); err != nil {
		return retry.Unrecoverable(err)
	}
	return c.fn(ctx, evt, msg)
}

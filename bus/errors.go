package bus

import "errors"

var (
	// ErrNoSubscribers 严格路由模式下发布到没有订阅者的topic
	ErrNoSubscribers = errors.New("bus: no subscribers for topic")
	// ErrPublishNacked broker拒绝了消息
	ErrPublishNacked = errors.New("bus: publish not acknowledged by broker")
	// ErrClosed 总线已关闭
	ErrClosed = errors.New("bus: closed")
	// ErrDecode 消息体无法反序列化，不会重试
	ErrDecode = errors.New("bus: decode message")
	// ErrEmptyTopic topic为空
	ErrEmptyTopic = errors.New("bus: empty topic")
	// ErrEmptySubscription 订阅id为空
	ErrEmptySubscription = errors.New("bus: empty subscription id")
	// ErrDuplicateConsumer 同一个订阅者名字注册了两次
	ErrDuplicateConsumer = errors.New("bus: duplicate consumer name")
)

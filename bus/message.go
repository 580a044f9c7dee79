package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// ContentType 消息体格式
const ContentType = "application/json"

// Event 集成事件，topic即路由键
type Event interface {
	Topic() string
}

// Message 总线上传输的消息
type Message struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     time.Time         `json:"timestamp"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body"`
	Redelivered   bool              `json:"redelivered"`
}

// PublishOption 发布前修改消息
type PublishOption func(*Message)

// WithHeader 附加header
func WithHeader(key, value string) PublishOption {
	return func(m *Message) {
		if m.Headers == nil {
			m.Headers = make(map[string]string)
		}
		m.Headers[key] = value
	}
}

// WithMessageID 指定消息id
func WithMessageID(id string) PublishOption {
	return func(m *Message) {
		m.ID = id
	}
}

// NewID 生成消息id
func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}

// NewMessage 序列化事件，关联id优先取ctx中的值
func NewMessage(ctx context.Context, event Event, opts ...PublishOption) (*Message, error) {
	if event.Topic() == "" {
		return nil, ErrEmptyTopic
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event.Topic(), err)
	}

	m := &Message{
		ID:        NewID(),
		Topic:     event.Topic(),
		Timestamp: time.Now(),
		Headers:   make(map[string]string),
		Body:      body,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.CorrelationID = CorrelationID(ctx)
	if m.CorrelationID == "" {
		m.CorrelationID = m.ID
	}
	return m, nil
}

// Decode 反序列化消息体
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w %s: %v", ErrDecode, m.ID, err)
	}
	return nil
}

// Clone 深拷贝，header可以独立修改
func (m *Message) Clone() *Message {
	c := *m
	c.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	c.Body = append([]byte(nil), m.Body...)
	return &c
}

type correlationKey struct{}

// WithCorrelationID 把关联id放入ctx，处理消息时发布的新消息会沿用
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID 读取ctx中的关联id
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/retry"
)

type pinged struct {
	N int `json:"n"`
}

func (pinged) Topic() string { return "test.pinged" }

func testDispatcher(attempts uint) *Dispatcher {
	return NewDispatcher(config.BusConfig{RetryAttempts: attempts, RetryDelay: time.Millisecond}, nil)
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(context.Background(), pinged{N: 1}, WithHeader("k", "v"))
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "test.pinged", msg.Topic)
	assert.Equal(t, msg.ID, msg.CorrelationID)
	assert.Equal(t, "v", msg.Headers["k"])
	assert.JSONEq(t, `{"n":1}`, string(msg.Body))
	assert.False(t, msg.Timestamp.IsZero())

	ctx := WithCorrelationID(context.Background(), "corr-1")
	msg, err = NewMessage(ctx, pinged{}, WithMessageID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", msg.ID)
	assert.Equal(t, "corr-1", msg.CorrelationID)
}

type noTopic struct{}

func (noTopic) Topic() string { return "" }

func TestNewMessage_EmptyTopic(t *testing.T) {
	_, err := NewMessage(context.Background(), noTopic{})
	assert.ErrorIs(t, err, ErrEmptyTopic)
}

func TestMessage_DecodeAndClone(t *testing.T) {
	msg := &Message{ID: "1", Body: []byte("not json"), Headers: map[string]string{"a": "1"}}
	var v pinged
	assert.ErrorIs(t, msg.Decode(&v), ErrDecode)

	c := msg.Clone()
	c.Headers["a"] = "2"
	c.Body[0] = 'N'
	assert.Equal(t, "1", msg.Headers["a"])
	assert.Equal(t, byte('n'), msg.Body[0])
}

func TestTyped(t *testing.T) {
	var got pinged
	c := Typed("pinger", "test.pinged", func(ctx context.Context, evt pinged, msg *Message) error {
		got = evt
		return nil
	})
	assert.Equal(t, "pinger", c.Name())
	assert.Equal(t, "test.pinged", c.Topic())

	require.NoError(t, c.Consume(context.Background(), &Message{Body: []byte(`{"n":5}`)}))
	assert.Equal(t, 5, got.N)

	err := c.Consume(context.Background(), &Message{Body: []byte(`[`)})
	assert.ErrorIs(t, err, ErrDecode)
	assert.True(t, retry.IsUnrecoverable(err))
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	d := testDispatcher(3)
	calls := 0
	attempts, err := d.Dispatch(context.Background(), "sub", func(ctx context.Context, msg *Message) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, &Message{ID: "m1", Topic: "t"})

	require.NoError(t, err)
	assert.Equal(t, uint(3), attempts)
}

func TestDispatcher_FinalFailure(t *testing.T) {
	d := testDispatcher(2)
	boom := errors.New("boom")
	attempts, err := d.Dispatch(context.Background(), "sub", func(ctx context.Context, msg *Message) error {
		return boom
	}, &Message{ID: "m1", Topic: "t"})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint(2), attempts)
}

func TestDispatcher_DecodeErrorIsNotRetried(t *testing.T) {
	d := testDispatcher(5)
	c := Typed("p", "t", func(ctx context.Context, evt pinged, msg *Message) error { return nil })

	attempts, err := d.Dispatch(context.Background(), "sub", c.Consume, &Message{ID: "m1", Topic: "t", Body: []byte("x")})
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, uint(1), attempts)
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	d := testDispatcher(1)
	_, err := d.Dispatch(context.Background(), "sub", func(ctx context.Context, msg *Message) error {
		panic("kaboom")
	}, &Message{ID: "m1", Topic: "t"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestDispatcher_PropagatesCorrelationID(t *testing.T) {
	d := testDispatcher(1)
	var seen string
	_, err := d.Dispatch(context.Background(), "sub", func(ctx context.Context, msg *Message) error {
		seen = CorrelationID(ctx)
		return nil
	}, &Message{ID: "m1", Topic: "t", CorrelationID: "corr-9"})

	require.NoError(t, err)
	assert.Equal(t, "corr-9", seen)
}

func TestDeadLetter(t *testing.T) {
	msg := &Message{ID: "m1", Topic: "order.created", Headers: map[string]string{"k": "v"}, Body: []byte("{}")}
	dl := DeadLetter(msg, "consumer:sales", 3, errors.New("db down"))

	assert.Equal(t, "db down", dl.Headers[HeaderException])
	assert.Equal(t, "order.created", dl.Headers[HeaderOriginalTopic])
	assert.Equal(t, "consumer:sales", dl.Headers[HeaderSubscription])
	assert.Equal(t, "3", dl.Headers[HeaderAttempts])
	assert.NotEmpty(t, dl.Headers[HeaderFailedAt])
	assert.Equal(t, "v", dl.Headers["k"])
	// 原消息不受影响
	assert.NotContains(t, msg.Headers, HeaderException)
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "order.created_consumer:sales", QueueName("order.created", "consumer:sales"))
}

func TestNewSubscribeOptions(t *testing.T) {
	assert.Equal(t, 4, NewSubscribeOptions(4).Concurrency)
	assert.Equal(t, 2, NewSubscribeOptions(4, WithConcurrency(2)).Concurrency)
	assert.Equal(t, 1, NewSubscribeOptions(0).Concurrency)
}

// fakeBus 记录订阅
type fakeBus struct {
	mu      sync.Mutex
	subs    []*fakeSub
	failFor string
}

type fakeSub struct {
	id, topic string
	closed    bool
}

func (s *fakeSub) ID() string    { return s.id }
func (s *fakeSub) Topic() string { return s.topic }
func (s *fakeSub) Close() error  { s.closed = true; return nil }

func (b *fakeBus) Publish(context.Context, Event, ...PublishOption) error { return nil }
func (b *fakeBus) PublishMessage(context.Context, *Message) error         { return nil }
func (b *fakeBus) Close() error                                           { return nil }
func (b *fakeBus) Subscribe(id, topic string, h Handler, opts ...SubscribeOption) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == b.failFor {
		return nil, errors.New("broker refused")
	}
	s := &fakeSub{id: id, topic: topic}
	b.subs = append(b.subs, s)
	return s, nil
}

func noop(ctx context.Context, evt pinged, msg *Message) error { return nil }

func TestAutoSubscriber(t *testing.T) {
	fb := &fakeBus{}
	a := NewAutoSubscriber(fb, "")

	err := a.Subscribe(Typed("sales", "order.created", noop), Typed("refunds", "order.cancelled", noop))
	require.NoError(t, err)
	require.Len(t, fb.subs, 2)
	assert.Equal(t, "consumer:sales", fb.subs[0].id)
	assert.Equal(t, "order.created", fb.subs[0].topic)
	assert.Equal(t, "consumer:refunds", fb.subs[1].id)

	err = a.Subscribe(Typed("sales", "order.paid", noop))
	assert.ErrorIs(t, err, ErrDuplicateConsumer)

	require.NoError(t, a.Close())
	assert.True(t, fb.subs[0].closed)
	assert.True(t, fb.subs[1].closed)
	assert.Empty(t, a.Subscriptions())
}

func TestAutoSubscriber_DuplicateInOneCall(t *testing.T) {
	a := NewAutoSubscriber(&fakeBus{}, "worker")
	err := a.Subscribe(Typed("x", "a", noop), Typed("x", "b", noop))
	assert.ErrorIs(t, err, ErrDuplicateConsumer)
}

func TestAutoSubscriber_RollsBackOnFailure(t *testing.T) {
	fb := &fakeBus{failFor: "order.paid"}
	a := NewAutoSubscriber(fb, "worker")

	err := a.Subscribe(Typed("sales", "order.created", noop), Typed("payments", "order.paid", noop))
	require.Error(t, err)
	require.Len(t, fb.subs, 1)
	assert.Equal(t, "worker:sales", fb.subs[0].id)
	assert.True(t, fb.subs[0].closed)
	assert.Empty(t, a.Subscriptions())

	// 失败后名字没有被占用
	fb.failFor = ""
	assert.NoError(t, a.Subscribe(Typed("sales", "order.created", noop)))
}

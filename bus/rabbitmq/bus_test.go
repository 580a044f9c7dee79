package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/config"
)

type created struct {
	OrderNo string `json:"orderNo"`
}

func (created) Topic() string { return "order.created" }

func testConfig(confirms bool) (config.RabbitMQ, config.BusConfig) {
	return config.RabbitMQ{
			Hosts:             []string{"mq:5672"},
			VirtualHost:       "/",
			Prefetch:          50,
			Timeout:           time.Second,
			Persistent:        true,
			PublisherConfirms: confirms,
		}, config.BusConfig{
			Exchange:      "orderbus.events",
			ErrorExchange: "orderbus.error",
			RetryAttempts: 2,
			RetryDelay:    time.Millisecond,
			Concurrency:   1,
		}
}

func newTestBus(t *testing.T, broker *fakeBroker, confirms bool) *Bus {
	rc, bc := testConfig(confirms)
	b := New(rc, bc, bus.NewDispatcher(bc, nil),
		WithDialer(broker.dial),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }),
	)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitEvent(t *testing.T, a *fakeAck) string {
	t.Helper()
	select {
	case e := <-a.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
		return ""
	}
}

func TestBus_PublishSetsProperties(t *testing.T) {
	broker := newFakeBroker()
	b := newTestBus(t, broker, false)

	ctx := bus.WithCorrelationID(context.Background(), "corr-1")
	require.NoError(t, b.Publish(ctx, created{OrderNo: "NO1"}, bus.WithHeader("source", "test")))

	pubs := broker.publishedTo("orderbus.events")
	require.Len(t, pubs, 1)
	p := pubs[0]
	assert.Equal(t, "order.created", p.key)
	assert.Equal(t, "order.created", p.msg.Type)
	assert.Equal(t, "corr-1", p.msg.CorrelationId)
	assert.NotEmpty(t, p.msg.MessageId)
	assert.Equal(t, bus.ContentType, p.msg.ContentType)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)
	assert.Equal(t, "test", p.msg.Headers["source"])
	assert.JSONEq(t, `{"orderNo":"NO1"}`, string(p.msg.Body))

	assert.Equal(t, amqp.ExchangeTopic, broker.exchanges["orderbus.events"])
	assert.Equal(t, amqp.ExchangeDirect, broker.exchanges["orderbus.error"])
	assert.False(t, broker.confirmMode)
}

func TestBus_PublishNacked(t *testing.T) {
	broker := newFakeBroker()
	broker.nack = true
	b := newTestBus(t, broker, true)

	err := b.Publish(context.Background(), created{})
	assert.ErrorIs(t, err, bus.ErrPublishNacked)
	assert.True(t, broker.confirmMode)
	// nack不重试
	assert.Len(t, broker.publishedTo("orderbus.events"), 1)
}

func TestBus_SubscribeDeclaresTopology(t *testing.T) {
	broker := newFakeBroker()
	b := newTestBus(t, broker, false)

	sub, err := b.Subscribe("consumer:sales", "order.created", func(context.Context, *bus.Message) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "consumer:sales", sub.ID())
	assert.Equal(t, "order.created", sub.Topic())

	broker.mu.Lock()
	defer broker.mu.Unlock()
	assert.True(t, broker.queues["order.created_consumer:sales"])
	assert.True(t, broker.queues["orderbus.error"])
	assert.Contains(t, broker.bindings, binding{queue: "order.created_consumer:sales", key: "order.created", exchange: "orderbus.events"})
	assert.Contains(t, broker.bindings, binding{queue: "orderbus.error", key: "orderbus.error", exchange: "orderbus.error"})
	assert.Equal(t, 50, broker.prefetch)
}

func TestBus_AcksHandledDelivery(t *testing.T) {
	broker := newFakeBroker()
	b := newTestBus(t, broker, false)

	got := make(chan *bus.Message, 1)
	_, err := b.Subscribe("consumer:sales", "order.created", func(ctx context.Context, msg *bus.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	ack := newFakeAck()
	deliveries, ok := broker.consumer("order.created_consumer:sales")
	require.True(t, ok)
	deliveries <- amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   1,
		MessageId:     "m1",
		CorrelationId: "c1",
		Type:          "order.created",
		Headers:       amqp.Table{"attempt": int32(1)},
		Body:          []byte(`{"orderNo":"NO1"}`),
		Redelivered:   true,
	}

	assert.Equal(t, "ack", waitEvent(t, ack))
	msg := <-got
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "c1", msg.CorrelationID)
	assert.Equal(t, "1", msg.Headers["attempt"])
	assert.True(t, msg.Redelivered)
}

func TestBus_DeadLettersFinalFailure(t *testing.T) {
	broker := newFakeBroker()
	b := newTestBus(t, broker, false)

	_, err := b.Subscribe("consumer:sales", "order.created", func(ctx context.Context, msg *bus.Message) error {
		return errors.New("db down")
	})
	require.NoError(t, err)

	ack := newFakeAck()
	deliveries, _ := broker.consumer("order.created_consumer:sales")
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, MessageId: "m7", Type: "order.created", Body: []byte(`{}`)}

	assert.Equal(t, "ack", waitEvent(t, ack))
	dls := broker.publishedTo("orderbus.error")
	require.Len(t, dls, 1)
	assert.Equal(t, "orderbus.error", dls[0].key)
	assert.Equal(t, "m7", dls[0].msg.MessageId)
	assert.Equal(t, "db down", dls[0].msg.Headers[bus.HeaderException])
	assert.Equal(t, "order.created", dls[0].msg.Headers[bus.HeaderOriginalTopic])
	assert.Equal(t, "consumer:sales", dls[0].msg.Headers[bus.HeaderSubscription])
	assert.Equal(t, "2", dls[0].msg.Headers[bus.HeaderAttempts])
}

func TestBus_RequeuesWhenDeadLetterFails(t *testing.T) {
	broker := newFakeBroker()
	broker.failPublish = "orderbus.error"
	b := newTestBus(t, broker, false)

	_, err := b.Subscribe("consumer:sales", "order.created", func(ctx context.Context, msg *bus.Message) error {
		return errors.New("db down")
	})
	require.NoError(t, err)

	ack := newFakeAck()
	deliveries, _ := broker.consumer("order.created_consumer:sales")
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, MessageId: "m3", Body: []byte(`{}`)}

	assert.Equal(t, "nack", waitEvent(t, ack))
	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []bool{true}, ack.requeue)
}

func TestBus_ResubscribesAfterReconnect(t *testing.T) {
	broker := newFakeBroker()
	b := newTestBus(t, broker, false)

	got := make(chan string, 4)
	_, err := b.Subscribe("consumer:sales", "order.created", func(ctx context.Context, msg *bus.Message) error {
		got <- msg.ID
		return nil
	})
	require.NoError(t, err)
	first, _ := broker.consumer("order.created_consumer:sales")

	broker.dropConnection()

	require.Eventually(t, func() bool {
		ch, ok := broker.consumer("order.created_consumer:sales")
		return ok && ch != first && broker.dialCount() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	ack := newFakeAck()
	deliveries, _ := broker.consumer("order.created_consumer:sales")
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, MessageId: "after-reconnect", Body: []byte(`{}`)}
	assert.Equal(t, "ack", waitEvent(t, ack))
	assert.Equal(t, "after-reconnect", <-got)
}

func TestBus_RetriesDialUntilConnected(t *testing.T) {
	broker := newFakeBroker()
	broker.failDials = 3
	b := newTestBus(t, broker, false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Publish(ctx, created{}))
	assert.Equal(t, 4, broker.dialCount())
}

func TestBus_Closed(t *testing.T) {
	broker := newFakeBroker()
	b := newTestBus(t, broker, false)

	sub, err := b.Subscribe("s", "order.created", func(context.Context, *bus.Message) error { return nil })
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, sub.Close())

	_, ok := broker.consumer("order.created_s")
	assert.False(t, ok)

	assert.ErrorIs(t, b.Publish(context.Background(), created{}), bus.ErrClosed)
	_, err = b.Subscribe("s", "order.created", func(context.Context, *bus.Message) error { return nil })
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestFromDelivery(t *testing.T) {
	msg := fromDelivery(amqp.Delivery{RoutingKey: "order.paid", Body: []byte("{}")})
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "order.paid", msg.Topic)
	assert.Equal(t, msg.ID, msg.CorrelationID)
}

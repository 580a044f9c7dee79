package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultSubscriptionPrefix 默认订阅id前缀
const DefaultSubscriptionPrefix = "consumer"

// AutoSubscriber 批量把Consumer订阅到总线上
type AutoSubscriber struct {
	bus    EventBus
	prefix string

	mu    sync.Mutex
	names map[string]struct{}
	subs  []Subscription
}

// NewAutoSubscriber prefix为空时使用consumer
func NewAutoSubscriber(b EventBus, prefix string) *AutoSubscriber {
	if prefix == "" {
		prefix = DefaultSubscriptionPrefix
	}
	return &AutoSubscriber{
		bus:    b,
		prefix: prefix,
		names:  make(map[string]struct{}),
	}
}

// SubscriptionID 订阅id
func (a *AutoSubscriber) SubscriptionID(c Consumer) string {
	return a.prefix + ":" + c.Name()
}

// Subscribe 订阅全部consumer，任一失败时本次已建立的订阅会被关闭
func (a *AutoSubscriber) Subscribe(consumers ...Consumer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(consumers))
	for _, c := range consumers {
		if _, ok := a.names[c.Name()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateConsumer, c.Name())
		}
		if _, ok := seen[c.Name()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateConsumer, c.Name())
		}
		seen[c.Name()] = struct{}{}
	}

	created := make([]Subscription, 0, len(consumers))
	for _, c := range consumers {
		id := a.SubscriptionID(c)
		sub, err := a.bus.Subscribe(id, c.Topic(), c.Consume)
		if err != nil {
			for _, s := range created {
				_ = s.Close()
			}
			return fmt.Errorf("subscribe %s to %s: %w", id, c.Topic(), err)
		}
		created = append(created, sub)
		logrus.Infof("subscribed %s to %s", id, c.Topic())
	}

	for name := range seen {
		a.names[name] = struct{}{}
	}
	a.subs = append(a.subs, created...)
	return nil
}

// Subscriptions 已建立的订阅
func (a *AutoSubscriber) Subscriptions() []Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Subscription(nil), a.subs...)
}

// Close 关闭全部订阅
func (a *AutoSubscriber) Close() error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.names = make(map[string]struct{})
	a.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

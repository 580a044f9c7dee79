package model

import "time"

const (
	TopicOrderCreated   = "order.created"
	TopicOrderPaid      = "order.paid"
	TopicOrderCancelled = "order.cancelled"
)

// EventItem 事件里的订单明细
type EventItem struct {
	ProductID uint64 `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// OrderCreatedEvent 下单成功
type OrderCreatedEvent struct {
	OrderID    uint64      `json:"orderId"`
	OrderNo    string      `json:"orderNo"`
	CustomerID string      `json:"customerId"`
	Total      int64       `json:"total"`
	Items      []EventItem `json:"items"`
	CreatedAt  time.Time   `json:"createdAt"`
}

func (OrderCreatedEvent) Topic() string { return TopicOrderCreated }

// OrderPaidEvent 订单已支付
type OrderPaidEvent struct {
	OrderID uint64    `json:"orderId"`
	OrderNo string    `json:"orderNo"`
	Total   int64     `json:"total"`
	PaidAt  time.Time `json:"paidAt"`
}

func (OrderPaidEvent) Topic() string { return TopicOrderPaid }

// OrderCancelledEvent 订单已取消
type OrderCancelledEvent struct {
	OrderID     uint64      `json:"orderId"`
	OrderNo     string      `json:"orderNo"`
	Reason      string      `json:"reason"`
	Total       int64       `json:"total"`
	Items       []EventItem `json:"items"`
	CreatedAt   time.Time   `json:"createdAt"`
	CancelledAt time.Time   `json:"cancelledAt"`
}

func (OrderCancelledEvent) Topic() string { return TopicOrderCancelled }

// EventItems 订单明细转事件明细
func EventItems(items []OrderItem) []EventItem {
	out := make([]EventItem, 0, len(items))
	for _, it := range items {
		out = append(out, EventItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return out
}

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// Product 商品
type Product struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	Price     int64     `gorm:"not null" json:"price"` // 单位：分
	Stock     int       `gorm:"not null" json:"stock"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Order 订单
type Order struct {
	ID          uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo     string      `gorm:"size:32;uniqueIndex;not null" json:"orderNo"`
	CustomerID  string      `gorm:"size:64;index;not null" json:"customerId"`
	Status      OrderStatus `gorm:"size:16;index;not null" json:"status"`
	Total       int64       `gorm:"not null" json:"total"`
	Items       []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
	CreatedAt   time.Time   `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	PaidAt      *time.Time  `json:"paidAt"`
	CancelledAt *time.Time  `json:"cancelledAt"`
}

// OrderItem 订单明细，商品名和单价在下单时快照
type OrderItem struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID     uint64 `gorm:"index;not null" json:"orderId"`
	ProductID   uint64 `gorm:"not null" json:"productId"`
	ProductName string `gorm:"size:128" json:"productName"`
	UnitPrice   int64  `gorm:"not null" json:"unitPrice"`
	Quantity    int    `gorm:"not null" json:"quantity"`
}

// Subtotal 小计
func (i OrderItem) Subtotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// NewOrderNo 生成订单号：时间戳 + 8位随机串
func NewOrderNo(now time.Time) string {
	id := uuid.Must(uuid.NewV4())
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	return now.Format("20060102150405") + suffix
}

// Validate 校验商品字段
func (p *Product) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return fmt.Errorf("product name is empty: %w", ErrValidation)
	case p.Price <= 0:
		return fmt.Errorf("product price must be positive: %w", ErrValidation)
	case p.Stock < 0:
		return fmt.Errorf("product stock must not be negative: %w", ErrValidation)
	}
	return nil
}

package api

import (
	"time"

	"github.com/zuozikang/orderbus/model"
)

// TimeLayout 接口返回的时间格式
const TimeLayout = "2006-01-02 15:04:05"

// Time 按TimeLayout输出，零值输出null
type Time time.Time

func (t Time) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + tt.Local().Format(TimeLayout) + `"`), nil
}

func timePtr(t *time.Time) *Time {
	if t == nil {
		return nil
	}
	v := Time(*t)
	return &v
}

type productDTO struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Stock     int    `json:"stock"`
	CreatedAt Time   `json:"createdAt"`
	UpdatedAt Time   `json:"updatedAt"`
}

func toProduct(p *model.Product) productDTO {
	return productDTO{
		ID:        p.ID,
		Name:      p.Name,
		Price:     p.Price,
		Stock:     p.Stock,
		CreatedAt: Time(p.CreatedAt),
		UpdatedAt: Time(p.UpdatedAt),
	}
}

type orderItemDTO struct {
	ProductID   uint64 `json:"productId"`
	ProductName string `json:"productName"`
	UnitPrice   int64  `json:"unitPrice"`
	Quantity    int    `json:"quantity"`
	Subtotal    int64  `json:"subtotal"`
}

type orderDTO struct {
	ID          uint64         `json:"id"`
	OrderNo     string         `json:"orderNo"`
	CustomerID  string         `json:"customerId"`
	Status      string         `json:"status"`
	Total       int64          `json:"total"`
	Items       []orderItemDTO `json:"items"`
	CreatedAt   Time           `json:"createdAt"`
	UpdatedAt   Time           `json:"updatedAt"`
	PaidAt      *Time          `json:"paidAt"`
	CancelledAt *Time          `json:"cancelledAt"`
}

func toOrder(o *model.Order) orderDTO {
	items := make([]orderItemDTO, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemDTO{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			UnitPrice:   it.UnitPrice,
			Quantity:    it.Quantity,
			Subtotal:    it.Subtotal(),
		})
	}
	return orderDTO{
		ID:          o.ID,
		OrderNo:     o.OrderNo,
		CustomerID:  o.CustomerID,
		Status:      string(o.Status),
		Total:       o.Total,
		Items:       items,
		CreatedAt:   Time(o.CreatedAt),
		UpdatedAt:   Time(o.UpdatedAt),
		PaidAt:      timePtr(o.PaidAt),
		CancelledAt: timePtr(o.CancelledAt),
	}
}

type pageDTO[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

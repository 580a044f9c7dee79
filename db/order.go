package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zuozikang/orderbus/model"
)

// OrderFilter 订单查询条件，空值不过滤
type OrderFilter struct {
	CustomerID string
	Status     model.OrderStatus
	Page       int
	Size       int
}

// OrderRepository 订单和订单明细
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create 写入订单和明细
func (r *OrderRepository) Create(tx *gorm.DB, o *model.Order) error {
	if err := tx.Create(o).Error; err != nil {
		return fmt.Errorf("create order %s: %w", o.OrderNo, err)
	}
	return nil
}

// Get 查询订单，带明细
func (r *OrderRepository) Get(ctx context.Context, id uint64) (*model.Order, error) {
	return r.GetTx(r.db.WithContext(ctx), id)
}

// GetTx 在事务内查询
func (r *OrderRepository) GetTx(tx *gorm.DB, id uint64) (*model.Order, error) {
	var o model.Order
	if err := tx.Preload("Items").First(&o, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get order %d: %w", id, err)
	}
	return &o, nil
}

// List 分页查询
func (r *OrderRepository) List(ctx context.Context, f OrderFilter) ([]model.Order, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if f.CustomerID != "" {
			db = db.Where("customer_id = ?", f.CustomerID)
		}
		if f.Status != "" {
			db = db.Where("status = ?", f.Status)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Order{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	offset, limit := page(f.Page, f.Size)
	orders := make([]model.Order, 0, limit)
	err := r.db.WithContext(ctx).Scopes(scope).Preload("Items").
		Order("id DESC").Offset(offset).Limit(limit).Find(&orders).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	return orders, total, nil
}

// UpdateStatus 仅当当前状态为from时更新，用于并发下的状态机校验
func (r *OrderRepository) UpdateStatus(tx *gorm.DB, id uint64, from, to model.OrderStatus, at time.Time) error {
	if err := model.CheckTransition(from, to); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case model.StatusPaid:
		fields["paid_at"] = at
	case model.StatusCancelled:
		fields["cancelled_at"] = at
	}

	res := tx.Model(&model.Order{}).Where("id = ? AND status = ?", id, from).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update order %d status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %d is no longer %s: %w", id, from, model.ErrInvalidTransition)
	}
	return nil
}

// ListExpired 查询创建时间早于before且仍未支付的订单
func (r *OrderRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.StatusPending, before).
		Order("id").Limit(limit).Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list expired orders: %w", err)
	}
	return orders, nil
}

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zuozikang/orderbus/model"
)

// ProductRepository 商品表
type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Get 按id查询
func (r *ProductRepository) Get(ctx context.Context, id uint64) (*model.Product, error) {
	return r.GetTx(r.db.WithContext(ctx), id)
}

// GetTx 在事务内查询
func (r *ProductRepository) GetTx(tx *gorm.DB, id uint64) (*model.Product, error) {
	var p model.Product
	if err := tx.First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("product %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &p, nil
}

// List 分页查询，返回总数
func (r *ProductRepository) List(ctx context.Context, p, size int) ([]model.Product, int64, error) {
	var total int64
	db := r.db.WithContext(ctx).Model(&model.Product{})
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	offset, limit := page(p, size)
	products := make([]model.Product, 0, limit)
	if err := r.db.WithContext(ctx).Order("id").Offset(offset).Limit(limit).Find(&products).Error; err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	return products, total, nil
}

// Create 新增商品
func (r *ProductRepository) Create(ctx context.Context, p *model.Product) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// DecreaseStock 条件扣减库存，库存不足时不更新
func (r *ProductRepository) DecreaseStock(tx *gorm.DB, id uint64, qty int) error {
	res := tx.Model(&model.Product{}).
		Where("id = ? AND stock >= ?", id, qty).
		Updates(map[string]interface{}{
			"stock":      gorm.Expr("stock - ?", qty),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("decrease stock of product %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("product %d: %w", id, model.ErrInsufficientStock)
	}
	return nil
}

// IncreaseStock 归还库存
func (r *ProductRepository) IncreaseStock(tx *gorm.DB, id uint64, qty int) error {
	res := tx.Model(&model.Product{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stock":      gorm.Expr("stock + ?", qty),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("increase stock of product %d: %w", id, res.Error)
	}
	return nil
}

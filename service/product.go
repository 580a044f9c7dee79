package service

import (
	"context"

	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/model"
)

type productService struct {
	store *db.Store
}

var _ ProductService = (*productService)(nil)

// NewProductService 返回商品服务
func NewProductService(store *db.Store) ProductService {
	return &productService{store: store}
}

func (s *productService) Get(ctx context.Context, id uint64) (*model.Product, error) {
	return s.store.Products.Get(ctx, id)
}

func (s *productService) List(ctx context.Context, page, size int) ([]model.Product, int64, error) {
	return s.store.Products.List(ctx, page, size)
}

func (s *productService) Create(ctx context.Context, req CreateProductRequest) (*model.Product, error) {
	p := &model.Product{Name: req.Name, Price: req.Price, Stock: req.Stock}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Products.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/model"
	"github.com/zuozikang/orderbus/service"
)

// SalesReader 销量查询
type SalesReader interface {
	ProductSales(ctx context.Context, productID uint64) (int64, error)
}

type handlers struct {
	products service.ProductService
	orders   service.OrderService
	sales    SalesReader
	health   func(ctx context.Context) error
}

func pathID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q: %w", c.Param("id"), model.ErrValidation)
	}
	return id, nil
}

// committed 数据已提交只是事件没发出去时，仍按成功返回
func committed(err error) bool {
	return errors.Is(err, service.ErrEventNotPublished)
}

func (h *handlers) healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			logrus.WithError(err).Warn("health check failed")
			fail(c, http.StatusServiceUnavailable, "unhealthy", nil)
			return
		}
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

type pageQuery struct {
	Page int `form:"page" binding:"omitempty,min=1"`
	Size int `form:"size" binding:"omitempty,min=1,max=100"`
}

// normalizePage 未传分页参数时第1页，每页20条
func normalizePage(p, s int) (int, int) {
	if p == 0 {
		p = 1
	}
	if s == 0 {
		s = 20
	}
	return p, s
}

func (h *handlers) listProducts(c *gin.Context) {
	var q pageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(&bindError{err: err})
		return
	}
	page, size := normalizePage(q.Page, q.Size)
	items, total, err := h.products.List(c.Request.Context(), page, size)
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := make([]productDTO, 0, len(items))
	for i := range items {
		out = append(out, toProduct(&items[i]))
	}
	ok(c, http.StatusOK, pageDTO[productDTO]{Items: out, Total: total, Page: page, Size: size})
}

func (h *handlers) getProduct(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	p, err := h.products.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, toProduct(p))
}

func (h *handlers) createProduct(c *gin.Context) {
	var req service.CreateProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(&bindError{err: err})
		return
	}
	p, err := h.products.Create(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusCreated, toProduct(p))
}

func (h *handlers) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(&bindError{err: err})
		return
	}
	o, err := h.orders.Create(c.Request.Context(), req)
	if err != nil && !(committed(err) && o != nil) {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusCreated, toOrder(o))
}

type listOrdersQuery struct {
	Page       int    `form:"page" binding:"omitempty,min=1"`
	Size       int    `form:"size" binding:"omitempty,min=1,max=100"`
	CustomerID string `form:"customerId" binding:"omitempty,max=64"`
	Status     string `form:"status" binding:"omitempty,oneof=pending paid shipped cancelled"`
}

func (h *handlers) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(&bindError{err: err})
		return
	}
	page, size := normalizePage(q.Page, q.Size)
	items, total, err := h.orders.List(c.Request.Context(), db.OrderFilter{
		CustomerID: q.CustomerID,
		Status:     model.OrderStatus(q.Status),
		Page:       page,
		Size:       size,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := make([]orderDTO, 0, len(items))
	for i := range items {
		out = append(out, toOrder(&items[i]))
	}
	ok(c, http.StatusOK, pageDTO[orderDTO]{Items: out, Total: total, Page: page, Size: size})
}

func (h *handlers) getOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	o, err := h.orders.Get(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, toOrder(o))
}

func (h *handlers) payOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	o, err := h.orders.Pay(c.Request.Context(), id)
	if err != nil && !(committed(err) && o != nil) {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, toOrder(o))
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"max=256"`
}

// DefaultCancelReason 用户取消时未填写原因
const DefaultCancelReason = "cancelled by customer"

func (h *handlers) cancelOrder(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	// 请求体可以为空
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(&bindError{err: err})
		return
	}
	if req.Reason == "" {
		req.Reason = DefaultCancelReason
	}
	o, err := h.orders.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil && !(committed(err) && o != nil) {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, toOrder(o))
}

func (h *handlers) productSales(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	n, err := h.sales.ProductSales(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	ok(c, http.StatusOK, gin.H{"productId": id, "sales": n})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/metrics"
	"github.com/zuozikang/orderbus/model"
	"github.com/zuozikang/orderbus/service"
)

var created = time.Date(2026, 5, 4, 15, 4, 5, 0, time.Local)

type fakeProducts struct{}

func (fakeProducts) Get(ctx context.Context, id uint64) (*model.Product, error) {
	if id == 404 {
		return nil, fmt.Errorf("product %d: %w", id, model.ErrNotFound)
	}
	if id == 500 {
		panic("boom")
	}
	return &model.Product{ID: id, Name: "pen", Price: 150, Stock: 3, CreatedAt: created}, nil
}

func (fakeProducts) List(ctx context.Context, page, size int) ([]model.Product, int64, error) {
	return []model.Product{{ID: 1, Name: "pen"}}, 41, nil
}

func (fakeProducts) Create(ctx context.Context, req service.CreateProductRequest) (*model.Product, error) {
	return &model.Product{ID: 9, Name: req.Name, Price: req.Price, Stock: req.Stock, CreatedAt: created}, nil
}

type fakeOrders struct {
	correlation string
	reason      string
	filter      db.OrderFilter
	createErr   error
}

func (f *fakeOrders) order(id uint64) *model.Order {
	return &model.Order{
		ID:         id,
		OrderNo:    "NO1",
		CustomerID: "c1",
		Status:     model.StatusPending,
		Total:      300,
		Items:      []model.OrderItem{{ProductID: 7, ProductName: "pen", UnitPrice: 150, Quantity: 2}},
		CreatedAt:  created,
	}
}

func (f *fakeOrders) Create(ctx context.Context, req service.CreateOrderRequest) (*model.Order, error) {
	f.correlation = bus.CorrelationID(ctx)
	return f.order(1), f.createErr
}

func (f *fakeOrders) Get(ctx context.Context, id uint64) (*model.Order, error) {
	switch id {
	case 404:
		return nil, model.ErrNotFound
	case 500:
		return nil, errors.New("connection reset")
	}
	return f.order(id), nil
}

func (f *fakeOrders) List(ctx context.Context, filter db.OrderFilter) ([]model.Order, int64, error) {
	f.filter = filter
	return []model.Order{*f.order(1)}, 1, nil
}

func (f *fakeOrders) Pay(ctx context.Context, id uint64) (*model.Order, error) {
	if id == 2 {
		return nil, fmt.Errorf("paid -> paid: %w", model.ErrInvalidTransition)
	}
	o := f.order(id)
	o.Status = model.StatusPaid
	o.PaidAt = &created
	return o, nil
}

func (f *fakeOrders) Cancel(ctx context.Context, id uint64, reason string) (*model.Order, error) {
	f.reason = reason
	o := f.order(id)
	o.Status = model.StatusCancelled
	return o, nil
}

func (f *fakeOrders) CancelExpired(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	return 0, nil
}

type fakeSales map[uint64]int64

func (s fakeSales) ProductSales(ctx context.Context, id uint64) (int64, error) {
	return s[id], nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	engine  *gin.Engine
	orders  *fakeOrders
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, health func(context.Context) error) *testServer {
	ts := &testServer{orders: &fakeOrders{}, metrics: metrics.New()}
	ts.engine = NewEngine(config.ServerConfig{Mode: gin.TestMode}, Deps{
		Products: fakeProducts{},
		Orders:   ts.orders,
		Sales:    fakeSales{7: 12},
		Metrics:  ts.metrics,
		Health:   health,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) (*httptest.ResponseRecorder, envelope) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	w, env := ts.do(t, http.MethodPost, "/api/orders",
		`{"customerId":"c1","items":[{"productId":7,"quantity":2}]}`,
		HeaderCorrelationID, "corr-9")

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, http.StatusCreated, env.Code)
	assert.Equal(t, "corr-9", w.Header().Get(HeaderCorrelationID))
	assert.Equal(t, "corr-9", ts.orders.correlation)

	var o map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Equal(t, "NO1", o["orderNo"])
	assert.Equal(t, "2026-05-04 15:04:05", o["createdAt"])
	// null字段保留
	v, ok := o["paidAt"]
	assert.True(t, ok)
	assert.Nil(t, v)
	items := o["items"].([]any)
	assert.Equal(t, float64(300), items[0].(map[string]any)["subtotal"])
}

func TestCreateOrder_EventNotPublished(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.orders.createErr = fmt.Errorf("order NO1: %w: %w", service.ErrEventNotPublished, bus.ErrClosed)

	w, _ := ts.do(t, http.MethodPost, "/api/orders", `{"customerId":"c1","items":[{"productId":7,"quantity":2}]}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateOrder_Validation(t *testing.T) {
	ts := newTestServer(t, nil)
	w, env := ts.do(t, http.MethodPost, "/api/orders", `{"items":[{"productId":7,"quantity":0}]}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, env.Code)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &fields))
	assert.Equal(t, "required", fields["customerId"])
	assert.Equal(t, "required", fields["items[0].quantity"])

	w, env = ts.do(t, http.MethodPost, "/api/orders", `{"customerId":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, env.Code)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	cases := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/api/orders/abc", http.StatusBadRequest},
		{http.MethodGet, "/api/orders/0", http.StatusBadRequest},
		{http.MethodGet, "/api/orders/404", http.StatusNotFound},
		{http.MethodGet, "/api/products/404", http.StatusNotFound},
		{http.MethodPost, "/api/orders/2/pay", http.StatusConflict},
		{http.MethodGet, "/api/orders/500", http.StatusInternalServerError},
		{http.MethodGet, "/api/orders?status=lost", http.StatusBadRequest},
		{http.MethodGet, "/api/products?size=1000", http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.method+" "+c.path, func(t *testing.T) {
			w, env := ts.do(t, c.method, c.path, "")
			assert.Equal(t, c.status, w.Code)
			assert.Equal(t, c.status, env.Code)
		})
	}

	_, env := ts.do(t, http.MethodGet, "/api/orders/500", "")
	assert.Equal(t, "internal server error", env.Message)
}

func TestRecovery(t *testing.T) {
	ts := newTestServer(t, nil)
	w, env := ts.do(t, http.MethodGet, "/api/products/500", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, http.StatusInternalServerError, env.Code)
}

func TestOrderLifecycleRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	w, env := ts.do(t, http.MethodPost, "/api/orders/3/pay", "")
	require.Equal(t, http.StatusOK, w.Code)
	var o map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.Equal(t, "paid", o["status"])
	assert.Equal(t, "2026-05-04 15:04:05", o["paidAt"])

	w, _ = ts.do(t, http.MethodPost, "/api/orders/3/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, DefaultCancelReason, ts.orders.reason)

	w, _ = ts.do(t, http.MethodPost, "/api/orders/3/cancel", `{"reason":"too slow"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "too slow", ts.orders.reason)

	w, env = ts.do(t, http.MethodGet, "/api/orders?customerId=c1&status=pending&page=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, db.OrderFilter{CustomerID: "c1", Status: model.StatusPending, Page: 2, Size: 20}, ts.orders.filter)
	var page map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, float64(1), page["total"])
}

func TestProductRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	w, env := ts.do(t, http.MethodGet, "/api/products", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, float64(41), page["total"])
	assert.Equal(t, float64(1), page["page"])
	assert.Equal(t, float64(20), page["size"])

	w, env = ts.do(t, http.MethodPost, "/api/products", `{"name":"book","price":3000,"stock":5}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var p map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "book", p["name"])

	w, env = ts.do(t, http.MethodPost, "/api/products", `{"name":"book","price":0}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &fields))
	assert.Equal(t, "required", fields["price"])

	w, env = ts.do(t, http.MethodGet, "/api/stats/products/7/sales", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sales map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &sales))
	assert.Equal(t, float64(12), sales["sales"])
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	w, _ := ts.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `orderbus_http_requests_total{method="GET",path="/healthz",status="200"} 1`)

	sick := newTestServer(t, func(context.Context) error { return errors.New("db down") })
	w, env := sick.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.Code)
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>orderbus</h1>"), 0o644))

	engine := NewEngine(config.ServerConfig{Mode: gin.TestMode, StaticDir: dir}, Deps{
		Products: fakeProducts{},
		Orders:   &fakeOrders{},
		Sales:    fakeSales{},
	})
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/static/index.html", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "orderbus")
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/db"
	"github.com/zuozikang/orderbus/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

func newMockStore(t *testing.T) (*db.Store, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{SkipDefaultTransaction: true, Logger: logger.Discard})
	require.NoError(t, err)
	return db.NewStore(gdb), mock
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event bus.Event, opts ...bus.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []bus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bus.Event(nil), p.events...)
}

func newTestOrderService(t *testing.T) (*orderService, sqlmock.Sqlmock, *recordingPublisher) {
	store, mock := newMockStore(t)
	pub := &recordingPublisher{}
	svc := NewOrderService(store, pub).(*orderService)
	svc.now = func() time.Time { return fixedNow }
	return svc, mock, pub
}

func productRows(id uint64, name string, price int64, stock int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "price", "stock"}).AddRow(id, name, price, stock)
}

func orderRows(id uint64, status model.OrderStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "order_no", "customer_id", "status", "total", "created_at"}).
		AddRow(id, "NO1", "c1", string(status), 450, fixedNow.Add(-time.Hour))
}

func itemRows(orderID uint64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "order_id", "product_id", "product_name", "unit_price", "quantity"}).
		AddRow(1, orderID, 7, "pen", 150, 3)
}

func TestMergeLines(t *testing.T) {
	lines, err := mergeLines(CreateOrderRequest{
		CustomerID: "c1",
		Items: []OrderLine{
			{ProductID: 2, Quantity: 1},
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []OrderLine{{ProductID: 2, Quantity: 4}, {ProductID: 1, Quantity: 2}}, lines)

	cases := []CreateOrderRequest{
		{CustomerID: " ", Items: []OrderLine{{ProductID: 1, Quantity: 1}}},
		{CustomerID: "c1"},
		{CustomerID: "c1", Items: []OrderLine{{ProductID: 1, Quantity: 0}}},
		{CustomerID: "c1", Items: []OrderLine{{ProductID: 0, Quantity: 1}}},
	}
	for _, c := range cases {
		_, err := mergeLines(c)
		assert.ErrorIs(t, err, model.ErrValidation)
	}
}

func TestOrderService_Create(t *testing.T) {
	svc, mock, pub := newTestOrderService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `products`").WillReturnRows(productRows(1, "pen", 150, 10))
	mock.ExpectExec("UPDATE `products` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT \\* FROM `products`").WillReturnRows(productRows(2, "book", 3000, 1))
	mock.ExpectExec("UPDATE `products` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `orders`").WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec("INSERT INTO `order_items`").WillReturnResult(sqlmock.NewResult(1, 2))
	mock.ExpectCommit()

	o, err := svc.Create(context.Background(), CreateOrderRequest{
		CustomerID: "c1",
		Items: []OrderLine{
			{ProductID: 1, Quantity: 1},
			{ProductID: 2, Quantity: 1},
			{ProductID: 1, Quantity: 2},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, uint64(10), o.ID)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Equal(t, int64(3*150+3000), o.Total)
	require.Len(t, o.Items, 2)
	assert.Equal(t, "pen", o.Items[0].ProductName)
	assert.Equal(t, 3, o.Items[0].Quantity)

	events := pub.published()
	require.Len(t, events, 1)
	evt, ok := events[0].(model.OrderCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, o.OrderNo, evt.OrderNo)
	assert.Equal(t, o.Total, evt.Total)
	assert.Len(t, evt.Items, 2)
}

func TestOrderService_CreateInsufficientStock(t *testing.T) {
	svc, mock, pub := newTestOrderService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `products`").WillReturnRows(productRows(1, "pen", 150, 1))
	mock.ExpectExec("UPDATE `products` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), CreateOrderRequest{
		CustomerID: "c1",
		Items:      []OrderLine{{ProductID: 1, Quantity: 5}},
	})
	assert.ErrorIs(t, err, model.ErrInsufficientStock)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pub.published())
}

func TestOrderService_CreatePublishFailure(t *testing.T) {
	svc, mock, pub := newTestOrderService(t)
	pub.err = bus.ErrClosed

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `products`").WillReturnRows(productRows(1, "pen", 150, 10))
	mock.ExpectExec("UPDATE `products` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `orders`").WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec("INSERT INTO `order_items`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	o, err := svc.Create(context.Background(), CreateOrderRequest{
		CustomerID: "c1",
		Items:      []OrderLine{{ProductID: 1, Quantity: 1}},
	})
	// 订单已提交，错误里带上发布失败的原因
	require.NotNil(t, o)
	assert.Equal(t, uint64(11), o.ID)
	assert.ErrorIs(t, err, ErrEventNotPublished)
	assert.ErrorIs(t, err, bus.ErrClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderService_Pay(t *testing.T) {
	svc, mock, pub := newTestOrderService(t)
	var changed []uint64
	svc.OnStatusChange(func(ctx context.Context, id uint64) { changed = append(changed, id) })

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(orderRows(5, model.StatusPending))
	mock.ExpectQuery("SELECT \\* FROM `order_items`").WillReturnRows(itemRows(5))
	mock.ExpectExec("UPDATE `orders` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	o, err := svc.Pay(context.Background(), 5)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, model.StatusPaid, o.Status)
	require.NotNil(t, o.PaidAt)
	assert.Equal(t, fixedNow, *o.PaidAt)
	assert.Equal(t, []uint64{5}, changed)

	events := pub.published()
	require.Len(t, events, 1)
	evt := events[0].(model.OrderPaidEvent)
	assert.Equal(t, uint64(5), evt.OrderID)
	assert.Equal(t, int64(450), evt.Total)
}

func TestOrderService_PayInvalidTransition(t *testing.T) {
	svc, mock, pub := newTestOrderService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(orderRows(5, model.StatusCancelled))
	mock.ExpectQuery("SELECT \\* FROM `order_items`").WillReturnRows(itemRows(5))
	mock.ExpectRollback()

	_, err := svc.Pay(context.Background(), 5)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pub.published())
}

func TestOrderService_Cancel(t *testing.T) {
	svc, mock, pub := newTestOrderService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(orderRows(5, model.StatusPending))
	mock.ExpectQuery("SELECT \\* FROM `order_items`").WillReturnRows(itemRows(5))
	mock.ExpectExec("UPDATE `orders` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `products` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	o, err := svc.Cancel(context.Background(), 5, "changed mind")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, model.StatusCancelled, o.Status)

	events := pub.published()
	require.Len(t, events, 1)
	evt := events[0].(model.OrderCancelledEvent)
	assert.Equal(t, "changed mind", evt.Reason)
	assert.Equal(t, []model.EventItem{{ProductID: 7, Quantity: 3, UnitPrice: 150}}, evt.Items)
	assert.Equal(t, fixedNow, evt.CancelledAt)
}

func TestOrderService_CancelExpired(t *testing.T) {
	svc, mock, pub := newTestOrderService(t)

	mock.ExpectQuery("SELECT \\* FROM `orders` WHERE status = \\? AND created_at < \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_no", "status"}).
			AddRow(1, "NO1", "pending").
			AddRow(2, "NO2", "pending").
			AddRow(3, "NO3", "pending"))

	// 1: 正常取消
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(orderRows(1, model.StatusPending))
	mock.ExpectQuery("SELECT \\* FROM `order_items`").WillReturnRows(itemRows(1))
	mock.ExpectExec("UPDATE `orders` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `products` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// 2: 已发货，跳过
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnRows(orderRows(2, model.StatusShipped))
	mock.ExpectQuery("SELECT \\* FROM `order_items`").WillReturnRows(itemRows(2))
	mock.ExpectRollback()
	// 3: 数据库错误，不影响前面的结果
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `orders`").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	n, err := svc.CancelExpired(context.Background(), 30*time.Minute, 100)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NoError(t, mock.ExpectationsWereMet())

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, CancelReasonExpired, events[0].(model.OrderCancelledEvent).Reason)
}

func TestOrderService_ListRejectsUnknownStatus(t *testing.T) {
	svc, _, _ := newTestOrderService(t)
	_, _, err := svc.List(context.Background(), db.OrderFilter{Status: "lost"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestProductService_Create(t *testing.T) {
	store, mock := newMockStore(t)
	svc := NewProductService(store)

	_, err := svc.Create(context.Background(), CreateProductRequest{Name: "pen", Price: 0})
	assert.ErrorIs(t, err, model.ErrValidation)

	mock.ExpectExec("INSERT INTO `products`").WillReturnResult(sqlmock.NewResult(3, 1))
	p, err := svc.Create(context.Background(), CreateProductRequest{Name: "pen", Price: 150, Stock: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

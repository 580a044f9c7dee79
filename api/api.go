package api

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/config"
	"github.com/zuozikang/orderbus/metrics"
	"github.com/zuozikang/orderbus/service"
)

// Deps 路由依赖
type Deps struct {
	Products service.ProductService
	Orders   service.OrderService
	Sales    SalesReader
	Metrics  *metrics.Metrics
	Health   func(ctx context.Context) error // nil表示总是健康
}

// NewEngine 创建gin引擎并注册全部路由
func NewEngine(cfg config.ServerConfig, deps Deps) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	useJSONFieldNames()

	r := gin.New()
	r.Use(Recovery(), Correlation(), Logger(), Metrics(deps.Metrics), ErrorHandler())

	if cfg.StaticDir != "" {
		if fi, err := os.Stat(cfg.StaticDir); err == nil && fi.IsDir() {
			r.Static("/static", cfg.StaticDir)
		} else {
			logrus.Debugf("static dir %s not found, static files disabled", cfg.StaticDir)
		}
	}

	h := &handlers{
		products: deps.Products,
		orders:   deps.Orders,
		sales:    deps.Sales,
		health:   deps.Health,
	}

	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	g := r.Group("/api")
	{
		g.GET("/products", h.listProducts)
		g.POST("/products", h.createProduct)
		g.GET("/products/:id", h.getProduct)

		g.POST("/orders", h.createOrder)
		g.GET("/orders", h.listOrders)
		g.GET("/orders/:id", h.getOrder)
		g.POST("/orders/:id/pay", h.payOrder)
		g.POST("/orders/:id/cancel", h.cancelOrder)

		g.GET("/stats/products/:id/sales", h.productSales)
	}
	return r
}

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/zuozikang/orderbus/bus"
	"github.com/zuozikang/orderbus/metrics"
)

// HeaderCorrelationID 请求关联id，会透传到发布的事件中
const HeaderCorrelationID = "X-Correlation-ID"

// Recovery panic时返回500
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		}).Errorf("panic recovered: %v", recovered)
		fail(c, http.StatusInternalServerError, "internal server error", nil)
	})
}

// Correlation 读取或生成关联id，写回响应头
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderCorrelationID)
		if id == "" {
			id = bus.NewID()
		}
		c.Header(HeaderCorrelationID, id)
		c.Request = c.Request.WithContext(bus.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

// Logger 请求日志
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := logrus.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"status":         status,
			"latency":        time.Since(start).String(),
			"client_ip":      c.ClientIP(),
			"correlation_id": bus.CorrelationID(c.Request.Context()),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request")
		case status >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

// Metrics 请求计数和耗时，path使用路由模板避免标签爆炸
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.ObserveHTTP(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

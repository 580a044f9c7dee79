package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orderbus"

// 发布和消费结果标签
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics 进程内的Prometheus指标，注册在私有registry上。
// 所有方法在nil接收者上都是空操作。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	published     *prometheus.CounterVec
	consumed      *prometheus.CounterVec
	handlerTime   *prometheus.HistogramVec
	deadLettered  *prometheus.CounterVec
	paidOrders    prometheus.Counter
	droppedEvents *prometheus.CounterVec
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Total number of messages published to the event bus.",
		}, []string{"topic", "result"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_consumed_total",
			Help:      "Total number of messages handled per subscription.",
		}, []string{"subscription", "result"}),
		handlerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_handler_duration_seconds",
			Help:      "Duration of message handling including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}, []string{"subscription"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dead_lettered_total",
			Help:      "Total number of messages moved to the error destination.",
		}, []string{"subscription"}),
		paidOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_paid_total",
			Help:      "Total number of paid order notifications processed.",
		}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_unrouted_total",
			Help:      "Total number of messages published to a topic without subscribers.",
		}, []string{"topic"}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpDuration,
		m.published,
		m.consumed,
		m.handlerTime,
		m.deadLettered,
		m.paidOrders,
		m.droppedEvents,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Registry 返回私有registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 暴露指标
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP 记录一次HTTP请求，path使用路由模板
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if path == "" {
		path = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Published 记录一次发布
func (m *Metrics) Published(topic string, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic, result(err)).Inc()
}

// Consumed 记录一次消费的最终结果
func (m *Metrics) Consumed(subscription string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(subscription, result(err)).Inc()
	m.handlerTime.WithLabelValues(subscription).Observe(d.Seconds())
}

// DeadLettered 记录一次死信
func (m *Metrics) DeadLettered(subscription string) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(subscription).Inc()
}

// Unrouted 记录没有订阅者的消息
func (m *Metrics) Unrouted(topic string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(topic).Inc()
}

// OrderPaid 支付通知计数
func (m *Metrics) OrderPaid() {
	if m == nil {
		return
	}
	m.paidOrders.Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

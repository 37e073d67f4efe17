// Package metrics 提供 Prometheus helper，包含常用 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quantmesh/lobcore/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 数据库查询计数
	DBQueriesTotal prometheus.Counter
	// 数据库查询耗时
	DBQueryDuration prometheus.Histogram

	// Redis 操作计数
	RedisOpsTotal prometheus.Counter
	// Redis 操作耗时
	RedisOpDuration prometheus.Histogram

	// 订单簿业务指标
	OrdersTotal       prometheus.Counter
	OrdersCanceled    prometheus.Counter
	OrdersRejected    prometheus.Counter
	TradesTotal       prometheus.Counter
	UpdateSequence    prometheus.Gauge
	JournalWriteDelay prometheus.Histogram
	JournalHealthy    prometheus.Gauge
	SnapshotsTotal    prometheus.Counter
	CompactionsTotal  prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		DBQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "db_queries_total",
			Help:      "Total projection database queries",
		}),
		DBQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "db_query_duration_seconds",
			Help:      "Projection database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		RedisOpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "redis_ops_total",
			Help:      "Total Redis cache operations",
		}),
		RedisOpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "redis_op_duration_seconds",
			Help:      "Redis cache operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		OrdersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "orders_total",
			Help:      "Total orders accepted into the book",
		}),
		OrdersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "orders_canceled_total",
			Help:      "Total orders canceled",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "orders_rejected_total",
			Help:      "Total orders rejected at validation",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "trades_total",
			Help:      "Total trades executed by the matching algorithm",
		}),
		UpdateSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "update_sequence",
			Help:      "Current monotonically increasing book update sequence number",
		}),
		JournalWriteDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "journal_write_duration_seconds",
			Help:      "Journal append latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		JournalHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "journal_healthy",
			Help:      "1 if the journal is accepting writes, 0 if it has tripped its health flag",
		}),
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "snapshots_total",
			Help:      "Total snapshots written",
		}),
		CompactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lobcore",
			Subsystem: serviceName,
			Name:      "compactions_total",
			Help:      "Total journal compactions performed",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	metrics := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBQueriesTotal,
		m.DBQueryDuration,
		m.RedisOpsTotal,
		m.RedisOpDuration,
		m.OrdersTotal,
		m.OrdersCanceled,
		m.OrdersRejected,
		m.TradesTotal,
		m.UpdateSequence,
		m.JournalWriteDelay,
		m.JournalHealthy,
		m.SnapshotsTotal,
		m.CompactionsTotal,
	}

	for _, metric := range metrics {
		if err := prometheus.DefaultRegisterer.Register(metric); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) error {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), "Prometheus HTTP server stopped", "error", err)
		}
	}()

	return nil
}

// RecordOrder 记录已接受的订单
func (m *Metrics) RecordOrder() {
	m.OrdersTotal.Inc()
}

// RecordCancel 记录已取消的订单
func (m *Metrics) RecordCancel() {
	m.OrdersCanceled.Inc()
}

// RecordReject 记录校验失败的订单
func (m *Metrics) RecordReject() {
	m.OrdersRejected.Inc()
}

// RecordTrade 记录成交
func (m *Metrics) RecordTrade() {
	m.TradesTotal.Inc()
}

// SetUpdateSequence 更新当前的 update sequence 计数器
func (m *Metrics) SetUpdateSequence(seq uint64) {
	m.UpdateSequence.Set(float64(seq))
}

// ObserveJournalWrite 记录一次 journal append 的耗时
func (m *Metrics) ObserveJournalWrite(seconds float64) {
	m.JournalWriteDelay.Observe(seconds)
}

// SetJournalHealthy 设置 journal 健康标志
func (m *Metrics) SetJournalHealthy(healthy bool) {
	if healthy {
		m.JournalHealthy.Set(1)
	} else {
		m.JournalHealthy.Set(0)
	}
}

// RecordSnapshot 记录一次快照写入
func (m *Metrics) RecordSnapshot() {
	m.SnapshotsTotal.Inc()
}

// RecordCompaction 记录一次 journal 压缩
func (m *Metrics) RecordCompaction() {
	m.CompactionsTotal.Inc()
}

// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 节点指标
	nodeExecutionsTotal   *prometheus.CounterVec
	nodeExecutionDuration *prometheus.HistogramVec
	nodeRetriesTotal      *prometheus.CounterVec
	errorChainOutcomes    *prometheus.CounterVec

	// 流式帧指标
	streamFramesTotal *prometheus.CounterVec

	// 工作流指标
	workflowRunsTotal   *prometheus.CounterVec
	workflowRunDuration prometheus.Histogram

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 创建指标收集器，注册到 reg
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 节点指标
	c.nodeExecutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node executions",
		},
		[]string{"node_type", "status"},
	)

	c.nodeExecutionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Node execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"node_type"},
	)

	c.nodeRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retries",
		},
		[]string{"node_type"},
	)

	c.errorChainOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_chain_outcomes_total",
			Help:      "Outcomes of the node error handler chain",
		},
		[]string{"handler", "outcome"}, // outcome: retry, resolved, terminate
	)

	c.streamFramesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Total number of callback frames by route",
		},
		[]string{"route"}, // route: ordered, direct, resume
	)

	// 工作流指标
	c.workflowRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"status"},
	)

	c.workflowRunDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🧩 节点与工作流指标记录
// =============================================================================

// RecordNodeExecution 记录一次节点执行
func (c *Collector) RecordNodeExecution(nodeType, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutionsTotal.WithLabelValues(nodeType, status).Inc()
	c.nodeExecutionDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordNodeRetry 记录节点重试
func (c *Collector) RecordNodeRetry(nodeType string) {
	if c == nil {
		return
	}
	c.nodeRetriesTotal.WithLabelValues(nodeType).Inc()
}

// RecordErrorOutcome 记录错误处理链的处理结果
func (c *Collector) RecordErrorOutcome(handler, outcome string) {
	if c == nil {
		return
	}
	c.errorChainOutcomes.WithLabelValues(handler, outcome).Inc()
}

// RecordStreamFrame 记录回调帧的路由
func (c *Collector) RecordStreamFrame(route string) {
	if c == nil {
		return
	}
	c.streamFramesTotal.WithLabelValues(route).Inc()
}

// RecordWorkflowRun 记录一次工作流运行
func (c *Collector) RecordWorkflowRun(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowRunsTotal.WithLabelValues(status).Inc()
	c.workflowRunDuration.Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	if c == nil {
		return
	}
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

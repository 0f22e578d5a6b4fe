package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 分类结果计数
	ClassificationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classification_total",
			Help: "Classification attempts by outcome",
		},
		[]string{"outcome"}, // outcome: classified, skipped, failed, lost
	)

	// 分类能力调用延迟（毫秒）
	ClassifierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classifier_call_latency_ms",
			Help:    "Classification capability latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"backend", "status"},
	)

	// 分类失败类型
	ClassifierErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_errors_total",
			Help: "Classification failures by error type",
		},
		[]string{"error_type"},
	)

	// 反复失败的文档
	RepeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classification_repeat_failures_total",
			Help: "Documents whose failure count crossed the warning threshold",
		},
	)

	// 工作队列深度
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "work_queue_depth",
			Help: "Identifiers waiting in the classification queue",
		},
	)

	// 入队来源计数
	EnqueueCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_enqueue_total",
			Help: "Identifiers offered to the classification queue",
		},
		[]string{"source", "result"}, // source: feed, reconciler; result: queued, dropped, deduped
	)

	// 变更流重连次数
	FeedReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "change_feed_reconnects_total",
			Help: "Change feed reconnect attempts",
		},
	)

	// 变更流历史过期导致的全量扫描
	FeedResumeExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "change_feed_resume_expired_total",
			Help: "Resume positions that fell outside retained history",
		},
	)

	// 紧急度升级计数
	EscalationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urgency_escalations_total",
			Help: "Urgency escalations by target tier",
		},
		[]string{"urgency"},
	)

	// 日报发送计数
	DigestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "digest_total",
			Help: "Digest dispatch results",
		},
		[]string{"status"}, // status: sent, failed, empty
	)

	// 定时任务运行耗时（秒）
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Scheduled job run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"job", "status"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 数据库慢查询
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"sql"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 熔断器状态 0=closed 1=open 2=half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// RecordClassification 记录一次分类结果
func RecordClassification(outcome string) {
	ClassificationCount.WithLabelValues(outcome).Inc()
}

// RecordClassifierLatency 记录分类能力调用延迟
func RecordClassifierLatency(backend, status string, duration time.Duration) {
	ClassifierLatency.WithLabelValues(backend, status).Observe(float64(duration.Milliseconds()))
}

// IncrementClassifierError 记录分类失败类型
func IncrementClassifierError(errorType string) {
	ClassifierErrors.WithLabelValues(errorType).Inc()
}

// RecordEnqueue 记录入队结果
func RecordEnqueue(source, result string) {
	EnqueueCount.WithLabelValues(source, result).Inc()
}

// RecordEscalation 记录一次紧急度升级
func RecordEscalation(urgency string) {
	EscalationCount.WithLabelValues(urgency).Inc()
}

// RecordDigest 记录日报发送结果
func RecordDigest(status string) {
	DigestCount.WithLabelValues(status).Inc()
}

// RecordJobDuration 记录定时任务耗时
func RecordJobDuration(job, status string, duration time.Duration) {
	JobDuration.WithLabelValues(job, status).Observe(duration.Seconds())
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// SetCircuitBreakerState 更新熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

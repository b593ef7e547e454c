package agentgateway

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Agent 监控系统
// ============================================================================

// 拒绝原因
const (
	RejectSchema = "schema"
	RejectModel  = "model"
	RejectPool   = "pool"
)

const latencyWindow = 1000

// Monitor Agent 调用监控器
type Monitor struct {
	registry *prometheus.Registry

	// Prometheus 指标
	requestCounter   *prometheus.CounterVec
	latencyHistogram *prometheus.HistogramVec
	errorCounter     *prometheus.CounterVec
	rejectCounter    *prometheus.CounterVec
	inFlightGauge    prometheus.Gauge

	stats *Stats
}

// Stats 统计数据
type Stats struct {
	TotalRequests   int64
	TotalErrors     int64
	TotalRejections int64
	InFlight        int64
	StartTime       time.Time

	// 滑动窗口统计，由 updateStats 刷新
	windowLatency []time.Duration
	windowErrors  []bool
	avgLatencyMs  float64
	p99LatencyMs  float64
	windowMu      sync.RWMutex
}

// NewMonitor 创建监控器，指标注册在独立的 Registry 上
func NewMonitor() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		stats:    &Stats{StartTime: time.Now()},
	}
	m.initPrometheus()
	return m
}

// initPrometheus 初始化 Prometheus 指标
func (m *Monitor) initPrometheus() {
	m.requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_requests_total",
			Help: "Total number of agent calls",
		},
		[]string{"model", "status"},
	)

	m.latencyHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatgateway_request_latency_seconds",
			Help:    "Agent call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"model"},
	)

	m.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_errors_total",
			Help: "Total number of failed agent calls",
		},
		[]string{"model"},
	)

	m.rejectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgateway_rejections_total",
			Help: "Total number of requests rejected before reaching the agent",
		},
		[]string{"reason"},
	)

	m.inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatgateway_in_flight",
		Help: "Agent calls currently in progress",
	})

	m.registry.MustRegister(
		m.requestCounter,
		m.latencyHistogram,
		m.errorCounter,
		m.rejectCounter,
		m.inFlightGauge,
	)
}

// Start 定期刷新窗口统计，直到 ctx 结束
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateStats()
		}
	}
}

// Handler Prometheus 指标 HTTP 处理器
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 指标注册表
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// updateStats 更新窗口统计
func (m *Monitor) updateStats() {
	m.stats.windowMu.Lock()
	defer m.stats.windowMu.Unlock()

	n := len(m.stats.windowLatency)
	if n == 0 {
		m.stats.avgLatencyMs = 0
		m.stats.p99LatencyMs = 0
		return
	}

	sorted := make([]time.Duration, n)
	copy(sorted, m.stats.windowLatency)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	m.stats.avgLatencyMs = float64(sum.Milliseconds()) / float64(n)

	idx := int(float64(n) * 0.99)
	if idx >= n {
		idx = n - 1
	}
	m.stats.p99LatencyMs = float64(sorted[idx].Milliseconds())
}

// ============================================================================
// 记录方法
// ============================================================================

// RecordRequest 记录成功调用
func (m *Monitor) RecordRequest(model string) {
	atomic.AddInt64(&m.stats.TotalRequests, 1)
	m.requestCounter.WithLabelValues(model, "success").Inc()
	m.recordOutcome(false)
}

// RecordError 记录失败调用
func (m *Monitor) RecordError(model string) {
	atomic.AddInt64(&m.stats.TotalRequests, 1)
	atomic.AddInt64(&m.stats.TotalErrors, 1)
	m.requestCounter.WithLabelValues(model, "error").Inc()
	m.errorCounter.WithLabelValues(model).Inc()
	m.recordOutcome(true)
}

// recordOutcome 记录最近调用的成败，窗口大小与延迟窗口一致
func (m *Monitor) recordOutcome(failed bool) {
	m.stats.windowMu.Lock()
	m.stats.windowErrors = append(m.stats.windowErrors, failed)
	if len(m.stats.windowErrors) > latencyWindow {
		m.stats.windowErrors = m.stats.windowErrors[latencyWindow/2:]
	}
	m.stats.windowMu.Unlock()
}

// RecordRejection 记录在调用 Agent 之前被拒绝的请求
func (m *Monitor) RecordRejection(reason string) {
	atomic.AddInt64(&m.stats.TotalRejections, 1)
	m.rejectCounter.WithLabelValues(reason).Inc()
}

// RecordLatency 记录延迟
func (m *Monitor) RecordLatency(model string, latency time.Duration) {
	m.latencyHistogram.WithLabelValues(model).Observe(latency.Seconds())

	m.stats.windowMu.Lock()
	m.stats.windowLatency = append(m.stats.windowLatency, latency)
	// 保持窗口大小
	if len(m.stats.windowLatency) > latencyWindow {
		m.stats.windowLatency = m.stats.windowLatency[latencyWindow/2:]
	}
	m.stats.windowMu.Unlock()
}

func (m *Monitor) enter() {
	m.inFlightGauge.Set(float64(atomic.AddInt64(&m.stats.InFlight, 1)))
}

func (m *Monitor) leave() {
	m.inFlightGauge.Set(float64(atomic.AddInt64(&m.stats.InFlight, -1)))
}

// ============================================================================
// 查询方法
// ============================================================================

// GetMetrics 获取指标
func (m *Monitor) GetMetrics(names []string) map[string]float64 {
	metrics := make(map[string]float64)

	// 如果没有指定，返回所有基本指标
	if len(names) == 0 {
		names = []string{
			"total_requests",
			"total_errors",
			"total_rejections",
			"in_flight",
			"avg_latency_ms",
			"p99_latency_ms",
			"uptime_seconds",
		}
	}

	m.stats.windowMu.RLock()
	avg, p99 := m.stats.avgLatencyMs, m.stats.p99LatencyMs
	m.stats.windowMu.RUnlock()

	for _, name := range names {
		switch name {
		case "total_requests":
			metrics[name] = float64(atomic.LoadInt64(&m.stats.TotalRequests))
		case "total_errors":
			metrics[name] = float64(atomic.LoadInt64(&m.stats.TotalErrors))
		case "total_rejections":
			metrics[name] = float64(atomic.LoadInt64(&m.stats.TotalRejections))
		case "in_flight":
			metrics[name] = float64(atomic.LoadInt64(&m.stats.InFlight))
		case "avg_latency_ms":
			metrics[name] = avg
		case "p99_latency_ms":
			metrics[name] = p99
		case "uptime_seconds":
			metrics[name] = time.Since(m.stats.StartTime).Seconds()
		case "error_rate":
			metrics[name] = m.errorRate()
		}
	}

	return metrics
}

// errorRate 最近窗口内的错误率
func (m *Monitor) errorRate() float64 {
	m.stats.windowMu.RLock()
	defer m.stats.windowMu.RUnlock()

	if len(m.stats.windowErrors) == 0 {
		return 0
	}
	var failed int
	for _, f := range m.stats.windowErrors {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(m.stats.windowErrors))
}

// ============================================================================
// 健康检查
// ============================================================================

// HealthStatus 健康状态
type HealthStatus struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check 检查项
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// GetHealth 获取健康状态
func (m *Monitor) GetHealth() HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Checks:    make(map[string]Check),
		Timestamp: time.Now(),
	}

	// 检查错误率
	errorRate := m.errorRate()
	if errorRate > 0.5 {
		status.Status = "unhealthy"
		status.Checks["error_rate"] = Check{Status: "fail", Message: "错误率过高"}
	} else if errorRate > 0.1 {
		status.Status = "degraded"
		status.Checks["error_rate"] = Check{Status: "warn", Message: "错误率偏高"}
	} else {
		status.Checks["error_rate"] = Check{Status: "pass"}
	}

	// 检查延迟
	m.stats.windowMu.RLock()
	p99 := m.stats.p99LatencyMs
	m.stats.windowMu.RUnlock()
	if p99 > 60000 {
		if status.Status == "healthy" {
			status.Status = "degraded"
		}
		status.Checks["latency"] = Check{Status: "warn", Message: "延迟过高"}
	} else {
		status.Checks["latency"] = Check{Status: "pass"}
	}

	return status
}

// ============================================================================
// 监控包装
// ============================================================================

type instrumentedAgent struct {
	next    Agent
	monitor *Monitor
}

// Instrument 为 Agent 调用记录请求数、错误与延迟
func Instrument(agent Agent, monitor *Monitor) Agent {
	return &instrumentedAgent{next: agent, monitor: monitor}
}

func (a *instrumentedAgent) Respond(ctx context.Context, modelID string, messages []string, allowSearch bool, systemPrompt, provider string) (any, error) {
	start := time.Now()
	a.monitor.enter()
	defer func() {
		a.monitor.leave()
		a.monitor.RecordLatency(modelID, time.Since(start))
	}()

	resp, err := a.next.Respond(ctx, modelID, messages, allowSearch, systemPrompt, provider)
	if err != nil {
		a.monitor.RecordError(modelID)
		return nil, err
	}

	a.monitor.RecordRequest(modelID)
	return resp, nil
}

// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义平台关键指标（激活、准入、看门狗、沙箱池、调度器等），便于在各模块复用并保持标签一致。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装平台运行时指标集合。
// 所有字段均为 Prometheus 指标类型，通过辅助方法更新指标值。
//
// 指标分类:
//   - 激活指标: 跟踪函数激活的数量、耗时、计费时长和最终状态
//   - 准入指标: 统计限额校验与实体大小校验的拒绝情况
//   - 治理指标: 统计看门狗中止与日志/结果截断
//   - 沙箱池指标: 监控沙箱池的容量和使用情况
//   - 调度器指标: 监控调度队列、溢出队列和工作线程
//   - 完成通道指标: 监控阻塞调用的等待方
type Metrics struct {
	// ========== 激活相关指标 ==========

	// ActivationsTotal 函数激活总次数计数器
	// 标签: function_id, function_name, runtime, status
	ActivationsTotal *prometheus.CounterVec

	// ActivationDuration 函数激活墙钟耗时直方图（单位：毫秒）
	// 标签: function_id, function_name, runtime
	// 桶边界: 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000 ms
	ActivationDuration *prometheus.HistogramVec

	// BilledDurationMs 计费时长累计计数器（毫秒，已上取整到 100ms 粒度）
	// 标签: function_id, function_name
	BilledDurationMs *prometheus.CounterVec

	// ActivationErrors 激活错误计数器，按错误类型分类
	// 标签: function_id, function_name, error_type
	ActivationErrors *prometheus.CounterVec

	// ========== 准入相关指标 ==========

	// AdmissionRejections 准入拒绝计数器
	// 标签: reason (limit_out_of_range / code_too_large / payload_too_large / result_too_large)
	AdmissionRejections *prometheus.CounterVec

	// ========== 治理相关指标 ==========

	// WatchdogAborts 看门狗中止计数器
	// 标签: cause (timeout/memory), phase (initialization/run)
	WatchdogAborts *prometheus.CounterVec

	// Truncations 流治理截断计数器
	// 标签: stream (logs/result)
	Truncations *prometheus.CounterVec

	// ========== 沙箱池相关指标 ==========

	// SandboxPoolSize 沙箱池总容量
	// 标签: runtime
	SandboxPoolSize *prometheus.GaugeVec

	// SandboxPoolBusy 忙碌状态的沙箱数量（正在执行激活）
	// 标签: runtime
	SandboxPoolBusy *prometheus.GaugeVec

	// SandboxBootDuration 沙箱初始化耗时直方图（单位：毫秒）
	// 标签: runtime
	SandboxBootDuration *prometheus.HistogramVec

	// ========== 函数相关指标 ==========

	// FunctionsTotal 注册的函数总数
	FunctionsTotal prometheus.Gauge

	// ========== 调度器相关指标 ==========

	// SchedulerQueueSize 调度器等待队列中的任务数
	SchedulerQueueSize prometheus.Gauge

	// SchedulerWorkers 调度器工作线程数量
	SchedulerWorkers prometheus.Gauge

	// OverflowQueueSize 溢出队列中等待的异步激活数
	OverflowQueueSize prometheus.Gauge

	// QueueRejections 因队列与溢出队列均满而被拒绝的激活数
	QueueRejections prometheus.Counter

	// ========== 完成通道相关指标 ==========

	// CompletionWaiters 当前等待完成通知的阻塞调用方数量
	CompletionWaiters prometheus.Gauge

	// CompletionWaitDuration 阻塞调用等待完成通知的耗时直方图（单位：毫秒）
	// 标签: outcome (completed/ceiling_exceeded)
	CompletionWaitDuration *prometheus.HistogramVec
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActivationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activations_total",
				Help:      "Total number of function activations",
			},
			[]string{"function_id", "function_name", "runtime", "status"},
		),
		ActivationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "activation_duration_ms",
				Help:      "Function activation wall-clock duration in milliseconds",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
			},
			[]string{"function_id", "function_name", "runtime"},
		),
		BilledDurationMs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billed_duration_ms_total",
				Help:      "Total billed duration in milliseconds, rounded up to 100ms",
			},
			[]string{"function_id", "function_name"},
		),
		ActivationErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activation_errors_total",
				Help:      "Total number of activation errors",
			},
			[]string{"function_id", "function_name", "error_type"},
		),
		AdmissionRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_rejections_total",
				Help:      "Total number of requests rejected at admission",
			},
			[]string{"reason"},
		),
		WatchdogAborts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_aborts_total",
				Help:      "Total number of activations aborted by a watchdog",
			},
			[]string{"cause", "phase"},
		),
		Truncations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "truncations_total",
				Help:      "Total number of governed stream truncations",
			},
			[]string{"stream"},
		),
		SandboxPoolSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandbox_pool_size",
				Help:      "Total sandboxes in pool",
			},
			[]string{"runtime"},
		),
		SandboxPoolBusy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandbox_pool_busy",
				Help:      "Busy sandboxes in pool",
			},
			[]string{"runtime"},
		),
		SandboxBootDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_boot_duration_ms",
				Help:      "Sandbox initialization duration in milliseconds",
				Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000},
			},
			[]string{"runtime"},
		),
		FunctionsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "functions_total",
				Help:      "Total number of registered functions",
			},
		),
		SchedulerQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_queue_size",
				Help:      "Current scheduler queue size",
			},
		),
		SchedulerWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_workers",
				Help:      "Number of scheduler workers",
			},
		),
		OverflowQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "overflow_queue_size",
				Help:      "Async activations waiting in the overflow queue",
			},
		),
		QueueRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_rejections_total",
				Help:      "Activations rejected because both queues were full",
			},
		),
		CompletionWaiters: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "completion_waiters",
				Help:      "Blocking callers currently waiting for a completion",
			},
		),
		CompletionWaitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "completion_wait_duration_ms",
				Help:      "Time blocking callers spent waiting for a completion in milliseconds",
				Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 30000, 60000, 300000},
			},
			[]string{"outcome"},
		),
	}
}

// RecordActivation 记录一次函数激活的统计信息。
// durationMs 为墙钟耗时（毫秒），billedMs 为上取整后的计费时长。
func (m *Metrics) RecordActivation(functionID, functionName, runtime, status string, durationMs float64, billedMs int64) {
	m.ActivationsTotal.WithLabelValues(functionID, functionName, runtime, status).Inc()
	m.ActivationDuration.WithLabelValues(functionID, functionName, runtime).Observe(durationMs)
	if billedMs > 0 {
		m.BilledDurationMs.WithLabelValues(functionID, functionName).Add(float64(billedMs))
	}
}

// RecordError 记录一次激活错误（按 error_type 聚合）。
func (m *Metrics) RecordError(functionID, functionName, errorType string) {
	m.ActivationErrors.WithLabelValues(functionID, functionName, errorType).Inc()
}

// RecordRejection 记录一次准入拒绝。
// reason: "limit_out_of_range", "code_too_large", "payload_too_large", "result_too_large"
func (m *Metrics) RecordRejection(reason string) {
	m.AdmissionRejections.WithLabelValues(reason).Inc()
}

// RecordWatchdogAbort 记录一次看门狗中止。
func (m *Metrics) RecordWatchdogAbort(cause, phase string) {
	m.WatchdogAborts.WithLabelValues(cause, phase).Inc()
}

// RecordTruncation 记录一次流截断。
// stream: "logs" 或 "result"
func (m *Metrics) RecordTruncation(stream string) {
	m.Truncations.WithLabelValues(stream).Inc()
}

// UpdatePoolStats 更新沙箱池统计指标。
func (m *Metrics) UpdatePoolStats(runtime string, busy, total int) {
	m.SandboxPoolBusy.WithLabelValues(runtime).Set(float64(busy))
	m.SandboxPoolSize.WithLabelValues(runtime).Set(float64(total))
}

// RecordSandboxBoot 记录沙箱初始化耗时。
func (m *Metrics) RecordSandboxBoot(runtime string, durationMs float64) {
	m.SandboxBootDuration.WithLabelValues(runtime).Observe(durationMs)
}

// UpdateQueueStats 更新调度队列与溢出队列的当前深度。
func (m *Metrics) UpdateQueueStats(queued, overflow int) {
	m.SchedulerQueueSize.Set(float64(queued))
	m.OverflowQueueSize.Set(float64(overflow))
}

// RecordQueueRejection 记录一次因队列满而拒绝的激活。
func (m *Metrics) RecordQueueRejection() {
	m.QueueRejections.Inc()
}

// UpdateCompletionWaiters 更新当前等待完成通知的调用方数量。
func (m *Metrics) UpdateCompletionWaiters(count int) {
	m.CompletionWaiters.Set(float64(count))
}

// RecordCompletionWait 记录一次阻塞等待的耗时。
// outcome: "completed" 表示等到了完成通知，"ceiling_exceeded" 表示超过等待上限。
func (m *Metrics) RecordCompletionWait(outcome string, durationMs float64) {
	m.CompletionWaitDuration.WithLabelValues(outcome).Observe(durationMs)
}

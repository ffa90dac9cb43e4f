// 本文件把追踪上下文接入日志：带 Context 的日志条目自动获得
// trace_id/span_id 字段，在日志系统里可直接跳转到对应链路。
package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogrusHook 在日志写出前从条目的 Context 提取追踪标识。
// 条目没有 Context 或 Span 无效时不做任何事。
type LogrusHook struct{}

// NewLogrusHook 创建日志追踪钩子，加到 logrus.Logger 即生效。
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 对全部日志级别生效。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 向日志条目附加 trace_id/span_id；被采样的链路额外
// 标记 trace_sampled，便于筛选能在追踪后端找到的日志。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}

	spanCtx := trace.SpanFromContext(entry.Context).SpanContext()
	if !spanCtx.IsValid() {
		return nil
	}

	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// EntryWithTraceContext 向现有日志条目追加追踪字段。
// 工作协程不经过 HTTP 中间件，但仍持有带 Span 的 ctx，
// 用它让调度侧日志与请求链路对齐。Span 无效时原样返回。
func EntryWithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return entry
	}

	return entry.WithFields(logrus.Fields{
		"trace_id":      spanCtx.TraceID().String(),
		"span_id":       spanCtx.SpanID().String(),
		"trace_sampled": spanCtx.IsSampled(),
	})
}

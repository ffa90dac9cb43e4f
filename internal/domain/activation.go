// Package domain 定义了 Stratus 平台的核心领域模型。
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActivationStatus 表示一次激活（函数调用）的状态。
// running 为执行期间的中间状态；其余三个为终态，由结果分类器一次性写入，
// 终态写入后记录被视为不可变。
type ActivationStatus string

// 激活状态常量定义
const (
	// ActivationRunning 表示激活正在执行中（尚未被分类器终结）
	ActivationRunning ActivationStatus = "running"
	// ActivationSuccess 表示工作负载正常退出，结果与日志按采集内容记录
	ActivationSuccess ActivationStatus = "success"
	// ActivationApplicationError 表示失败由工作负载自身报告（业务异常、资源耗尽等）
	ActivationApplicationError ActivationStatus = "application_error"
	// ActivationDeveloperError 表示失败由平台限额导致（超时、内存耗尽、结果截断）
	ActivationDeveloperError ActivationStatus = "developer_error"
)

// IsTerminal 判断状态是否为终态。
func (s ActivationStatus) IsTerminal() bool {
	return s == ActivationSuccess || s == ActivationApplicationError || s == ActivationDeveloperError
}

// ActivationResponse 是激活记录中面向调用方的响应部分。
// 成功时携带结果字节；失败时携带错误文本；当失败源于沙箱级
// 资源耗尽时，额外携带结构化的诊断对象。
type ActivationResponse struct {
	// Result 是工作负载的序列化结果（成功或被截断前的部分内容不在此字段；
	// 截断场景下 Result 为空，截断文本位于 Error）
	Result json.RawMessage `json:"result,omitempty"`
	// Error 是面向调用方的错误文本（超时消息、内存耗尽消息、截断标记文本或应用错误）
	Error string `json:"error,omitempty"`
	// ResourceError 是沙箱级资源耗尽的结构化诊断（资源名、错误码、失败操作）
	ResourceError *ResourceExhaustion `json:"resource_error,omitempty"`
}

// Activation 表示一次函数调用的完整记录。
// 记录在调用入队时创建，执行期间仅由该调用自己的分类器与流治理器写入
// （单写者），通过完成通道交付后即为只读值，可安全地被多个观察者共享。
type Activation struct {
	// ID 是激活记录的唯一标识符
	ID string `json:"id"`
	// FunctionID 是被调用函数的 ID
	FunctionID string `json:"function_id"`
	// FunctionName 是被调用函数的名称
	FunctionName string `json:"function_name"`
	// Status 是激活的当前状态
	Status ActivationStatus `json:"status"`
	// Input 是调用的输入参数，以 JSON 格式存储
	Input json.RawMessage `json:"input,omitempty"`
	// Response 是分类后的响应（结果或错误载荷）
	Response ActivationResponse `json:"response"`
	// Logs 是采集到的日志行，受日志预算约束；截断时最后一行为合成的截断说明
	Logs []string `json:"logs,omitempty"`
	// LogsTruncated 表示日志是否被治理器截断（不影响激活状态）
	LogsTruncated bool `json:"logs_truncated"`
	// ResultTruncated 表示结果是否超过激活实体上限而被截断
	ResultTruncated bool `json:"result_truncated"`
	// ColdStart 表示本次调用是否触发了沙箱初始化
	ColdStart bool `json:"cold_start"`
	// SandboxID 是执行本次调用的沙箱 ID
	SandboxID string `json:"sandbox_id,omitempty"`
	// Limits 是本次调用生效的限额副本
	Limits ResolvedLimits `json:"limits"`
	// StartedAt 是工作负载开始执行的时间
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt 是激活终结的时间
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// DurationMs 是实际执行时长（毫秒）；超时场景下恒不小于配置的超时值
	DurationMs int64 `json:"duration_ms"`
	// BilledTimeMs 是计费时长（毫秒），按最小计费单位向上取整
	BilledTimeMs int64 `json:"billed_time_ms"`
	// MemoryPeakMB 是看门狗观测到的内存峰值（MB），尽力而为
	MemoryPeakMB int `json:"memory_peak_mb,omitempty"`
	// CreatedAt 是激活记录的创建时间
	CreatedAt time.Time `json:"created_at"`
}

// NewActivation 创建一条新的激活记录。
// 初始状态为 running；限额为函数定义中已归一化限额的解析副本。
func NewActivation(functionID, functionName string, input json.RawMessage, limits ResolvedLimits) *Activation {
	return &Activation{
		ID:           uuid.New().String(),
		FunctionID:   functionID,
		FunctionName: functionName,
		Status:       ActivationRunning,
		Input:        input,
		Limits:       limits,
		CreatedAt:    time.Now(),
	}
}

// Start 标记工作负载开始执行，记录沙箱信息与冷启动状态。
func (a *Activation) Start(sandboxID string, coldStart bool) {
	now := time.Now()
	a.SandboxID = sandboxID
	a.ColdStart = coldStart
	a.StartedAt = &now
}

// Finish 将激活终结为给定状态，计算执行时长与计费时长。
// 只能由结果分类器调用一次；之后记录不可再修改。
func (a *Activation) Finish(status ActivationStatus) {
	now := time.Now()
	a.Status = status
	a.CompletedAt = &now
	if a.StartedAt != nil {
		a.DurationMs = now.Sub(*a.StartedAt).Milliseconds()
	}
	a.calculateBilledTime()
}

// FloorDuration 将记录的执行时长抬升到给定下限并重算计费时长。
// 被超时看门狗终止的激活，其记录时长恒不小于配置的超时值。
func (a *Activation) FloorDuration(minMs int64) {
	if a.DurationMs < minMs {
		a.DurationMs = minMs
		a.calculateBilledTime()
	}
}

// calculateBilledTime 计算计费时长。
//
// 计费规则：
//   - 最小计费单位 100 毫秒，不足部分向上取整
//   - 即使执行时间小于 100ms 也按 100ms 计费
//
// 实现方式: (durationMs + 99) / 100 * 100 利用整数除法实现向上取整
func (a *Activation) calculateBilledTime() {
	billedMs := ((a.DurationMs + 99) / 100) * 100
	if billedMs < 100 {
		billedMs = 100
	}
	a.BilledTimeMs = billedMs
}

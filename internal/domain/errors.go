// Package domain 定义了 Stratus 平台的核心领域模型。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 这些错误用于在应用程序的不同层之间传递业务逻辑相关的错误信息。

var (
	// ========== 函数相关错误 ==========

	// ErrFunctionNotFound 表示请求的函数不存在
	ErrFunctionNotFound = errors.New("function not found")
	// ErrFunctionExists 表示尝试创建的函数已经存在（名称冲突）
	ErrFunctionExists = errors.New("function already exists")
	// ErrInvalidFunctionName 表示函数名称无效（为空或格式不正确）
	ErrInvalidFunctionName = errors.New("invalid function name")
	// ErrInvalidRuntime 表示指定的运行时不受支持
	ErrInvalidRuntime = errors.New("invalid runtime")
	// ErrInvalidHandler 表示函数入口点配置无效
	ErrInvalidHandler = errors.New("invalid handler")
	// ErrInvalidCode 表示函数代码无效（为空）
	ErrInvalidCode = errors.New("invalid code")

	// ========== 激活（调用）相关错误 ==========

	// ErrActivationNotFound 表示请求的激活记录不存在
	ErrActivationNotFound = errors.New("activation not found")
	// ErrActivationTimedOut 表示函数执行超过了配置的时间限制，已被看门狗强制终止
	ErrActivationTimedOut = errors.New("activation timed out")
	// ErrMemoryExhausted 表示函数耗尽了分配的内存，沙箱已被终止
	ErrMemoryExhausted = errors.New("memory exhausted")
	// ErrResultTruncated 表示函数结果超过激活实体大小上限，已被截断
	ErrResultTruncated = errors.New("result truncated")
	// ErrWaitCeilingExceeded 表示阻塞等待超过了本地等待上限（不同于函数自身的超时）
	ErrWaitCeilingExceeded = errors.New("blocking wait ceiling exceeded")

	// ========== 沙箱相关错误 ==========

	// ErrSandboxNotReady 表示沙箱尚未初始化完成，无法执行任务
	ErrSandboxNotReady = errors.New("sandbox not ready")
	// ErrSandboxKilled 表示沙箱已被看门狗强制终止
	ErrSandboxKilled = errors.New("sandbox killed")
	// ErrPoolExhausted 表示沙箱池容量耗尽，无法再为该函数分配沙箱
	ErrPoolExhausted = errors.New("sandbox pool exhausted")
	// ErrRuntimeUnsupported 表示沙箱不支持请求的运行时
	ErrRuntimeUnsupported = errors.New("runtime not supported by sandbox")

	// ========== 调度相关错误 ==========

	// ErrQueueFull 表示调度器工作队列已满
	ErrQueueFull = errors.New("work queue is full")
	// ErrSchedulerStopped 表示调度器已停止，不再接受新的调用
	ErrSchedulerStopped = errors.New("scheduler stopped")

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询错误（如 SQL 查询失败）
	ErrStorageQuery = errors.New("storage query error")
)

// EntityKind 标识触发实体大小检查的载荷类别。
type EntityKind string

const (
	// EntityCode 表示函数代码载荷（创建/更新时检查）
	EntityCode EntityKind = "code"
	// EntityPayload 表示调用请求参数载荷（调用前检查）
	EntityPayload EntityKind = "payload"
)

// EntityTooLargeError 表示提交的实体超过了平台级大小上限。
// 该错误属于传输层拒绝而非策略层拒绝：在任何限额校验运行之前、
// 在分配任何沙箱之前即被返回，对应 HTTP 413。
type EntityTooLargeError struct {
	// Kind 标识载荷类别（code 或 payload）
	Kind EntityKind
	// Size 为提交实体的实际字节数
	Size int64
	// Limit 为平台允许的最大字节数
	Limit int64
}

// Error 实现 error 接口，消息固定包含 "too large" 供调用方按类别识别。
func (e *EntityTooLargeError) Error() string {
	return fmt.Sprintf("%s too large: %d bytes exceeds the allowed limit of %d bytes", e.Kind, e.Size, e.Limit)
}

// IsEntityTooLarge 判断 err 是否为实体过大错误。
func IsEntityTooLarge(err error) bool {
	var e *EntityTooLargeError
	return errors.As(err, &e)
}

// ResourceExhaustion 描述沙箱级操作系统资源耗尽（例如文件描述符表耗尽）。
// 它携带结构化诊断字段：资源名、数值错误码以及失败的操作。
// 该类错误来源于工作负载自身的资源使用而非平台限额，
// 因此被归类为 ApplicationError，且沙箱在记录后继续存活。
type ResourceExhaustion struct {
	// Resource 为耗尽的资源名称，例如 "file descriptors"
	Resource string `json:"resource"`
	// Code 为操作系统返回的数值错误码，例如 EMFILE 对应 24
	Code int `json:"code"`
	// Operation 为触发耗尽的操作名称，例如 "open"
	Operation string `json:"operation"`
}

// Error 实现 error 接口。
func (e *ResourceExhaustion) Error() string {
	return fmt.Sprintf("%s failed: %s exhausted (errno %d)", e.Operation, e.Resource, e.Code)
}

// Package outcome 实现调用的终态分类。
// 每次调用是单写者状态机：Running → {Success, ApplicationError,
// DeveloperError}。监视器作为相互竞争的信号写入先到先得的原因闩锁，
// 分类器在工作负载路径结束后读取闩锁与执行产物，按固定优先级
// 归入终态。终态记录一经产出即为不可变值，可安全地被并发读取。
package outcome

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/governor"
)

// Phase 标识超时发生时调用所处的执行阶段。
type Phase string

const (
	// PhaseInit 表示沙箱初始化（冷启动装载）阶段
	PhaseInit Phase = "initialization"
	// PhaseRun 表示函数执行阶段
	PhaseRun Phase = "run"
)

// Cause 是监视器记录的强制终止原因。
type Cause int

const (
	// CauseNone 表示没有监视器触发
	CauseNone Cause = iota
	// CauseTimeout 表示超时监视器触发
	CauseTimeout
	// CauseMemory 表示内存监视器触发
	CauseMemory
)

// 分类器产出的固定错误消息。
const (
	// timeoutMessageFormat 以生效的超时值与阶段参数化
	timeoutMessageFormat = "function exceeded its time limit of %d milliseconds during %s"
	// memoryMessage 与分配的内存值无关，恒为固定文本
	memoryMessage = "function exhausted its memory and was aborted"
)

// TimeoutMessage 渲染超时终止消息。
func TimeoutMessage(timeout time.Duration, phase Phase) string {
	return fmt.Sprintf(timeoutMessageFormat, timeout.Milliseconds(), phase)
}

// CauseLatch 是一次调用内监视器之间先到先得的终止原因闩锁。
// 超时与内存监视器互斥：先触发者记录原因，后到者的信号被丢弃。
// 闩锁一旦写入不再改变，正常完成路径从不写入。
type CauseLatch struct {
	mu    sync.Mutex
	cause Cause
	phase Phase
}

// Trip 尝试记录终止原因，返回是否成为首个触发者。
// phase 仅对超时原因有意义，其余原因传 PhaseRun。
func (l *CauseLatch) Trip(c Cause, p Phase) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cause != CauseNone {
		return false
	}
	l.cause = c
	l.phase = p
	return true
}

// Snapshot 返回闩锁当前记录的原因与阶段。
func (l *CauseLatch) Snapshot() (Cause, Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause, l.phase
}

// Tripped 报告是否已有监视器触发。
func (l *CauseLatch) Tripped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause != CauseNone
}

// Signals 汇总一次调用执行路径上的全部观测输入。
type Signals struct {
	// Cause 是原因闩锁的读数
	Cause Cause
	// Phase 是超时发生的阶段
	Phase Phase
	// Timeout 是该调用生效的超时配置
	Timeout time.Duration
	// Result 是工作负载退出后的序列化结果
	Result json.RawMessage
	// ResultLimit 是结果大小的实体上限（字节）
	ResultLimit int64
	// WorkloadErr 是工作负载进程层面的失败描述（非零退出等）
	WorkloadErr string
	// ResourceExhaustion 是沙箱级 OS 资源耗尽的结构化报告
	ResourceExhaustion *domain.ResourceExhaustion
}

// Verdict 是分类器的终态判定。
type Verdict struct {
	// Status 是调用的终态
	Status domain.ActivationStatus
	// Response 是写入调用记录的响应
	Response domain.ActivationResponse
	// ResultTruncated 表示结果治理器发生过截断
	ResultTruncated bool
}

// Classify 按优先级将执行信号归入终态：
//  1. 超时监视器触发 → DeveloperError，消息引用配置的超时值与阶段；
//  2. 内存监视器触发 → DeveloperError，固定的内存耗尽消息；
//  3. 结果治理器截断 → DeveloperError，错误字段为带说明的截断文本；
//  4. 沙箱级资源耗尽 → ApplicationError，保留结构化诊断字段；
//  5. 工作负载自行上报失败 → ApplicationError，原始错误载荷保留；
//  6. 干净退出 → Success（日志截断不改变状态）。
func Classify(sig Signals) Verdict {
	switch sig.Cause {
	case CauseTimeout:
		return Verdict{
			Status: domain.ActivationDeveloperError,
			Response: domain.ActivationResponse{
				Error: TimeoutMessage(sig.Timeout, sig.Phase),
			},
		}
	case CauseMemory:
		return Verdict{
			Status: domain.ActivationDeveloperError,
			Response: domain.ActivationResponse{
				Error: memoryMessage,
			},
		}
	}

	if msg, truncated := governor.GovernResult(sig.Result, sig.ResultLimit); truncated {
		return Verdict{
			Status: domain.ActivationDeveloperError,
			Response: domain.ActivationResponse{
				Error: msg,
			},
			ResultTruncated: true,
		}
	}

	if sig.ResourceExhaustion != nil {
		return Verdict{
			Status: domain.ActivationApplicationError,
			Response: domain.ActivationResponse{
				Error:         sig.ResourceExhaustion.Error(),
				ResourceError: sig.ResourceExhaustion,
			},
		}
	}

	if sig.WorkloadErr != "" {
		return Verdict{
			Status: domain.ActivationApplicationError,
			Response: domain.ActivationResponse{
				Result: sig.Result,
				Error:  sig.WorkloadErr,
			},
		}
	}

	if re, ok := exhaustionReport(sig.Result); ok {
		return Verdict{
			Status: domain.ActivationApplicationError,
			Response: domain.ActivationResponse{
				Error:         re.Error(),
				ResourceError: re,
			},
		}
	}

	if errText, reported := reportedError(sig.Result); reported {
		return Verdict{
			Status: domain.ActivationApplicationError,
			Response: domain.ActivationResponse{
				Result: sig.Result,
				Error:  errText,
			},
		}
	}

	return Verdict{
		Status: domain.ActivationSuccess,
		Response: domain.ActivationResponse{
			Result: sig.Result,
		},
	}
}

// exhaustionReport 检查结果的顶层 error 字段是否为结构化的资源耗尽报告。
// 运行时包装器捕获工作负载自身的 OS 资源错误（如描述符耗尽）后，
// 以 {"error": {"resource": ..., "code": ..., "operation": ...}}
// 的形态上报，区别于普通的字符串错误。
func exhaustionReport(result json.RawMessage) (*domain.ResourceExhaustion, bool) {
	if len(result) == 0 {
		return nil, false
	}

	var probe struct {
		Error *domain.ResourceExhaustion `json:"error"`
	}
	if err := json.Unmarshal(result, &probe); err != nil || probe.Error == nil {
		return nil, false
	}
	if probe.Error.Resource == "" || probe.Error.Operation == "" {
		return nil, false
	}
	return probe.Error, true
}

// reportedError 检查结果对象是否携带顶层 error 字段。
// 工作负载通过返回 {"error": ...} 自行上报受控失败，
// 原始结果载荷保留在响应里以供排查。
func reportedError(result json.RawMessage) (string, bool) {
	if len(result) == 0 {
		return "", false
	}

	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(result, &probe); err != nil || len(probe.Error) == 0 || string(probe.Error) == "null" {
		return "", false
	}

	var text string
	if err := json.Unmarshal(probe.Error, &text); err == nil {
		return text, true
	}
	return string(probe.Error), true
}

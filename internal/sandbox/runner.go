// Package sandbox 提供函数工作负载的隔离执行环境。
// 沙箱池按函数维护预热沙箱以减少冷启动延迟；单个沙箱内的并发调用
// 由槽位令牌约束在函数的 concurrency 限额之内。每次调用挂接独立的
// 超时与内存监视器，二者通过先到先得的原因闩锁互斥。
package sandbox

import (
	"context"
	"encoding/json"

	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/governor"
)

// Runner 是沙箱内工作负载的执行后端。
// 进程运行时与 WebAssembly 运行时分别实现该接口。
type Runner interface {
	// Init 装载函数代码并准备执行环境。
	// 只在沙箱首次使用时调用一次（冷启动路径）。
	Init(ctx context.Context, fn *domain.Function, limits domain.ResolvedLimits) error

	// Invoke 执行一次调用。工作负载的输出行写入 logs，
	// 返回序列化结果。工作负载层面的失败通过 error 返回，
	// 由分类器定级，不作为平台故障传播。
	Invoke(ctx context.Context, payload json.RawMessage, logs *governor.LogBuffer) (json.RawMessage, error)

	// MemoryUsage 返回工作负载当前的常驻内存字节数，
	// 供内存监视器采样。
	MemoryUsage() (int64, error)

	// Kill 强制终止工作负载。监视器触发时调用，幂等。
	Kill() error

	// Close 释放运行时资源。沙箱退出池时调用。
	Close() error
}

// RunnerFactory 按运行时类型创建执行后端。
// 池在创建新沙箱时调用，未知运行时返回 domain.ErrRuntimeUnsupported。
type RunnerFactory func(runtime domain.Runtime) (Runner, error)

//go:build !linux
// +build !linux

package sandbox

import (
	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
)

// NewRunnerFactory 返回按运行时类型选择执行后端的工厂。
// 进程运行时依赖 Linux 的进程组终止与 /proc 内存采样，
// 非 Linux 平台只支持 WebAssembly 工作负载。
func NewRunnerFactory(cfg config.SandboxConfig) RunnerFactory {
	return func(runtime domain.Runtime) (Runner, error) {
		if runtime == domain.RuntimeWasm {
			return NewWasmRunner(), nil
		}
		return nil, domain.ErrRuntimeUnsupported
	}
}

//go:build linux
// +build linux

package sandbox

import (
	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
)

// NewRunnerFactory 返回按运行时类型选择执行后端的工厂。
// 进程运行时从配置的解释器映射取可执行文件路径。
func NewRunnerFactory(cfg config.SandboxConfig) RunnerFactory {
	return func(runtime domain.Runtime) (Runner, error) {
		switch runtime {
		case domain.RuntimeWasm:
			return NewWasmRunner(), nil
		case domain.RuntimePython, domain.RuntimeNode:
			interpreter, ok := cfg.Interpreters[string(runtime)]
			if !ok {
				return nil, domain.ErrRuntimeUnsupported
			}
			return NewProcessRunner(runtime, interpreter, cfg.WorkDir), nil
		case domain.RuntimeExec:
			return NewProcessRunner(runtime, "", cfg.WorkDir), nil
		default:
			return nil, domain.ErrRuntimeUnsupported
		}
	}
}

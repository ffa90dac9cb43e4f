package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/governor"
)

// wasmPageSize 是 WebAssembly 线性内存页大小。
const wasmPageSize = 65536

// WasmRunner 以 wazero 在进程内执行 WebAssembly 工作负载。
//
// 模块必须导出：
//   - alloc(size: i32) -> i32           : 分配内存，返回指针
//   - handle(ptr: i32, len: i32) -> i64 : 处理请求，返回 (ptr << 32) | len
//
// 可选导出：
//   - dealloc(ptr: i32, size: i32)      : 释放内存
//
// 内存限额通过 wazero 的页数上限在运行时边界强制；模块增长到
// 上限后的分配失败被识别为内存耗尽。强制终止通过取消运行时
// 上下文实现，正在执行的调用立即中止。
type WasmRunner struct {
	// reqMu 串行化对同一模块实例的调用；
	// 线性内存与日志目标都是每实例单份的
	reqMu sync.Mutex

	mu sync.Mutex

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	instance api.Module

	limitBytes int64
	logs       *lineWriter

	runCtx context.Context
	cancel context.CancelFunc
	killed bool
}

// NewWasmRunner 创建 WebAssembly 执行后端。
func NewWasmRunner() *WasmRunner {
	return &WasmRunner{}
}

// Init 解码并装载 WASM 模块。函数代码是模块字节的 base64 编码。
func (r *WasmRunner) Init(ctx context.Context, fn *domain.Function, limits domain.ResolvedLimits) error {
	wasmBytes, err := base64.StdEncoding.DecodeString(fn.Code)
	if err != nil {
		return fmt.Errorf("wasm code is not valid base64: %w", err)
	}

	pages := limits.MemoryBytes() / wasmPageSize
	if pages < 1 {
		pages = 1
	}

	runCtx, cancel := context.WithCancel(context.Background())

	rcfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(uint32(pages)).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(runCtx, rcfg)

	// 部分模块依赖 WASI 进行内存管理与随机数
	if _, err := wasi_snapshot_preview1.Instantiate(runCtx, runtime); err != nil {
		cancel()
		runtime.Close(context.Background())
		return fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(runCtx, wasmBytes)
	if err != nil {
		cancel()
		runtime.Close(context.Background())
		return fmt.Errorf("failed to compile wasm module: %w", err)
	}

	logs := &lineWriter{}
	instance, err := runtime.InstantiateModule(runCtx, compiled, wazero.NewModuleConfig().
		WithStdout(logs).
		WithStderr(logs))
	if err != nil {
		cancel()
		runtime.Close(context.Background())
		return fmt.Errorf("failed to instantiate wasm module: %w", err)
	}

	if instance.ExportedFunction("alloc") == nil {
		cancel()
		runtime.Close(context.Background())
		return fmt.Errorf("wasm module must export 'alloc(size: i32) -> i32' function")
	}
	if instance.ExportedFunction("handle") == nil {
		cancel()
		runtime.Close(context.Background())
		return fmt.Errorf("wasm module must export 'handle(ptr: i32, len: i32) -> i64' function")
	}

	r.mu.Lock()
	r.runtime = runtime
	r.compiled = compiled
	r.instance = instance
	r.limitBytes = int64(pages) * wasmPageSize
	r.logs = logs
	r.runCtx = runCtx
	r.cancel = cancel
	killedEarly := r.killed
	r.mu.Unlock()

	if killedEarly {
		cancel()
		runtime.Close(context.Background())
		return fmt.Errorf("workload killed during initialization")
	}
	return nil
}

// Invoke 调用模块的 handle 函数。
// 模块内存增长到页数上限后的调用失败被报告为内存耗尽。
func (r *WasmRunner) Invoke(ctx context.Context, payload json.RawMessage, logs *governor.LogBuffer) (json.RawMessage, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	r.mu.Lock()
	instance, runCtx, lw := r.instance, r.runCtx, r.logs
	killed := r.killed
	r.mu.Unlock()
	if instance == nil || killed {
		return nil, domain.ErrSandboxNotReady
	}

	lw.setTarget(logs)
	defer lw.finish()

	input := []byte(payload)
	if len(input) == 0 {
		input = []byte("{}")
	}

	alloc := instance.ExportedFunction("alloc")
	handle := instance.ExportedFunction("handle")
	dealloc := instance.ExportedFunction("dealloc")

	results, err := alloc.Call(runCtx, uint64(len(input)))
	if err != nil {
		return nil, r.callError("failed to allocate input memory", err)
	}
	inputPtr := uint32(results[0])

	memory := instance.Memory()
	if memory == nil {
		return nil, fmt.Errorf("wasm module has no memory export")
	}
	if !memory.Write(inputPtr, input) {
		return nil, fmt.Errorf("failed to write input to wasm memory")
	}

	results, err = handle.Call(runCtx, uint64(inputPtr), uint64(len(input)))
	if err != nil {
		return nil, r.callError("handle function failed", err)
	}

	// 高 32 位是指针，低 32 位是长度
	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)

	output, ok := memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from wasm memory")
	}
	// Read 返回的是模块内存的视图，后续调用可能改写它
	result := make([]byte, len(output))
	copy(result, output)

	if dealloc != nil {
		_, _ = dealloc.Call(runCtx, uint64(inputPtr), uint64(len(input)))
	}

	return json.RawMessage(result), nil
}

// callError 区分内存耗尽与其他调用失败。
func (r *WasmRunner) callError(msg string, err error) error {
	if r.memoryAtLimit() {
		return domain.ErrMemoryExhausted
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// memoryAtLimit 报告模块线性内存是否已增长到页数上限。
func (r *WasmRunner) memoryAtLimit() bool {
	r.mu.Lock()
	instance, limit := r.instance, r.limitBytes
	r.mu.Unlock()
	if instance == nil {
		return false
	}
	memory := instance.Memory()
	return memory != nil && int64(memory.Size()) >= limit
}

// MemoryUsage 返回模块线性内存的当前大小。
func (r *WasmRunner) MemoryUsage() (int64, error) {
	r.mu.Lock()
	instance := r.instance
	r.mu.Unlock()
	if instance == nil {
		return 0, domain.ErrSandboxNotReady
	}
	memory := instance.Memory()
	if memory == nil {
		return 0, fmt.Errorf("wasm module has no memory export")
	}
	return int64(memory.Size()), nil
}

// Kill 取消运行时上下文，中止正在执行的调用。幂等。
func (r *WasmRunner) Kill() error {
	r.mu.Lock()
	r.killed = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Close 释放 wazero 运行时资源。
func (r *WasmRunner) Close() error {
	_ = r.Kill()

	r.mu.Lock()
	runtime := r.runtime
	r.runtime = nil
	r.instance = nil
	r.mu.Unlock()

	if runtime != nil {
		return runtime.Close(context.Background())
	}
	return nil
}

// lineWriter 把模块的标准输出流切分为日志行送入当前调用的日志缓冲。
// 目标缓冲随调用切换；没有在飞调用时的输出被丢弃。
type lineWriter struct {
	mu      sync.Mutex
	pending []byte
	target  *governor.LogBuffer
}

func (w *lineWriter) setTarget(lb *governor.LogBuffer) {
	w.mu.Lock()
	w.target = lb
	w.mu.Unlock()
}

// finish 冲刷尾部的不完整行并解除目标绑定。
func (w *lineWriter) finish() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) > 0 && w.target != nil {
		w.target.Append(strings.TrimRight(string(w.pending), "\r"))
	}
	w.pending = nil
	w.target = nil
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.pending[:i]), "\r")
		w.pending = w.pending[i+1:]
		if w.target != nil {
			w.target.Append(line)
		}
	}
	return len(p), nil
}

package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/oriys/stratus/internal/governor"
)

// fakeWasmMemory 用字节切片模拟模块线性内存。
type fakeWasmMemory struct {
	api.Memory
	data []byte
}

func (m *fakeWasmMemory) Size() uint32 { return uint32(len(m.data)) }

func (m *fakeWasmMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if int(offset)+int(byteCount) > len(m.data) {
		return nil, false
	}
	return m.data[offset : offset+byteCount], true
}

func (m *fakeWasmMemory) Write(offset uint32, v []byte) bool {
	if int(offset)+len(v) > len(m.data) {
		return false
	}
	copy(m.data[offset:], v)
	return true
}

// fakeWasmFunc 以闭包模拟模块导出函数。
type fakeWasmFunc struct {
	api.Function
	call func(ctx context.Context, params ...uint64) ([]uint64, error)
}

func (f *fakeWasmFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.call(ctx, params...)
}

// fakeWasmModule 模拟只导出 alloc/handle 的模块实例。
type fakeWasmModule struct {
	api.Module
	mem    *fakeWasmMemory
	alloc  api.Function
	handle api.Function
}

func (m *fakeWasmModule) Memory() api.Memory { return m.mem }

func (m *fakeWasmModule) ExportedFunction(name string) api.Function {
	switch name {
	case "alloc":
		return m.alloc
	case "handle":
		return m.handle
	}
	return nil
}

// 同一模块实例上的调用必须串行：线性内存与日志目标都是每实例
// 单份的，并发进入 handle 会互相改写输入并把日志行归错缓冲。
func TestWasmRunner_InvokesSerializedPerInstance(t *testing.T) {
	const resultPtr = 4096
	result := []byte(`{"ok":true}`)

	mem := &fakeWasmMemory{data: make([]byte, 64*1024)}
	copy(mem.data[resultPtr:], result)

	r := NewWasmRunner()
	lw := &lineWriter{}

	var inFlight, maxInFlight int32
	handle := &fakeWasmFunc{call: func(ctx context.Context, params ...uint64) ([]uint64, error) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}

		input, _ := mem.Read(uint32(params[0]), uint32(params[1]))
		lw.Write([]byte(fmt.Sprintf("start %s\n", input)))
		time.Sleep(2 * time.Millisecond)
		lw.Write([]byte(fmt.Sprintf("end %s\n", input)))

		return []uint64{uint64(resultPtr)<<32 | uint64(len(result))}, nil
	}}
	alloc := &fakeWasmFunc{call: func(ctx context.Context, params ...uint64) ([]uint64, error) {
		return []uint64{0}, nil
	}}

	r.instance = &fakeWasmModule{mem: mem, alloc: alloc, handle: handle}
	r.runCtx = context.Background()
	r.logs = lw
	r.limitBytes = int64(len(mem.data)) * 16

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		tag := fmt.Sprintf(`"caller-%d"`, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				logs := governor.NewLogBuffer(64 * 1024)
				out, err := r.Invoke(context.Background(), []byte(tag), logs)
				if err != nil {
					errs <- fmt.Errorf("Invoke: %w", err)
					return
				}
				if string(out) != string(result) {
					errs <- fmt.Errorf("result = %s, want %s", out, result)
					return
				}
				lines := logs.Lines()
				if len(lines) != 2 || lines[0] != "start "+tag || lines[1] != "end "+tag {
					errs <- fmt.Errorf("log lines misattributed: %v", lines)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("handle entered concurrently, max in-flight = %d", got)
	}
}

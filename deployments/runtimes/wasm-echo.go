//go:build tinygo

// wasm 运行时的参考工作负载，演示沙箱要求的模块 ABI：
//
//	alloc(size: i32) -> i32           分配内存，返回指针
//	handle(ptr: i32, len: i32) -> i64 处理请求，返回 (ptr << 32) | len
//	dealloc(ptr: i32, size: i32)      可选，释放输入缓冲
//
// 标准输出/标准错误的每一行被采集为该次调用的日志行。
//
// 构建与部署：
//
//	tinygo build -o echo.wasm -target=wasi -no-debug ./deployments/runtimes/wasm-echo.go
//	base64 -w0 echo.wasm > echo.b64
//	stratus create wasm-echo -r wasm -H main -f echo.b64
package main

import "unsafe"

// 导出指针必须在 handle 返回后仍然有效，用全局表挡住 GC
var buffers = map[uintptr][]byte{}

func main() {}

//export alloc
func alloc(size uint32) uintptr {
	buf := make([]byte, size)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	buffers[ptr] = buf
	return ptr
}

//export dealloc
func dealloc(ptr uintptr, size uint32) {
	delete(buffers, ptr)
}

//export handle
func handle(ptr uintptr, size uint32) uint64 {
	input := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size)

	println("echoing", len(input), "bytes") // 日志行

	// 输入已经是 JSON，包一层即可保持输出合法
	out := append([]byte(`{"echo":`), input...)
	out = append(out, '}')

	outPtr := uintptr(unsafe.Pointer(&out[0]))
	buffers[outPtr] = out
	return uint64(outPtr)<<32 | uint64(len(out))
}

// Package domain 定义了 Stratus 平台的核心领域模型。
// 包含函数、资源限额、激活记录等核心实体，以及它们的验证和状态转换逻辑。
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Runtime 表示函数的运行时类型。
// 运行时决定工作负载在沙箱内的执行方式。
type Runtime string

// 支持的运行时常量定义
const (
	// RuntimePython 表示 Python 3.11 运行时环境
	RuntimePython Runtime = "python3.11"
	// RuntimeNode 表示 Node.js 20 运行时环境
	RuntimeNode Runtime = "nodejs20"
	// RuntimeWasm 表示 WebAssembly 运行时环境（宿主内通过 wazero 执行）
	RuntimeWasm Runtime = "wasm"
	// RuntimeExec 表示原生可执行文件运行时环境
	RuntimeExec Runtime = "exec"
)

// IsValid 检查运行时类型是否受支持。
func (r Runtime) IsValid() bool {
	switch r {
	case RuntimePython, RuntimeNode, RuntimeWasm, RuntimeExec:
		return true
	default:
		return false
	}
}

// Function 表示一个已注册的 serverless 函数。
// 函数定义持有经过准入校验、已归一化的资源限额副本；
// 每次调用时限额被解析并复制进该调用的执行上下文。
type Function struct {
	// ID 是函数的唯一标识符
	ID string `json:"id"`
	// Name 是函数名称（全局唯一）
	Name string `json:"name"`
	// Description 是函数的描述信息
	Description string `json:"description,omitempty"`
	// Runtime 是函数的运行时类型
	Runtime Runtime `json:"runtime"`
	// Handler 是函数的入口点，例如 "main.handler"
	Handler string `json:"handler"`
	// Code 是函数源代码或 base64 编码的模块内容
	Code string `json:"code,omitempty"`
	// CodeSize 是代码的字节数
	CodeSize int64 `json:"code_size"`
	// CodeHash 是代码内容的 SHA-256 摘要（十六进制）
	CodeHash string `json:"code_hash,omitempty"`
	// Limits 是经过准入校验的资源限额（所有字段均已归一化）
	Limits FunctionLimits `json:"limits"`
	// CreatedAt 是函数创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 是函数最后更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// HashCode 计算代码内容的 SHA-256 摘要。
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CreateFunctionRequest 表示创建函数的请求。
type CreateFunctionRequest struct {
	// Name 是函数名称
	Name string `json:"name"`
	// Description 是函数描述（可选）
	Description string `json:"description,omitempty"`
	// Runtime 是运行时类型
	Runtime Runtime `json:"runtime"`
	// Handler 是函数入口点
	Handler string `json:"handler"`
	// Code 是函数源代码
	Code string `json:"code"`
	// Limits 是请求的资源限额（可选；缺失的维度由准入校验器填充为平台标准值）
	Limits *FunctionLimits `json:"limits,omitempty"`
}

// Validate 验证创建请求的结构完整性。
// 只做结构校验：名称、运行时、入口点与代码必须存在。
// 代码大小与限额范围属于准入校验，由平台策略检查。
func (r *CreateFunctionRequest) Validate() error {
	if r.Name == "" || len(r.Name) > 64 {
		return ErrInvalidFunctionName
	}
	if !r.Runtime.IsValid() {
		return ErrInvalidRuntime
	}
	if r.Handler == "" {
		return ErrInvalidHandler
	}
	if r.Code == "" {
		return ErrInvalidCode
	}
	return nil
}

// UpdateFunctionRequest 表示更新函数的请求。
// 所有字段均为可选指针，nil 表示保持原值。
type UpdateFunctionRequest struct {
	// Description 是新的函数描述
	Description *string `json:"description,omitempty"`
	// Handler 是新的函数入口点
	Handler *string `json:"handler,omitempty"`
	// Code 是新的函数源代码
	Code *string `json:"code,omitempty"`
	// Limits 是新的资源限额；提供时整体重新经过准入校验
	Limits *FunctionLimits `json:"limits,omitempty"`
}

// Validate 验证更新请求中出现的字段。
func (r *UpdateFunctionRequest) Validate() error {
	if r.Handler != nil && *r.Handler == "" {
		return ErrInvalidHandler
	}
	if r.Code != nil && *r.Code == "" {
		return ErrInvalidCode
	}
	return nil
}

// InvokeRequest 表示函数调用请求。
type InvokeRequest struct {
	// FunctionID 是被调用函数的 ID（从 URL 路径提取，不参与 JSON 序列化）
	FunctionID string `json:"-"`
	// Payload 是调用的输入参数
	Payload json.RawMessage `json:"payload,omitempty"`
	// Async 表示是否为非阻塞调用；false（默认）为阻塞调用
	Async bool `json:"async,omitempty"`
}

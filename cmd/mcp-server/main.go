// Package main 是 MCP (Model Context Protocol) 服务器的入口点
// MCP 服务器允许 AI 模型（如 Claude）通过标准化协议管理 Stratus 平台
// 它提供了一组工具，使 AI 能够创建、查询、调用和删除函数，并检索
// 激活记录与平台限额策略
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/oriys/stratus/internal/gatewayclient"
)

// 服务器常量
const (
	serverName    = "stratus-mcp" // 服务器名称
	serverVersion = "0.1.0"       // 服务器版本
)

// main 是 MCP 服务器的主函数
// 它初始化网关客户端，注册 MCP 工具，并启动服务器
func main() {
	// 解析命令行参数
	// API URL 可通过环境变量 STRATUS_API_URL 或命令行参数设置
	apiURL := flag.String(
		"api-url",
		getenv("STRATUS_API_URL", "http://localhost:8080"),
		"Stratus Gateway API base URL",
	)
	flag.Parse()

	// 创建标准错误日志记录器
	stderrLogger := log.New(os.Stderr, "stratus-mcp: ", log.LstdFlags)

	// 创建网关客户端
	client := gatewayclient.New(*apiURL)

	// 创建 MCP 服务器
	// 配置服务器说明和工具能力
	s := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithInstructions(fmt.Sprintf(
			"管理 Stratus 平台（%s）的函数与资源限额：创建/列出/查询/删除函数，调用函数并检索激活记录，查看平台的限额策略。声明的限额缺省时由平台填充标准值。",
			*apiURL,
		)),
		server.WithToolCapabilities(false), // 禁用工具能力自动发现
	)

	// 注册 MCP 工具
	// 每个工具对应一个函数管理或调用操作
	s.AddTool(newToolFunctionList(), handleFunctionList(client))     // 列出函数
	s.AddTool(newToolFunctionGet(), handleFunctionGet(client))       // 获取函数详情
	s.AddTool(newToolFunctionCreate(), handleFunctionCreate(client)) // 创建函数
	s.AddTool(newToolFunctionDelete(), handleFunctionDelete(client)) // 删除函数
	s.AddTool(newToolFunctionInvoke(), handleFunctionInvoke(client)) // 调用函数
	s.AddTool(newToolActivationGet(), handleActivationGet(client))   // 获取激活记录
	s.AddTool(newToolPolicyGet(), handlePolicyGet(client))           // 获取限额策略

	// 启动 MCP 服务器，通过标准输入输出通信
	if err := server.ServeStdio(s, server.WithErrorLogger(stderrLogger)); err != nil {
		stderrLogger.Fatal(err)
	}
}

// getenv 获取环境变量值，如果不存在则返回默认值
//
// 参数:
//   - key: 环境变量名
//   - defaultValue: 默认值
//
// 返回:
//   - string: 环境变量值或默认值
func getenv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v
}

// ============================================================================
// 函数列表工具
// ============================================================================

// newToolFunctionList 创建函数列表工具定义
// 支持分页和全量拉取模式
func newToolFunctionList() mcp.Tool {
	return mcp.NewTool(
		"function_list",
		mcp.WithDescription("列出函数（支持 offset/limit 分页）"),
		mcp.WithReadOnlyHintAnnotation(true),     // 只读操作
		mcp.WithDestructiveHintAnnotation(false), // 非破坏性
		mcp.WithIdempotentHintAnnotation(true),   // 幂等操作
		mcp.WithBoolean("all", mcp.Description("是否拉取全部函数（会自动翻页，忽略 offset/limit）"), mcp.DefaultBool(false)),
		mcp.WithBoolean("include_code", mcp.Description("是否在结果中包含 code/code_hash（默认 false，避免输出过大）"), mcp.DefaultBool(false)),
		mcp.WithNumber("offset", mcp.Description("分页偏移，从 0 开始"), mcp.Min(0), mcp.MultipleOf(1), mcp.DefaultNumber(0)),
		mcp.WithNumber("limit", mcp.Description("分页大小，1-100"), mcp.Min(1), mcp.Max(100), mcp.MultipleOf(1), mcp.DefaultNumber(20)),
	)
}

// handleFunctionList 返回函数列表工具的处理函数
// 支持分页模式和全量拉取模式
//
// 参数:
//   - client: 网关客户端
//
// 返回:
//   - server.ToolHandlerFunc: 工具处理函数
func handleFunctionList(client *gatewayclient.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		includeCode := request.GetBool("include_code", false)

		// 全量拉取模式：自动翻页获取所有函数
		if request.GetBool("all", false) {
			const pageSize = 100
			offset := 0
			var (
				all   []gatewayclient.Function
				total int
			)

			// 循环获取所有页面
			for {
				resp, err := client.ListFunctions(ctx, offset, pageSize)
				if err != nil {
					return mcp.NewToolResultErrorFromErr("list functions failed", err), nil
				}
				if total == 0 {
					total = resp.Total
				}
				all = append(all, resp.Functions...)

				// 检查是否已获取所有函数
				if len(resp.Functions) == 0 || len(all) >= resp.Total {
					break
				}
				offset += len(resp.Functions)
			}

			out, err := mcp.NewToolResultJSON(toListFunctionsResult(all, total, 0, len(all), includeCode))
			if err != nil {
				return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
			}
			return out, nil
		}

		// 分页模式：按指定的 offset 和 limit 获取
		offset := request.GetInt("offset", 0)
		limit := request.GetInt("limit", 20)

		resp, err := client.ListFunctions(ctx, offset, limit)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("list functions failed", err), nil
		}
		out, err := mcp.NewToolResultJSON(toListFunctionsResult(resp.Functions, resp.Total, offset, limit, includeCode))
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

// functionListItem 函数列表项，用于 MCP 响应
type functionListItem struct {
	ID          string                       `json:"id"`                    // 函数唯一标识
	Name        string                       `json:"name"`                  // 函数名称
	Description string                       `json:"description,omitempty"` // 函数描述
	Runtime     string                       `json:"runtime"`               // 运行时类型
	Handler     string                       `json:"handler"`               // 处理函数入口
	Code        string                       `json:"code,omitempty"`        // 函数代码（可选）
	CodeHash    string                       `json:"code_hash,omitempty"`   // 代码哈希（可选）
	CodeSize    int64                        `json:"code_size"`             // 代码字节数
	Limits      gatewayclient.FunctionLimits `json:"limits"`                // 已归一化的资源限额
	CreatedAt   time.Time                    `json:"created_at"`            // 创建时间
	UpdatedAt   time.Time                    `json:"updated_at"`            // 更新时间
}

// listFunctionsResult 函数列表响应结构
type listFunctionsResult struct {
	Functions []functionListItem `json:"functions"` // 函数列表
	Total     int                `json:"total"`     // 总数
	Offset    int                `json:"offset"`    // 当前偏移
	Limit     int                `json:"limit"`     // 分页大小
}

// toListFunctionsResult 将网关响应转换为 MCP 响应格式
//
// 参数:
//   - functions: 函数列表
//   - total: 总数
//   - offset: 偏移
//   - limit: 限制
//   - includeCode: 是否包含代码
//
// 返回:
//   - *listFunctionsResult: 格式化的响应
func toListFunctionsResult(functions []gatewayclient.Function, total, offset, limit int, includeCode bool) *listFunctionsResult {
	items := make([]functionListItem, 0, len(functions))
	for _, fn := range functions {
		item := functionListItem{
			ID:          fn.ID,
			Name:        fn.Name,
			Description: fn.Description,
			Runtime:     fn.Runtime,
			Handler:     fn.Handler,
			CodeSize:    fn.CodeSize,
			Limits:      fn.Limits,
			CreatedAt:   fn.CreatedAt,
			UpdatedAt:   fn.UpdatedAt,
		}
		// 仅在请求时包含代码，避免响应过大
		if includeCode {
			item.Code = fn.Code
			item.CodeHash = fn.CodeHash
		}
		items = append(items, item)
	}
	return &listFunctionsResult{
		Functions: items,
		Total:     total,
		Offset:    offset,
		Limit:     limit,
	}
}

// ============================================================================
// 函数详情工具
// ============================================================================

// newToolFunctionGet 创建获取函数详情工具定义
func newToolFunctionGet() mcp.Tool {
	return mcp.NewTool(
		"function_get",
		mcp.WithDescription("获取函数详情（id 或 name），包含已归一化的资源限额"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("id_or_name", mcp.Description("函数 ID 或函数名"), mcp.Required()),
	)
}

// handleFunctionGet 返回获取函数详情工具的处理函数
//
// 参数:
//   - client: 网关客户端
//
// 返回:
//   - server.ToolHandlerFunc: 工具处理函数
func handleFunctionGet(client *gatewayclient.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idOrName, err := request.RequireString("id_or_name")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing id_or_name", err), nil
		}

		fn, err := client.GetFunction(ctx, idOrName)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("get function failed", err), nil
		}
		out, err := mcp.NewToolResultJSON(fn)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

// ============================================================================
// 函数创建工具
// ============================================================================

// newToolFunctionCreate 创建函数创建工具定义
// 需要提供完整的函数配置：name、runtime、handler、code 等；
// 资源限额为可选声明，缺省维度由平台填充标准值，越界声明会被网关拒绝
func newToolFunctionCreate() mcp.Tool {
	return mcp.NewTool(
		"function_create",
		mcp.WithDescription("创建函数（需要提供 code/handler/runtime 等；限额缺省时使用平台标准值）"),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("name", mcp.Description("函数名，1-64 字符"), mcp.Required(), mcp.MinLength(1), mcp.MaxLength(64)),
		mcp.WithString("description", mcp.Description("函数描述（可选）")),
		mcp.WithString("runtime", mcp.Description("运行时"), mcp.Required(), mcp.Enum("python3.11", "nodejs20", "wasm", "exec")),
		mcp.WithString("handler", mcp.Description("处理器入口，例如 handler.main / handler.handler"), mcp.Required()),
		mcp.WithString("code", mcp.Description("函数代码内容（wasm 运行时传 base64 编码的模块；exec 运行时传遵循行协议的可执行脚本）"), mcp.Required(), mcp.MinLength(1)),
		mcp.WithNumber("timeout_ms", mcp.Description("执行时间上限（毫秒），默认策略允许 100-300000"), mcp.Min(1), mcp.MultipleOf(1)),
		mcp.WithNumber("memory_mb", mcp.Description("内存上限（MB），默认策略允许 128-3072"), mcp.Min(1), mcp.MultipleOf(1)),
		mcp.WithNumber("logs_mb", mcp.Description("日志量上限（MB），默认策略允许 0-32"), mcp.Min(0), mcp.MultipleOf(1)),
		mcp.WithNumber("concurrency", mcp.Description("温沙箱内并发上限，仅在平台启用并发维度时生效"), mcp.Min(1), mcp.MultipleOf(1)),
	)
}

// handleFunctionCreate 返回创建函数工具的处理函数
// 限额字段按“是否提供”解析：缺失的维度不出现在请求体中，
// 由网关的准入校验填充平台标准值
//
// 参数:
//   - client: 网关客户端
//
// 返回:
//   - server.ToolHandlerFunc: 工具处理函数
func handleFunctionCreate(client *gatewayclient.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// 解析必需参数
		name, err := request.RequireString("name")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing name", err), nil
		}
		runtime, err := request.RequireString("runtime")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing runtime", err), nil
		}
		handler, err := request.RequireString("handler")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing handler", err), nil
		}
		code, err := request.RequireString("code")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing code", err), nil
		}

		// 解析可选限额声明
		limits, errResult := parseLimits(request.GetArguments())
		if errResult != nil {
			return errResult, nil
		}

		// 调用网关 API 创建函数
		fn, err := client.CreateFunction(ctx, &gatewayclient.CreateFunctionRequest{
			Name:        name,
			Description: request.GetString("description", ""),
			Runtime:     runtime,
			Handler:     handler,
			Code:        code,
			Limits:      limits,
		})
		if err != nil {
			return mcp.NewToolResultErrorFromErr("create function failed", err), nil
		}

		out, err := mcp.NewToolResultJSON(fn)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

// ============================================================================
// 函数删除工具
// ============================================================================

// newToolFunctionDelete 创建函数删除工具定义
func newToolFunctionDelete() mcp.Tool {
	return mcp.NewTool(
		"function_delete",
		mcp.WithDescription("删除函数（id 或 name）"),
		mcp.WithDestructiveHintAnnotation(true), // 标记为破坏性操作
		mcp.WithString("id_or_name", mcp.Description("函数 ID 或函数名"), mcp.Required()),
	)
}

// handleFunctionDelete 返回删除函数工具的处理函数
//
// 参数:
//   - client: 网关客户端
//
// 返回:
//   - server.ToolHandlerFunc: 工具处理函数
func handleFunctionDelete(client *gatewayclient.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idOrName, err := request.RequireString("id_or_name")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing id_or_name", err), nil
		}

		if err := client.DeleteFunction(ctx, idOrName); err != nil {
			return mcp.NewToolResultErrorFromErr("delete function failed", err), nil
		}
		return mcp.NewToolResultText("deleted"), nil
	}
}

// ============================================================================
// 函数调用工具
// ============================================================================

// newToolFunctionInvoke 创建函数调用工具定义
// 阻塞调用等待终态记录，到达本地等待上限时返回激活 ID 供稍后检索；
// 非阻塞调用立即返回激活 ID
func newToolFunctionInvoke() mcp.Tool {
	return mcp.NewTool(
		"function_invoke",
		mcp.WithDescription("调用函数。阻塞模式等待终态激活记录（成功或失败都返回完整记录）；async 模式立即返回激活 ID，稍后用 activation_get 检索"),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("id_or_name", mcp.Description("函数 ID 或函数名"), mcp.Required()),
		mcp.WithString("payload", mcp.Description("JSON 载荷（默认 {}）")),
		mcp.WithBoolean("async", mcp.Description("是否非阻塞调用"), mcp.DefaultBool(false)),
	)
}

// invokeAcceptedResult 调用已接受但尚未终结时的响应结构
type invokeAcceptedResult struct {
	ActivationID string `json:"activation_id"`  // 激活 ID
	Accepted     bool   `json:"accepted"`       // 调用已被接受
	Note         string `json:"note,omitempty"` // 检索提示
}

// handleFunctionInvoke 返回调用函数工具的处理函数
// 终态记录（成功或平台限额失败）原样返回；等待上限到期或 async
// 模式下返回激活 ID 和检索提示
//
// 参数:
//   - client: 网关客户端
//
// 返回:
//   - server.ToolHandlerFunc: 工具处理函数
func handleFunctionInvoke(client *gatewayclient.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		idOrName, err := request.RequireString("id_or_name")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing id_or_name", err), nil
		}

		// 解析并校验载荷
		payload := strings.TrimSpace(request.GetString("payload", ""))
		if payload == "" {
			payload = "{}"
		}
		if !json.Valid([]byte(payload)) {
			return mcp.NewToolResultError("payload must be valid JSON"), nil
		}

		// 按模式提交调用
		var result *gatewayclient.InvokeResult
		if request.GetBool("async", false) {
			result, err = client.InvokeAsync(ctx, idOrName, json.RawMessage(payload))
		} else {
			result, err = client.Invoke(ctx, idOrName, json.RawMessage(payload))
		}
		if err != nil {
			return mcp.NewToolResultErrorFromErr("invoke function failed", err), nil
		}

		// 调用已接受但尚未终结：返回激活 ID 和检索提示
		if result.Accepted {
			out, err := mcp.NewToolResultJSON(&invokeAcceptedResult{
				ActivationID: result.ActivationID,
				Accepted:     true,
				Note:         "activation has not reached a terminal state yet; retrieve it later with activation_get",
			})
			if err != nil {
				return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
			}
			return out, nil
		}

		// 终态记录：成功与失败都携带完整记录
		out, err := mcp.NewToolResultJSON(result.Activation)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

// ============================================================================
// 激活记录工具
// ============================================================================

// newToolActivationGet 创建获取激活记录工具定义
func newToolActivationGet() mcp.Tool {
	return mcp.NewTool(
		"activation_get",
		mcp.WithDescription("获取激活记录详情（状态、响应、计费时长等）"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("id", mcp.Description("激活 ID"), mcp.Required()),
		mcp.WithBoolean("include_logs", mcp.Description("是否在结果中包含日志行（默认 false，日志可能很大）"), mcp.DefaultBool(false)),
	)
}

// handleActivationGet 返回获取激活记录工具的处理函数
// 默认剥离日志行以控制响应体积；logs_truncated 标志始终保留
//
// 参数:
//   - client: 网关客户端
//
// 返回:
//   - server.ToolHandlerFunc: 工具处理函数
func handleActivationGet(client *gatewayclient.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireString("id")
		if err != nil {
			return mcp.NewToolResultErrorFromErr("missing id", err), nil
		}

		act, err := client.GetActivation(ctx, id)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("get activation failed", err), nil
		}

		// 仅在请求时包含日志，避免响应过大
		if !request.GetBool("include_logs", false) {
			act.Logs = nil
		}

		out, err := mcp.NewToolResultJSON(act)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

// ============================================================================
// 限额策略工具
// ============================================================================

// newToolPolicyGet 创建获取限额策略工具定义
func newToolPolicyGet() mcp.Tool {
	return mcp.NewTool(
		"policy_get",
		mcp.WithDescription("获取平台的资源限额策略（各维度的 min/std/max 与平台级上限）"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
	)
}

// handlePolicyGet 返回获取限额策略工具的处理函数
//
// 参数:
//   - client: 网关客户端
//
// 返回:
//   - server.ToolHandlerFunc: 工具处理函数
func handlePolicyGet(client *gatewayclient.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pol, err := client.GetPolicy(ctx)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("get policy failed", err), nil
		}
		out, err := mcp.NewToolResultJSON(pol)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode result failed", err), nil
		}
		return out, nil
	}
}

// ============================================================================
// 辅助函数
// ============================================================================

// parseLimits 从工具参数中解析可选的限额声明
// 只有显式提供的维度才会出现在请求体中；logs_mb 的显式 0 是
// 合法声明（不采集日志），因此按参数是否存在而非零值判断
//
// 参数:
//   - args: 工具调用参数
//
// 返回:
//   - *gatewayclient.FunctionLimits: 限额声明，全部缺省时为 nil
//   - *mcp.CallToolResult: 参数非法时的错误结果
func parseLimits(args map[string]any) (*gatewayclient.FunctionLimits, *mcp.CallToolResult) {
	var limits gatewayclient.FunctionLimits
	declared := false

	if v, ok := args["timeout_ms"]; ok {
		n, ok := asInt(v)
		if !ok {
			return nil, mcp.NewToolResultError("timeout_ms must be an integer")
		}
		t := int64(n)
		limits.TimeoutMs = &t
		declared = true
	}
	if v, ok := args["memory_mb"]; ok {
		n, ok := asInt(v)
		if !ok {
			return nil, mcp.NewToolResultError("memory_mb must be an integer")
		}
		limits.MemoryMB = &n
		declared = true
	}
	if v, ok := args["logs_mb"]; ok {
		n, ok := asInt(v)
		if !ok {
			return nil, mcp.NewToolResultError("logs_mb must be an integer")
		}
		limits.LogsMB = &n
		declared = true
	}
	if v, ok := args["concurrency"]; ok {
		n, ok := asInt(v)
		if !ok {
			return nil, mcp.NewToolResultError("concurrency must be an integer")
		}
		limits.Concurrency = &n
		declared = true
	}

	if !declared {
		return nil, nil
	}
	return &limits, nil
}

// asInt 将任意数值类型转换为 int
//
// 参数:
//   - v: 输入值
//
// 返回:
//   - int: 转换后的整数
//   - bool: 转换是否成功
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// Package gatewayclient 提供访问 Stratus Gateway HTTP API 的 Go 客户端封装。
// 该包将函数管理、调用与激活记录查询接口封装为结构化方法，便于在程序中复用。
// 类型为独立的线格式定义，不依赖服务端内部包。
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client 是 Stratus Gateway HTTP API 客户端。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建一个新的客户端。
// baseURL 为空时默认使用 http://localhost:8080。
// 客户端超时取 310 秒：网关的阻塞调用最长挂起到本地等待上限
// （最大函数超时加 5 秒裕量），客户端需要等得比它更久。
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 310 * time.Second,
		},
	}
}

// FunctionLimits 表示函数的资源限额（与网关 API 的 JSON 字段对应）。
// nil 字段表示使用平台标准值。
type FunctionLimits struct {
	TimeoutMs   *int64 `json:"timeout,omitempty"`
	MemoryMB    *int   `json:"memory,omitempty"`
	LogsMB      *int   `json:"logs,omitempty"`
	Concurrency *int   `json:"concurrency,omitempty"`
}

// Function 表示函数对象（与网关 API 的 JSON 字段对应）。
type Function struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Runtime     string         `json:"runtime"`
	Handler     string         `json:"handler"`
	Code        string         `json:"code,omitempty"`
	CodeSize    int64          `json:"code_size"`
	CodeHash    string         `json:"code_hash,omitempty"`
	Limits      FunctionLimits `json:"limits"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateFunctionRequest 表示创建函数的请求体。
type CreateFunctionRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Runtime     string          `json:"runtime"`
	Handler     string          `json:"handler"`
	Code        string          `json:"code"`
	Limits      *FunctionLimits `json:"limits,omitempty"`
}

// UpdateFunctionRequest 表示更新函数的请求体（使用指针字段表示“是否更新该字段”）。
type UpdateFunctionRequest struct {
	Description *string         `json:"description,omitempty"`
	Handler     *string         `json:"handler,omitempty"`
	Code        *string         `json:"code,omitempty"`
	Limits      *FunctionLimits `json:"limits,omitempty"`
}

// ListFunctionsResponse 表示函数列表查询响应。
type ListFunctionsResponse struct {
	Functions []Function `json:"functions"`
	Total     int        `json:"total"`
}

// ActivationResponse 是激活记录中面向调用方的响应部分。
type ActivationResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Activation 表示一次函数调用的记录（与网关 API 的 JSON 字段对应）。
type Activation struct {
	ID              string             `json:"id"`
	FunctionID      string             `json:"function_id"`
	FunctionName    string             `json:"function_name"`
	Status          string             `json:"status"`
	Response        ActivationResponse `json:"response"`
	Logs            []string           `json:"logs,omitempty"`
	LogsTruncated   bool               `json:"logs_truncated"`
	ResultTruncated bool               `json:"result_truncated"`
	ColdStart       bool               `json:"cold_start"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	DurationMs      int64              `json:"duration_ms"`
	BilledTimeMs    int64              `json:"billed_time_ms"`
	MemoryPeakMB    int                `json:"memory_peak_mb,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// ListActivationsResponse 表示激活记录列表查询响应。
type ListActivationsResponse struct {
	Activations []Activation `json:"activations"`
	Total       int          `json:"total"`
}

// ActivationLogs 表示激活日志查询响应。
type ActivationLogs struct {
	ActivationID  string   `json:"activation_id"`
	Logs          []string `json:"logs"`
	LogsTruncated bool     `json:"logs_truncated"`
}

// Bounds 表示一个限额维度的 (min, std, max) 三元组。
type Bounds struct {
	Min int64 `json:"min"`
	Std int64 `json:"std"`
	Max int64 `json:"max"`
}

// LimitPolicy 表示网关的限额策略快照。
type LimitPolicy struct {
	Time                    Bounds `json:"time"`
	Memory                  Bounds `json:"memory"`
	LogSize                 Bounds `json:"logs"`
	Concurrency             Bounds `json:"concurrency"`
	ConcurrencyEnabled      bool   `json:"concurrency_enabled"`
	MaxCodeSize             int64  `json:"max_code_size"`
	MaxActivationEntitySize int64  `json:"max_activation_entity_size"`
}

// SchedulerStats 表示调度器队列的统计视图。
type SchedulerStats struct {
	QueueLength    int `json:"queue_length"`
	QueueCap       int `json:"queue_cap"`
	OverflowLength int `json:"overflow_length"`
	Workers        int `json:"workers"`
	Waiters        int `json:"waiters"`
}

// SandboxStats 表示沙箱池的统计视图。
type SandboxStats struct {
	Functions int `json:"functions"`
	Sandboxes int `json:"sandboxes"`
	InFlight  int `json:"in_flight"`
	Capacity  int `json:"capacity"`
}

// PlatformStats 表示平台级统计。
// Scheduler/Sandboxes 在网关未启用对应组件时为 nil。
type PlatformStats struct {
	Functions   int64           `json:"functions"`
	Activations int64           `json:"activations"`
	Scheduler   *SchedulerStats `json:"scheduler,omitempty"`
	Sandboxes   *SandboxStats   `json:"sandboxes,omitempty"`
}

// InvokeResult 表示一次调用提交的结果。
// 阻塞调用正常终结（成功或失败）时 Activation 非 nil；
// 等待上限到期或非阻塞调用时 Accepted 为 true，记录需稍后
// 凭 ActivationID 检索。
type InvokeResult struct {
	// ActivationID 是本次调用的激活 ID
	ActivationID string
	// Activation 是终态记录；尚未终结时为 nil
	Activation *Activation
	// Accepted 表示调用已被接受但尚未返回终态记录
	Accepted bool
}

// apiError 是网关返回的标准错误结构。
type apiError struct {
	Message   string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *apiError) Error() string {
	if e == nil || e.Message == "" {
		return "api error"
	}
	return e.Message
}

// do 是内部通用请求方法，负责：
// - 拼接 URL 与 query
// - JSON 编码请求体
// - 发起 HTTP 请求并解析 JSON 响应
// - 将 4xx/5xx 转换为可读错误
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if result == nil {
		return nil
	}
	if len(respBody) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// ==================== 函数管理 ====================

// CreateFunction 创建函数。
// 限额越界时返回网关的拒绝原因（消息包含 "allowed threshold"）；
// 代码超过平台上限时返回实体过大错误。
func (c *Client) CreateFunction(ctx context.Context, req *CreateFunctionRequest) (*Function, error) {
	var fn Function
	if err := c.do(ctx, http.MethodPost, "/api/v1/functions", nil, req, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

// ListFunctions 获取函数列表（支持 offset/limit 分页）。
func (c *Client) ListFunctions(ctx context.Context, offset, limit int) (*ListFunctionsResponse, error) {
	q := url.Values{}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp ListFunctionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/functions", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetFunction 根据 ID 或 name 获取函数详情。
func (c *Client) GetFunction(ctx context.Context, idOrName string) (*Function, error) {
	var fn Function
	if err := c.do(ctx, http.MethodGet, "/api/v1/functions/"+url.PathEscape(idOrName), nil, nil, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

// UpdateFunction 更新函数（按需更新请求体中提供的字段）。
// 提供的限额整体重新经过网关的准入校验。
func (c *Client) UpdateFunction(ctx context.Context, idOrName string, req *UpdateFunctionRequest) (*Function, error) {
	var fn Function
	if err := c.do(ctx, http.MethodPut, "/api/v1/functions/"+url.PathEscape(idOrName), nil, req, &fn); err != nil {
		return nil, err
	}
	return &fn, nil
}

// DeleteFunction 删除函数（按 ID 或 name）。
func (c *Client) DeleteFunction(ctx context.Context, idOrName string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/functions/"+url.PathEscape(idOrName), nil, nil, nil)
}

// ==================== 函数调用 ====================

// Invoke 阻塞调用函数并等待终态记录。
// 网关以 200（成功）或 502（平台限额或工作负载失败）返回完整记录，
// 两种情况都解析为 InvokeResult.Activation；等待上限到期时网关返回
// 202，结果的 Accepted 为 true。
func (c *Client) Invoke(ctx context.Context, idOrName string, payload json.RawMessage) (*InvokeResult, error) {
	return c.submit(ctx, "/api/v1/functions/"+url.PathEscape(idOrName)+"/invoke", payload)
}

// InvokeAsync 非阻塞调用函数，立即返回激活 ID。
func (c *Client) InvokeAsync(ctx context.Context, idOrName string, payload json.RawMessage) (*InvokeResult, error) {
	return c.submit(ctx, "/api/v1/functions/"+url.PathEscape(idOrName)+"/invoke/async", payload)
}

// submit 提交调用载荷并按状态码解析响应。
func (c *Client) submit(ctx context.Context, path string, payload json.RawMessage) (*InvokeResult, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadGateway:
		// 终态记录：200 为成功，502 为失败，两者响应体相同
		var act Activation
		if err := json.Unmarshal(respBody, &act); err != nil {
			return nil, fmt.Errorf("parse activation: %w", err)
		}
		return &InvokeResult{ActivationID: act.ID, Activation: &act}, nil
	case http.StatusAccepted:
		// 等待上限到期或非阻塞调用：只携带激活 ID
		var accepted struct {
			ActivationID string `json:"activation_id"`
		}
		if err := json.Unmarshal(respBody, &accepted); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return &InvokeResult{ActivationID: accepted.ActivationID, Accepted: true}, nil
	default:
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

// ==================== 激活记录 ====================

// GetActivation 获取激活记录详情。
func (c *Client) GetActivation(ctx context.Context, id string) (*Activation, error) {
	var act Activation
	if err := c.do(ctx, http.MethodGet, "/api/v1/activations/"+url.PathEscape(id), nil, nil, &act); err != nil {
		return nil, err
	}
	return &act, nil
}

// GetActivationLogs 获取激活日志（按采集顺序，被截断时最后一行为截断说明）。
func (c *Client) GetActivationLogs(ctx context.Context, id string) (*ActivationLogs, error) {
	var logs ActivationLogs
	if err := c.do(ctx, http.MethodGet, "/api/v1/activations/"+url.PathEscape(id)+"/logs", nil, nil, &logs); err != nil {
		return nil, err
	}
	return &logs, nil
}

// GetActivationResult 获取激活的响应载荷（结果或错误）。
func (c *Client) GetActivationResult(ctx context.Context, id string) (*ActivationResponse, error) {
	var result ActivationResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/activations/"+url.PathEscape(id)+"/result", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListActivations 获取激活记录列表。
// functionIDOrName 非空时按函数过滤。
func (c *Client) ListActivations(ctx context.Context, functionIDOrName string, offset, limit int) (*ListActivationsResponse, error) {
	q := url.Values{}
	if functionIDOrName != "" {
		q.Set("function_id", functionIDOrName)
	}
	if offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", offset))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp ListActivationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/activations", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ==================== 策略与系统 ====================

// GetPolicy 获取网关的限额策略快照。
func (c *Client) GetPolicy(ctx context.Context) (*LimitPolicy, error) {
	var pol LimitPolicy
	if err := c.do(ctx, http.MethodGet, "/api/v1/policy", nil, nil, &pol); err != nil {
		return nil, err
	}
	return &pol, nil
}

// GetStats 获取平台级统计（函数数、激活数、调度器与沙箱池状态）。
func (c *Client) GetStats(ctx context.Context) (*PlatformStats, error) {
	var stats PlatformStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Health 检查网关健康状态。
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

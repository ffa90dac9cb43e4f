// Package api 提供了 Stratus 平台的 HTTP API 处理程序。
// 该包实现了 RESTful API 接口，用于管理函数的注册、限额准入、调用与激活记录检索。
// 主要功能包括：
//   - 函数的 CRUD 操作（创建与更新时执行代码大小检查与限额准入校验）
//   - 阻塞和非阻塞函数调用（载荷大小在分配任何沙箱之前检查）
//   - 激活记录、日志与结果的查询
//   - 限额策略快照、健康检查和统计信息
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/events"
	"github.com/oriys/stratus/internal/metrics"
	"github.com/oriys/stratus/internal/policy"
	"github.com/oriys/stratus/internal/sandbox"
	"github.com/oriys/stratus/internal/scheduler"
	"github.com/oriys/stratus/internal/storage"
	"github.com/sirupsen/logrus"
)

// Handler 是API请求处理器的核心结构体。
// 它封装了数据存储层、限额策略和调度器的依赖，负责处理所有HTTP请求。
//
// 字段说明：
//   - store: 持久化存储接口，用于函数定义和激活记录
//   - cache: Redis存储接口，用于激活记录的热查询缓存；可为 nil
//   - scheduler: 函数调度器接口，负责函数的实际执行调度
//   - pool: 沙箱池，函数更新/删除时作废本地常驻沙箱；可为 nil
//   - policy: 平台限额策略，创建/更新/调用时的准入检查
//   - bus: 事件总线，广播函数生命周期事件；可为 nil
//   - metrics: 指标收集器，记录准入拒绝；可为 nil
//   - logger: 日志记录器，用于记录调试和错误信息
type Handler struct {
	store     Store
	cache     *storage.RedisStore
	scheduler Scheduler
	pool      *sandbox.Pool
	policy    *policy.LimitPolicy
	bus       *events.EventBus
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// Store 定义了处理器所需的持久化能力。
// 生产实现为 storage.PostgresStore；测试中以内存实现替代。
type Store interface {
	CreateFunction(fn *domain.Function) error
	GetFunctionByID(id string) (*domain.Function, error)
	GetFunctionByName(name string) (*domain.Function, error)
	ListFunctions(offset, limit int) ([]*domain.Function, int, error)
	UpdateFunction(fn *domain.Function) error
	DeleteFunction(id string) error
	GetActivationByID(id string) (*domain.Activation, error)
	ListActivationsByFunction(functionID string, offset, limit int) ([]*domain.Activation, int, error)
	ListActivations(offset, limit int) ([]*domain.Activation, int, error)
	CountFunctions() (int, error)
	CountActivations() (int, error)
	Ping(ctx context.Context) error
}

// Scheduler 定义了函数调度器的接口。
// 实现该接口的调度器负责管理函数的执行环境和调用流程。
//
// 方法说明：
//   - Invoke: 阻塞调用函数，挂起等待终态记录或本地等待上限
//   - InvokeAsync: 非阻塞调用函数，立即返回激活ID，后台执行
//   - Stats: 返回调度器的运行时统计信息
type Scheduler interface {
	// Invoke 阻塞调用函数
	// 参数 ctx: 请求上下文，调用方断开时取消等待（执行继续）
	// 参数 req: 调用请求，包含函数ID、载荷等信息
	// 返回值: 终态激活记录和可能的错误；等待上限到期返回
	// ErrWaitCeilingExceeded 并附带 running 状态的记录
	Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.Activation, error)

	// InvokeAsync 非阻塞调用函数
	// 参数 req: 调用请求，包含函数ID、载荷等信息
	// 返回值: 激活ID（用于后续查询执行结果）和可能的错误
	InvokeAsync(req *domain.InvokeRequest) (string, error)

	// Stats 返回调度器统计信息
	Stats() scheduler.SchedulerStats
}

// NewHandler 创建并返回一个新的Handler实例。
//
// 参数：
//   - store: 持久化存储实例
//   - cache: Redis存储实例，用于激活记录缓存；可为 nil
//   - sched: 函数调度器实例，用于执行函数调用
//   - pool: 沙箱池实例；可为 nil
//   - pol: 平台限额策略
//   - bus: 事件总线实例；可为 nil
//   - m: 指标收集器实例；可为 nil
//   - logger: 日志记录器实例，用于记录调试信息
//
// 返回值：
//   - *Handler: 初始化完成的处理器实例
func NewHandler(store Store, cache *storage.RedisStore, sched Scheduler, pool *sandbox.Pool, pol *policy.LimitPolicy, bus *events.EventBus, m *metrics.Metrics, logger *logrus.Logger) *Handler {
	return &Handler{
		store:     store,
		cache:     cache,
		scheduler: sched,
		pool:      pool,
		policy:    pol,
		bus:       bus,
		metrics:   m,
		logger:    logger,
	}
}

// ==================== 函数管理处理器 ====================

// CreateFunction 处理创建函数的请求。
// HTTP端点: POST /api/v1/functions
//
// 功能说明：
//   - 解析并验证请求体中的函数配置
//   - 检查代码载荷是否超过平台上限（超限返回413，早于任何限额校验）
//   - 按平台策略校验请求的限额：越界维度被拒绝（400），缺失维度填充为标准值
//   - 检查函数名称是否已存在（防止重复）
//   - 持久化携带归一化限额的函数定义
//
// 请求体格式: domain.CreateFunctionRequest (JSON)
// 响应格式: 成功返回201和函数信息（含归一化后的限额）
func (h *Handler) CreateFunction(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	h.logInfo(r, "CreateFunction", "开始创建函数", logrus.Fields{"request_id": requestID})

	// 解析请求体中的JSON数据
	var req domain.CreateFunctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logError(r, "CreateFunction", "解析请求体失败", err, nil)
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	h.logDebug(r, "CreateFunction", "请求参数", logrus.Fields{
		"name":    req.Name,
		"runtime": req.Runtime,
		"handler": req.Handler,
	})

	// 验证请求参数的结构完整性
	if err := req.Validate(); err != nil {
		h.logError(r, "CreateFunction", "参数验证失败", err, logrus.Fields{"name": req.Name})
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 代码大小检查先于限额校验：这是传输层拒绝，与限额是否合法无关
	if err := h.policy.ValidateCodeSize(int64(len(req.Code))); err != nil {
		h.logWarn(r, "CreateFunction", "代码载荷超过平台上限", logrus.Fields{"name": req.Name, "code_size": len(req.Code)})
		if h.metrics != nil {
			h.metrics.RecordRejection("code_too_large")
		}
		writeErrorWithContext(w, r, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	// 按策略校验请求的限额：越界拒绝，缺失填充标准值
	var requested domain.FunctionLimits
	if req.Limits != nil {
		requested = *req.Limits
	}
	validated, err := h.policy.Validate(requested)
	if err != nil {
		h.logWarn(r, "CreateFunction", "限额准入校验失败", logrus.Fields{"name": req.Name, "reason": err.Error()})
		if h.metrics != nil {
			h.metrics.RecordRejection("limit_out_of_range")
		}
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 检查是否存在同名函数，防止重复创建
	existing, _ := h.store.GetFunctionByName(req.Name)
	if existing != nil {
		h.logWarn(r, "CreateFunction", "函数名称已存在", logrus.Fields{"name": req.Name})
		writeErrorWithContext(w, r, http.StatusConflict, "function with this name already exists")
		return
	}

	// 构建函数对象，限额为校验归一化后的副本
	fn := &domain.Function{
		Name:        req.Name,
		Description: req.Description,
		Runtime:     req.Runtime,
		Handler:     req.Handler,
		Code:        req.Code,
		CodeSize:    int64(len(req.Code)),
		CodeHash:    domain.HashCode(req.Code),
		Limits:      validated,
	}

	if err := h.store.CreateFunction(fn); err != nil {
		if errors.Is(err, domain.ErrFunctionExists) {
			writeErrorWithContext(w, r, http.StatusConflict, "function with this name already exists")
			return
		}
		h.logError(r, "CreateFunction", "持久化函数失败", err, logrus.Fields{"name": req.Name})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to create function: "+err.Error())
		return
	}

	// 广播生命周期事件（尽力而为，不影响响应）
	if h.bus != nil {
		if err := h.bus.PublishFunctionCreated(r.Context(), fn); err != nil {
			h.logWarn(r, "CreateFunction", "发布函数创建事件失败", logrus.Fields{"name": fn.Name, "error": err.Error()})
		}
	}

	h.logInfo(r, "CreateFunction", "函数创建成功", logrus.Fields{"function": fn.Name, "id": fn.ID})
	writeJSON(w, http.StatusCreated, fn)
}

// GetFunction 处理获取单个函数详情的请求。
// HTTP端点: GET /api/v1/functions/{id}
//
// 路径参数：
//   - id: 函数的唯一标识符或名称
//
// 返回值：
//   - 200: 函数详情（含归一化后的限额）
//   - 404: 函数不存在
func (h *Handler) GetFunction(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "id")
	if idOrName == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "function id or name required")
		return
	}

	// 解析函数标识符，如果提供的是名称则转换为ID
	fn, err := h.store.GetFunctionByID(idOrName)
	if err == domain.ErrFunctionNotFound {
		fn, err = h.store.GetFunctionByName(idOrName)
	}
	if err == domain.ErrFunctionNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "function not found: "+idOrName)
		return
	}
	if err != nil {
		h.logError(r, "GetFunction", "查询函数失败", err, logrus.Fields{"function": idOrName})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get function: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, fn)
}

// ListFunctions 处理获取函数列表的请求。
// HTTP端点: GET /api/v1/functions
//
// Query 参数：
//   - offset: 偏移量（默认 0）
//   - limit: 每页数量（默认 20，最大 100）
//
// 返回值：
//   - functions: 函数列表
//   - total: 函数总数（用于分页计算）
func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r, 20, 100)

	functions, total, err := h.store.ListFunctions(offset, limit)
	if err != nil {
		h.logError(r, "ListFunctions", "查询函数列表失败", err, nil)
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list functions: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"functions": functions,
		"total":     total,
	})
}

// UpdateFunction 处理更新函数的请求。
// HTTP端点: PUT /api/v1/functions/{id}
//
// 功能说明：
//   - 支持部分更新：未出现的字段保持原值
//   - 代码变更时重新执行代码大小检查（413）
//   - 限额变更时整体重新经过准入校验（400），与创建时同一套规则
//   - 更新成功后作废该函数的常驻沙箱，避免继续以旧代码或旧限额执行
//
// 请求体格式: domain.UpdateFunctionRequest (JSON)
// 响应格式: 成功返回200和更新后的函数信息
func (h *Handler) UpdateFunction(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "id")
	if idOrName == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "function id or name required")
		return
	}

	h.logInfo(r, "UpdateFunction", "开始更新函数", logrus.Fields{"function": idOrName})

	// 解析函数标识符，如果提供的是名称则转换为ID
	fn, err := h.store.GetFunctionByID(idOrName)
	if err == domain.ErrFunctionNotFound {
		fn, err = h.store.GetFunctionByName(idOrName)
	}
	if err == domain.ErrFunctionNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "function not found: "+idOrName)
		return
	}
	if err != nil {
		h.logError(r, "UpdateFunction", "查询函数失败", err, logrus.Fields{"function": idOrName})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get function: "+err.Error())
		return
	}

	var req domain.UpdateFunctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logError(r, "UpdateFunction", "解析请求体失败", err, nil)
		writeErrorWithContext(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := req.Validate(); err != nil {
		writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// 代码变更先过代码大小检查，顺序与创建时一致
	if req.Code != nil {
		if err := h.policy.ValidateCodeSize(int64(len(*req.Code))); err != nil {
			h.logWarn(r, "UpdateFunction", "代码载荷超过平台上限", logrus.Fields{"function": fn.Name, "code_size": len(*req.Code)})
			if h.metrics != nil {
				h.metrics.RecordRejection("code_too_large")
			}
			writeErrorWithContext(w, r, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
	}

	// 限额变更整体重新经过准入校验
	if req.Limits != nil {
		validated, err := h.policy.Validate(*req.Limits)
		if err != nil {
			h.logWarn(r, "UpdateFunction", "限额准入校验失败", logrus.Fields{"function": fn.Name, "reason": err.Error()})
			if h.metrics != nil {
				h.metrics.RecordRejection("limit_out_of_range")
			}
			writeErrorWithContext(w, r, http.StatusBadRequest, err.Error())
			return
		}
		fn.Limits = validated
	}

	if req.Description != nil {
		fn.Description = *req.Description
	}
	if req.Handler != nil {
		fn.Handler = *req.Handler
	}
	if req.Code != nil {
		fn.Code = *req.Code
		fn.CodeSize = int64(len(*req.Code))
		fn.CodeHash = domain.HashCode(*req.Code)
	}

	// 保存更新后的函数
	if err := h.store.UpdateFunction(fn); err != nil {
		h.logError(r, "UpdateFunction", "保存函数失败", err, logrus.Fields{"function": fn.Name})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to update function: "+err.Error())
		return
	}

	// 作废本地常驻沙箱；其他实例经事件总线收到同样的作废信号
	if h.pool != nil {
		h.pool.Invalidate(fn.ID)
		h.logDebug(r, "UpdateFunction", "常驻沙箱已作废", logrus.Fields{"function": fn.Name})
	}
	if h.bus != nil {
		if err := h.bus.PublishFunctionUpdated(r.Context(), fn); err != nil {
			h.logWarn(r, "UpdateFunction", "发布函数更新事件失败", logrus.Fields{"function": fn.Name, "error": err.Error()})
		}
	}

	h.logInfo(r, "UpdateFunction", "函数更新成功", logrus.Fields{"function": fn.Name, "id": fn.ID})
	writeJSON(w, http.StatusOK, fn)
}

// DeleteFunction 处理删除函数的请求。
// HTTP端点: DELETE /api/v1/functions/{id}
//
// 功能说明：
//   - 永久删除指定的函数（关联的激活记录级联删除）
//   - 支持通过函数ID或名称定位要删除的函数
//   - 删除后作废该函数的常驻沙箱
//
// 路径参数：
//   - id: 函数的唯一标识符或名称
//
// 返回值：
//   - 204: 删除成功（无内容返回）
//   - 404: 函数不存在
//   - 500: 服务器内部错误
func (h *Handler) DeleteFunction(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "id")
	if idOrName == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "function id or name required")
		return
	}

	h.logInfo(r, "DeleteFunction", "开始删除函数", logrus.Fields{"function": idOrName})

	// 解析函数标识符，如果提供的是名称则转换为ID
	fn, err := h.store.GetFunctionByID(idOrName)
	if err == domain.ErrFunctionNotFound {
		fn, err = h.store.GetFunctionByName(idOrName)
	}
	if err == domain.ErrFunctionNotFound {
		h.logWarn(r, "DeleteFunction", "函数不存在", logrus.Fields{"function": idOrName})
		writeErrorWithContext(w, r, http.StatusNotFound, "function not found: "+idOrName)
		return
	}
	if err != nil {
		h.logError(r, "DeleteFunction", "查询函数失败", err, logrus.Fields{"function": idOrName})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get function: "+err.Error())
		return
	}

	// 执行删除操作
	if err := h.store.DeleteFunction(fn.ID); err != nil {
		h.logError(r, "DeleteFunction", "删除函数失败", err, logrus.Fields{"function": fn.Name, "id": fn.ID})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to delete function: "+err.Error())
		return
	}

	// 作废常驻沙箱并广播删除事件
	if h.pool != nil {
		h.pool.Invalidate(fn.ID)
		h.logDebug(r, "DeleteFunction", "常驻沙箱已作废", logrus.Fields{"function": fn.Name})
	}
	if h.bus != nil {
		if err := h.bus.PublishFunctionDeleted(r.Context(), fn); err != nil {
			h.logWarn(r, "DeleteFunction", "发布函数删除事件失败", logrus.Fields{"function": fn.Name, "error": err.Error()})
		}
	}

	h.logInfo(r, "DeleteFunction", "函数删除成功", logrus.Fields{"function": fn.Name, "id": fn.ID})
	// 返回204 No Content表示删除成功
	w.WriteHeader(http.StatusNoContent)
}

// ==================== 函数调用处理器 ====================

// InvokeFunction 处理函数调用请求。
// HTTP端点: POST /api/v1/functions/{id}/invoke
//
// 功能说明：
//   - 默认为阻塞调用：挂起等待终态激活记录
//   - 查询参数 blocking=false 时转为非阻塞调用，立即返回激活ID
//   - 调用载荷在分配任何沙箱之前做实体大小检查（超限413）
//
// 响应语义（阻塞）：
//   - 200: 激活成功，返回完整激活记录
//   - 502: 激活终结为 application_error 或 developer_error，返回激活记录
//     （超时消息携带配置的时长与阶段；截断消息携带标记后的载荷）
//   - 202: 本地等待上限到期，返回激活ID供稍后检索
//   - 429: 工作队列已满（背压）
func (h *Handler) InvokeFunction(w http.ResponseWriter, r *http.Request) {
	blocking := r.URL.Query().Get("blocking") != "false"
	h.invoke(w, r, blocking)
}

// InvokeFunctionAsync 处理强制非阻塞的函数调用请求。
// HTTP端点: POST /api/v1/functions/{id}/invoke/async
//
// 功能说明：
//   - 立即返回202和激活ID，函数在后台执行
//   - 本地队列满时调用溢出到 Redis 队列，由回灌协程拉回处理
func (h *Handler) InvokeFunctionAsync(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, false)
}

// invoke 是阻塞/非阻塞调用的公共路径。
// 负责解析函数标识、读取并检查载荷、提交调度器并映射响应语义。
func (h *Handler) invoke(w http.ResponseWriter, r *http.Request, blocking bool) {
	idOrName := chi.URLParam(r, "id")
	if idOrName == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "function id or name required")
		return
	}

	// 解析函数标识符，如果提供的是名称则转换为ID
	fn, err := h.store.GetFunctionByID(idOrName)
	if err == domain.ErrFunctionNotFound {
		fn, err = h.store.GetFunctionByName(idOrName)
	}
	if err == domain.ErrFunctionNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "function not found: "+idOrName)
		return
	}
	if err != nil {
		h.logError(r, "InvokeFunction", "查询函数失败", err, logrus.Fields{"function": idOrName})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get function: "+err.Error())
		return
	}

	// 读取调用载荷；读取量以实体上限封顶，防止超大请求体耗尽内存
	r.Body = http.MaxBytesReader(w, r.Body, h.policy.MaxActivationEntitySize+1)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordRejection("payload_too_large")
		}
		writeErrorWithContext(w, r, http.StatusRequestEntityTooLarge, "request payload too large")
		return
	}

	// 载荷大小检查在分配任何沙箱之前完成
	if err := h.policy.ValidatePayloadSize(int64(len(body))); err != nil {
		h.logWarn(r, "InvokeFunction", "调用载荷超过实体上限", logrus.Fields{"function": fn.Name, "payload_size": len(body)})
		if h.metrics != nil {
			h.metrics.RecordRejection("payload_too_large")
		}
		writeErrorWithContext(w, r, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	payload := json.RawMessage(body)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	req := &domain.InvokeRequest{
		FunctionID: fn.ID,
		Payload:    payload,
		Async:      !blocking,
	}

	h.logDebug(r, "InvokeFunction", "提交激活", logrus.Fields{
		"function": fn.Name,
		"blocking": blocking,
	})

	if !blocking {
		activationID, err := h.scheduler.InvokeAsync(req)
		if err != nil {
			h.writeInvokeError(w, r, fn, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"activation_id": activationID,
			"status":        "accepted",
		})
		return
	}

	act, err := h.scheduler.Invoke(r.Context(), req)
	switch {
	case err == nil:
		// 平台限额导致的失败与工作负载自身的失败都以记录原样返回，
		// 状态码区分成功与否
		if act.Status == domain.ActivationSuccess {
			writeJSON(w, http.StatusOK, act)
			return
		}
		writeJSON(w, http.StatusBadGateway, act)
	case errors.Is(err, domain.ErrWaitCeilingExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		// 等待上限到期或调用方断开：执行在后台继续，
		// 记录可稍后凭激活 ID 检索
		writeJSON(w, http.StatusAccepted, map[string]string{
			"activation_id": act.ID,
			"status":        "accepted",
		})
	default:
		h.writeInvokeError(w, r, fn, err)
	}
}

// writeInvokeError 把调度器的提交错误映射为HTTP响应。
func (h *Handler) writeInvokeError(w http.ResponseWriter, r *http.Request, fn *domain.Function, err error) {
	switch {
	case errors.Is(err, domain.ErrQueueFull):
		h.logWarn(r, "InvokeFunction", "工作队列已满", logrus.Fields{"function": fn.Name})
		writeErrorWithContext(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrFunctionNotFound):
		writeErrorWithContext(w, r, http.StatusNotFound, "function not found: "+fn.ID)
	default:
		h.logError(r, "InvokeFunction", "提交激活失败", err, logrus.Fields{"function": fn.Name})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to invoke function: "+err.Error())
	}
}

// ==================== 激活记录处理器 ====================

// GetActivation 处理获取激活记录详情的请求。
// HTTP端点: GET /api/v1/activations/{id}
//
// 功能说明：
//   - 优先从 Redis 缓存读取（完成后的短窗口内记录大概率被检索）
//   - 缓存未命中时回源数据库
//
// 返回值：
//   - 200: 完整的激活记录
//   - 404: 记录不存在
func (h *Handler) GetActivation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "activation id required")
		return
	}

	act, err := h.lookupActivation(r.Context(), id)
	if err == domain.ErrActivationNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "activation not found: "+id)
		return
	}
	if err != nil {
		h.logError(r, "GetActivation", "查询激活记录失败", err, logrus.Fields{"activation_id": id})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get activation: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, act)
}

// GetActivationLogs 处理获取激活日志的请求。
// HTTP端点: GET /api/v1/activations/{id}/logs
//
// 返回值：
//   - logs: 按采集顺序排列的日志行；被截断时最后一行为合成的截断说明
//   - logs_truncated: 日志是否被治理器截断
func (h *Handler) GetActivationLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "activation id required")
		return
	}

	act, err := h.lookupActivation(r.Context(), id)
	if err == domain.ErrActivationNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "activation not found: "+id)
		return
	}
	if err != nil {
		h.logError(r, "GetActivationLogs", "查询激活记录失败", err, logrus.Fields{"activation_id": id})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get activation: "+err.Error())
		return
	}

	logs := act.Logs
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activation_id":  act.ID,
		"logs":           logs,
		"logs_truncated": act.LogsTruncated,
	})
}

// GetActivationResult 处理获取激活响应载荷的请求。
// HTTP端点: GET /api/v1/activations/{id}/result
//
// 返回值：
//   - 200: 激活记录的响应部分（结果或错误载荷）
//   - 404: 记录不存在
func (h *Handler) GetActivationResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "activation id required")
		return
	}

	act, err := h.lookupActivation(r.Context(), id)
	if err == domain.ErrActivationNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "activation not found: "+id)
		return
	}
	if err != nil {
		h.logError(r, "GetActivationResult", "查询激活记录失败", err, logrus.Fields{"activation_id": id})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get activation: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, act.Response)
}

// ListActivations 处理获取激活记录列表的请求。
// HTTP端点: GET /api/v1/activations
//
// Query 参数：
//   - function_id: 按函数过滤（可选，接受函数ID或名称）
//   - offset: 偏移量（默认 0）
//   - limit: 每页数量（默认 20，最大 100）
//
// 返回值：
//   - activations: 激活记录列表（按创建时间倒序）
//   - total: 记录总数
func (h *Handler) ListActivations(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r, 20, 100)

	functionID := r.URL.Query().Get("function_id")
	if functionID == "" {
		activations, total, err := h.store.ListActivations(offset, limit)
		if err != nil {
			h.logError(r, "ListActivations", "查询激活记录列表失败", err, nil)
			writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list activations: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"activations": activations,
			"total":       total,
		})
		return
	}

	// 过滤参数可能是函数名称，先归一化为ID
	fn, err := h.store.GetFunctionByID(functionID)
	if err == domain.ErrFunctionNotFound {
		fn, err = h.store.GetFunctionByName(functionID)
	}
	if err == domain.ErrFunctionNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "function not found: "+functionID)
		return
	}
	if err != nil {
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get function: "+err.Error())
		return
	}

	activations, total, err := h.store.ListActivationsByFunction(fn.ID, offset, limit)
	if err != nil {
		h.logError(r, "ListActivations", "查询激活记录列表失败", err, logrus.Fields{"function": fn.Name})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list activations: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activations": activations,
		"total":       total,
	})
}

// ListFunctionActivations 处理获取指定函数激活记录的请求。
// HTTP端点: GET /api/v1/functions/{id}/activations
func (h *Handler) ListFunctionActivations(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "id")
	if idOrName == "" {
		writeErrorWithContext(w, r, http.StatusBadRequest, "function id or name required")
		return
	}

	fn, err := h.store.GetFunctionByID(idOrName)
	if err == domain.ErrFunctionNotFound {
		fn, err = h.store.GetFunctionByName(idOrName)
	}
	if err == domain.ErrFunctionNotFound {
		writeErrorWithContext(w, r, http.StatusNotFound, "function not found: "+idOrName)
		return
	}
	if err != nil {
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to get function: "+err.Error())
		return
	}

	offset, limit := parsePagination(r, 20, 100)
	activations, total, err := h.store.ListActivationsByFunction(fn.ID, offset, limit)
	if err != nil {
		h.logError(r, "ListFunctionActivations", "查询激活记录列表失败", err, logrus.Fields{"function": fn.Name})
		writeErrorWithContext(w, r, http.StatusInternalServerError, "failed to list activations: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activations": activations,
		"total":       total,
	})
}

// lookupActivation 按ID检索激活记录，优先命中 Redis 缓存。
func (h *Handler) lookupActivation(ctx context.Context, id string) (*domain.Activation, error) {
	if h.cache != nil {
		if act, err := h.cache.GetCachedActivation(ctx, id); err == nil && act != nil {
			return act, nil
		}
	}
	return h.store.GetActivationByID(id)
}

// ==================== 策略与系统处理器 ====================

// GetPolicy 处理获取限额策略快照的请求。
// HTTP端点: GET /api/v1/policy
//
// 功能说明：
//   - 返回进程启动时加载的 LimitPolicy（各维度边界与平台级上限）
//   - 策略在进程生命周期内只读，该端点可安全缓存
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policy)
}

// Health 处理基本健康检查请求。
// HTTP端点: GET /health
//
// 返回值：{"status": "healthy"}
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready 处理Kubernetes就绪探针请求。
// HTTP端点: GET /health/ready
//
// 功能说明：
//   - 检查服务是否已准备好接收流量
//   - 验证数据库连接是否正常
//   - 用于Kubernetes的readiness probe
//
// 返回值：
//   - 200: 服务就绪
//   - 503: 服务未就绪（如数据库连接失败）
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	// 检查数据库连接
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live 处理Kubernetes存活探针请求。
// HTTP端点: GET /health/live
//
// 功能说明：
//   - 检查服务进程是否存活
//   - 用于Kubernetes的liveness probe
//   - 如果该端点无响应，Kubernetes将重启Pod
//
// 返回值：{"status": "alive"}
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Stats 处理获取系统统计信息的请求。
// HTTP端点: GET /api/v1/stats
//
// 功能说明：
//   - 返回系统的基本统计数据
//   - 包括函数总数、激活总数、调度器队列与沙箱池状态
//
// 返回值：
//   - functions: 系统中的函数总数
//   - activations: 累计激活次数
//   - scheduler: 调度器队列统计
//   - sandboxes: 沙箱池统计
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	// 获取函数和激活的统计数量
	fnCount, _ := h.store.CountFunctions()
	actCount, _ := h.store.CountActivations()

	resp := map[string]interface{}{
		"functions":   fnCount,
		"activations": actCount,
	}
	if h.scheduler != nil {
		resp["scheduler"] = h.scheduler.Stats()
	}
	if h.pool != nil {
		resp["sandboxes"] = h.pool.Stats()
	}

	writeJSON(w, http.StatusOK, resp)
}

// parsePagination 解析分页查询参数，返回归一化后的 offset 与 limit。
func parsePagination(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit
}

// ==================== 响应与日志辅助方法 ====================

// writeJSON 将数据以JSON格式写入HTTP响应。
//
// 参数：
//   - w: HTTP响应写入器
//   - status: HTTP状态码
//   - data: 要序列化为JSON的数据对象
//
// 功能说明：
//   - 设置Content-Type为application/json
//   - 写入指定的HTTP状态码
//   - 将data序列化为JSON并写入响应体
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 是增强的错误响应结构体。
// 包含错误信息、堆栈跟踪和请求追踪信息，方便前端和CLI调试。
type ErrorResponse struct {
	Error     string `json:"error"`                // 错误消息
	Stack     string `json:"stack,omitempty"`      // 堆栈跟踪信息
	RequestID string `json:"request_id,omitempty"` // 请求ID，用于关联日志
	TraceID   string `json:"trace_id,omitempty"`   // 链路追踪ID
}

// getStackTrace 获取当前调用堆栈信息。
// skip 参数指定跳过的调用层数（不包含 getStackTrace 自身）。
func getStackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 跳过 Callers 和 getStackTrace
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		// 过滤掉标准库和第三方库的调用
		if strings.Contains(frame.File, "runtime/") ||
			strings.Contains(frame.File, "net/http") {
			if !more {
				break
			}
			continue
		}
		sb.WriteString(frame.Function)
		sb.WriteString("\n\t")
		sb.WriteString(frame.File)
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(frame.Line))
		sb.WriteString("\n")
		if !more {
			break
		}
	}
	return sb.String()
}

// writeError 将错误信息以JSON格式写入HTTP响应。
//
// 参数：
//   - w: HTTP响应写入器
//   - status: HTTP错误状态码
//   - message: 错误描述信息
//
// 功能说明：
//   - 封装错误信息为统一的JSON格式，包含堆栈跟踪
//   - 自动从响应头提取 request_id
//   - 便于客户端统一处理错误响应
func writeError(w http.ResponseWriter, status int, message string) {
	// 获取堆栈信息
	stack := getStackTrace(1)

	// 尝试从响应头获取 request_id（由 middleware.RequestID 设置）
	requestID := w.Header().Get("X-Request-Id")

	errResp := ErrorResponse{
		Error:     message,
		Stack:     stack,
		RequestID: requestID,
	}

	writeJSON(w, status, errResp)
}

// writeErrorWithContext 将错误信息以JSON格式写入HTTP响应，带请求上下文。
//
// 参数：
//   - w: HTTP响应写入器
//   - r: HTTP请求，用于提取上下文信息
//   - status: HTTP错误状态码
//   - message: 错误描述信息
//
// 功能说明：
//   - 封装错误信息为统一的JSON格式，包含堆栈跟踪
//   - 从请求上下文中提取 request_id
//   - 便于客户端统一处理错误响应和调试
func writeErrorWithContext(w http.ResponseWriter, r *http.Request, status int, message string) {
	// 获取堆栈信息
	stack := getStackTrace(1)

	// 从请求上下文获取 request_id
	requestID := middleware.GetReqID(r.Context())

	errResp := ErrorResponse{
		Error:     message,
		Stack:     stack,
		RequestID: requestID,
	}

	writeJSON(w, status, errResp)
}

// ==================== 日志辅助方法 ====================

// logInfo 记录信息级别日志
func (h *Handler) logInfo(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Info(message)
}

// logDebug 记录调试级别日志
func (h *Handler) logDebug(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Debug(message)
}

// logWarn 记录警告级别日志
func (h *Handler) logWarn(r *http.Request, method, message string, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn(message)
}

// logError 记录错误级别日志
func (h *Handler) logError(r *http.Request, method, message string, err error, fields logrus.Fields) {
	if h.logger == nil {
		return
	}
	entry := h.logger.WithFields(logrus.Fields{
		"method":     method,
		"path":       r.URL.Path,
		"remote_ip":  r.RemoteAddr,
		"request_id": middleware.GetReqID(r.Context()),
		"stack":      getStackTrace(1),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}

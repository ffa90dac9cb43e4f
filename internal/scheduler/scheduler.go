// Package scheduler 提供函数调度器的实现。
// 该包负责管理函数激活请求的调度和执行，支持阻塞和非阻塞两种调用模式。
// 调度器使用工作队列模式，通过多个工作协程并行处理激活请求。
// 主要功能包括：
//   - 激活请求的排队和分发（本地队列满时非阻塞调用溢出到 Redis）
//   - 沙箱槽位的获取和释放
//   - 看门狗、日志治理器与终态分类器的挂接
//   - 完成通知的本地推送与跨实例广播
//   - 激活指标的收集和上报
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/stratus/internal/completion"
	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/events"
	"github.com/oriys/stratus/internal/governor"
	"github.com/oriys/stratus/internal/metrics"
	"github.com/oriys/stratus/internal/outcome"
	"github.com/oriys/stratus/internal/policy"
	"github.com/oriys/stratus/internal/sandbox"
	"github.com/oriys/stratus/internal/storage"
	"github.com/oriys/stratus/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store 定义调度器所需的持久化能力。
// 生产实现为 storage.PostgresStore；测试中以内存实现替代。
type Store interface {
	GetFunctionByID(id string) (*domain.Function, error)
	CreateActivation(act *domain.Activation) error
	UpdateActivation(act *domain.Activation) error
	GetActivationByID(id string) (*domain.Activation, error)
}

// Scheduler 是基于进程内沙箱池的函数调度器。
// 它负责接收激活请求，将其分配给工作协程处理，
// 并管理沙箱槽位的获取和释放。
// Scheduler 支持阻塞调用（挂起等待终态记录）和非阻塞调用（立即返回激活ID）两种模式。
type Scheduler struct {
	cfg     config.SchedulerConfig // 调度器配置，包括工作协程数量、队列大小等
	store   Store                  // 持久化存储，用于函数定义和激活记录
	redis   *storage.RedisStore    // Redis 存储，用于非阻塞调用的队列溢出与记录缓存
	pool    *sandbox.Pool          // 沙箱池，管理预热沙箱与并发槽位
	policy  *policy.LimitPolicy    // 平台限额策略，提供阻塞等待上限
	hub     *completion.Hub        // 完成通知注册表，阻塞调用方的唤醒通道
	bus     *events.EventBus       // 事件总线，跨实例广播激活完成事件；可为 nil
	metrics *metrics.Metrics       // 指标收集器，用于记录调度器性能指标
	logger  *logrus.Logger         // 日志记录器

	workQueue chan *workItem // 工作队列，存放待处理的激活请求
	workers   []*worker      // 工作协程列表
	wg        sync.WaitGroup // 等待组，用于优雅关闭时等待所有工作协程完成

	ctx    context.Context    // 调度器上下文，用于控制生命周期
	cancel context.CancelFunc // 取消函数，用于停止调度器
}

// workItem 表示一个待处理的工作项。
// 它封装了一次激活所需的全部信息：激活记录与函数定义。
// 阻塞调用方不在工作项上等待，而是在完成通道上订阅激活 ID。
type workItem struct {
	activation *domain.Activation // 激活记录，包含激活ID、输入参数与生效限额
	function   *domain.Function   // 函数定义，包含运行时、入口点、代码与限额配置
}

// worker 表示一个工作协程。
// 每个 worker 从工作队列中获取任务并处理，直到调度器停止。
type worker struct {
	id        int        // 工作协程的唯一标识符
	scheduler *Scheduler // 所属的调度器实例
}

// NewScheduler 创建一个新的函数调度器实例。
//
// 参数:
//   - cfg: 调度器配置，包含工作协程数量、队列大小等设置
//   - store: 持久化存储，用于函数定义和激活记录
//   - redis: Redis 存储实例，用于处理工作队列溢出与激活记录缓存；可为 nil
//   - pool: 沙箱池实例，管理预热沙箱资源
//   - pol: 平台限额策略，提供阻塞等待上限
//   - hub: 完成通知注册表
//   - bus: 事件总线，用于跨实例广播激活完成；可为 nil
//   - m: 指标收集器，用于记录调度器运行指标；可为 nil
//   - logger: 日志记录器实例
//
// 返回值:
//   - *Scheduler: 初始化完成的调度器实例，调用 Start() 方法后开始处理请求
func NewScheduler(
	cfg config.SchedulerConfig,
	store Store,
	redis *storage.RedisStore,
	pool *sandbox.Pool,
	pol *policy.LimitPolicy,
	hub *completion.Hub,
	bus *events.EventBus,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *Scheduler {
	// 创建可取消的上下文，用于控制调度器的生命周期
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		redis:     redis,
		pool:      pool,
		policy:    pol,
		hub:       hub,
		bus:       bus,
		metrics:   m,
		logger:    logger,
		workQueue: make(chan *workItem, cfg.QueueSize), // 创建带缓冲的工作队列
		ctx:       ctx,
		cancel:    cancel,
	}

	return s
}

// Start 启动调度器，开始处理激活请求。
// 该方法会启动配置数量的工作协程、溢出队列回灌协程，并开始指标收集。
func (s *Scheduler) Start() error {
	// 启动工作协程池
	s.workers = make([]*worker, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		w := &worker{id: i, scheduler: s}
		s.workers[i] = w
		s.wg.Add(1)
		go w.run() // 启动工作协程
	}

	// 启动溢出队列回灌协程（本地队列有空位时从 Redis 拉回排队的激活）
	if s.redis != nil {
		go s.drainOverflow()
	}

	// 如果启用了指标收集，初始化工作协程数量指标并启动指标上报协程
	if s.metrics != nil {
		s.metrics.SchedulerWorkers.Set(float64(s.cfg.Workers))
		go s.metricsWorker()
	}

	s.logger.WithField("workers", s.cfg.Workers).Info("Scheduler started")
	return nil
}

// metricsWorker 定期收集并上报调度器队列深度指标。
// 该方法在独立的协程中运行，每秒更新一次队列与完成通道指标。
func (s *Scheduler) metricsWorker() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			// 调度器停止，退出指标收集循环
			return
		case <-ticker.C:
			overflow := 0
			if s.redis != nil {
				if n, err := s.redis.OverflowLen(s.ctx); err == nil {
					overflow = int(n)
				}
			}
			s.metrics.UpdateQueueStats(len(s.workQueue), overflow)
			s.metrics.UpdateCompletionWaiters(s.hub.WaiterCount())
		}
	}
}

// Stop 优雅地停止调度器。
// 该方法会：
//  1. 发送取消信号给所有工作协程与回灌协程
//  2. 关闭工作队列
//  3. 等待所有工作协程完成当前任务
//  4. 重置调度器指标
func (s *Scheduler) Stop() error {
	s.cancel()         // 发送取消信号
	close(s.workQueue) // 关闭工作队列，通知工作协程退出
	s.wg.Wait()        // 等待所有工作协程完成
	// 重置指标
	if s.metrics != nil {
		s.metrics.SchedulerQueueSize.Set(0)
		s.metrics.SchedulerWorkers.Set(0)
	}
	s.logger.Info("Scheduler stopped")
	return nil
}

// Invoke 执行阻塞激活。
// 调用方被挂起，直到该激活的终态记录经完成通道推送回来，
// 或本地等待上限（平台最大超时加固定裕量）到期。
//
// 调用流程：
//  1. 从存储中获取函数定义
//  2. 解析生效限额并创建激活记录（状态 running）持久化
//  3. 在完成通道上订阅该激活（先订阅后入队，快函数的完成通知不会丢失）
//  4. 将工作项提交到工作队列（队列满返回 ErrQueueFull，不溢出到 Redis）
//  5. 挂起等待终态记录、等待上限或调用方断开
//
// 等待上限到期返回 ErrWaitCeilingExceeded；激活继续在后台执行，
// 调用方可稍后凭激活 ID 检索记录。调用方断开（ctx 结束）同理。
func (s *Scheduler) Invoke(ctx context.Context, req *domain.InvokeRequest) (*domain.Activation, error) {
	act, fn, err := s.admit(req)
	if err != nil {
		return nil, err
	}

	// 先订阅完成通道再入队
	sub := s.hub.Subscribe(act.ID)
	defer sub.Cancel()

	item := &workItem{activation: act, function: fn}

	// 非阻塞方式提交工作项到队列；阻塞调用不使用溢出队列，
	// 满载时直接拒绝，调用方收到背压信号
	select {
	case s.workQueue <- item:
	default:
		if s.metrics != nil {
			s.metrics.RecordQueueRejection()
		}
		s.rejectAdmitted(act)
		return nil, domain.ErrQueueFull
	}

	// 等待上限严格大于任何可配置的函数超时，保证看门狗先于它触发
	waitStart := time.Now()
	completed, err := sub.Wait(ctx, s.policy.BlockingWaitCeiling())
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.RecordCompletionWait("completed", float64(time.Since(waitStart).Milliseconds()))
		}
		return completed, nil
	case errors.Is(err, domain.ErrWaitCeilingExceeded):
		if s.metrics != nil {
			s.metrics.RecordCompletionWait("ceiling_exceeded", float64(time.Since(waitStart).Milliseconds()))
		}
		return act, err
	default:
		// 调用方断开只取消等待本身；看门狗与治理器继续运行，
		// 记录照常落盘供之后检索
		return act, err
	}
}

// InvokeAsync 执行非阻塞激活。
// 该方法立即返回激活ID，函数在后台执行，适用于不需要等待结果的场景。
//
// 调用流程：
//  1. 从存储中获取函数定义
//  2. 解析生效限额并创建激活记录（状态 running）持久化
//  3. 将工作项提交到工作队列（队列满则溢出到 Redis，由回灌协程拉回）
//  4. 立即返回激活ID
func (s *Scheduler) InvokeAsync(req *domain.InvokeRequest) (string, error) {
	act, fn, err := s.admit(req)
	if err != nil {
		return "", err
	}

	item := &workItem{activation: act, function: fn}

	// 尝试提交到工作队列
	select {
	case s.workQueue <- item:
		return act.ID, nil
	default:
		// 队列已满，将激活ID推入 Redis 溢出队列，由回灌协程拉回处理
		if s.redis == nil {
			if s.metrics != nil {
				s.metrics.RecordQueueRejection()
			}
			s.rejectAdmitted(act)
			return "", domain.ErrQueueFull
		}
		if err := s.redis.PushOverflow(context.Background(), act.ID); err != nil {
			if s.metrics != nil {
				s.metrics.RecordQueueRejection()
			}
			s.rejectAdmitted(act)
			return "", fmt.Errorf("work queue is full and overflow push failed: %w", err)
		}
		return act.ID, nil
	}
}

// admit 为一次激活做准入准备：加载函数定义、解析限额副本、
// 创建并持久化 running 状态的激活记录。
func (s *Scheduler) admit(req *domain.InvokeRequest) (*domain.Activation, *domain.Function, error) {
	fn, err := s.store.GetFunctionByID(req.FunctionID)
	if err != nil {
		return nil, nil, err
	}

	// 限额在创建/更新时已归一化；此处解析为本次激活的私有副本
	act := domain.NewActivation(fn.ID, fn.Name, req.Payload, fn.Limits.Resolve())

	if err := s.store.CreateActivation(act); err != nil {
		return nil, nil, fmt.Errorf("failed to create activation: %w", err)
	}
	return act, fn, nil
}

// rejectAdmitted 终态化一条已持久化但未能入队的 running 记录。
// 拒绝发生在任何工作协程接触该激活之前，不在此处收尾的话，
// 记录会永远停留在 running 状态。
func (s *Scheduler) rejectAdmitted(act *domain.Activation) {
	act.Response = domain.ActivationResponse{Error: domain.ErrQueueFull.Error()}
	act.Finish(domain.ActivationApplicationError)

	if err := s.store.UpdateActivation(act); err != nil {
		s.logger.WithError(err).WithField("activation_id", act.ID).Error("Failed to persist rejected activation")
	}
	s.hub.Publish(act)
}

// drainOverflow 持续从 Redis 溢出队列拉回排队的激活并重新入队。
// 本地队列仍满时将 ID 推回溢出队列并稍作退避。
func (s *Scheduler) drainOverflow() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		id, err := s.redis.PopOverflow(s.ctx, 2*time.Second)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.WithError(err).Warn("Failed to pop overflow queue")
			time.Sleep(time.Second)
			continue
		}
		if id == "" {
			continue // 超时，队列为空
		}

		act, err := s.store.GetActivationByID(id)
		if err != nil {
			s.logger.WithError(err).WithField("activation_id", id).Error("Overflowed activation not found")
			continue
		}
		if act.Status.IsTerminal() {
			continue // 已被其他实例处理
		}

		fn, err := s.store.GetFunctionByID(act.FunctionID)
		if err != nil {
			s.logger.WithError(err).WithField("activation_id", id).Error("Function for overflowed activation not found")
			continue
		}

		item := &workItem{activation: act, function: fn}
		select {
		case s.workQueue <- item:
		case <-s.ctx.Done():
			// 停机路径：推回溢出队列，交给存活实例
			s.redis.PushOverflow(context.Background(), id)
			return
		}
	}
}

// run 是工作协程的主循环。
// 它持续从工作队列获取任务并处理，直到调度器停止或队列关闭。
func (w *worker) run() {
	defer w.scheduler.wg.Done() // 协程退出时通知等待组

	for {
		select {
		case <-w.scheduler.ctx.Done():
			// 收到停止信号，退出循环
			return
		case item, ok := <-w.scheduler.workQueue:
			if !ok {
				// 工作队列已关闭，退出循环
				return
			}
			// 处理工作项
			w.process(item)
		}
	}
}

// process 处理单个工作项，驱动一次激活的完整流程。
// 该方法负责：
//  1. 从沙箱池获取执行槽位
//  2. 挂接日志治理器与原因闩锁，执行工作负载
//  3. 由终态分类器归入终态并终结激活记录
//  4. 释放沙箱槽位
//  5. 持久化记录、推送完成通知、上报指标
func (w *worker) process(item *workItem) {
	act := item.activation
	fn := item.function

	// 启动分布式追踪 span，用于监控激活链路
	tracer := telemetry.GetTracer("stratus-scheduler")
	ctx, span := tracer.Start(w.scheduler.ctx, "activation.execute",
		trace.WithAttributes(
			attribute.String("function.id", fn.ID),
			attribute.String("function.name", fn.Name),
			attribute.String("function.runtime", string(fn.Runtime)),
			attribute.String("activation.id", act.ID),
			attribute.Int64("activation.timeout_ms", act.Limits.TimeoutMs),
			attribute.Int("activation.memory_mb", act.Limits.MemoryMB),
			attribute.Int("worker.id", w.id),
		),
	)
	defer span.End()

	// 创建带有追踪上下文的日志记录器
	logger := w.scheduler.logger.WithFields(logrus.Fields{
		"worker_id":     w.id,
		"activation_id": act.ID,
		"function_id":   fn.ID,
		"function_name": fn.Name,
	})
	logger = telemetry.EntryWithTraceContext(ctx, logger)

	// ========== 阶段1：获取沙箱槽位 ==========
	span.AddEvent("sandbox.acquire.start")
	// 获取槽位的等待受阻塞等待上限约束，防止队头请求无限占用工作协程
	acquireCtx, cancel := context.WithTimeout(ctx, w.scheduler.policy.BlockingWaitCeiling())
	defer cancel()

	sb, coldStart, err := w.scheduler.pool.Acquire(acquireCtx, fn, act.Limits)
	if err != nil {
		// 获取槽位失败，记录错误并终结激活
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire sandbox")
		logger.WithError(err).Error("Failed to acquire sandbox")
		w.fail(item, fmt.Sprintf("failed to acquire sandbox: %v", err), "acquire_sandbox_failed")
		return
	}
	span.AddEvent("sandbox.acquire.complete", trace.WithAttributes(
		attribute.Bool("cold_start", coldStart),
		attribute.String("sandbox.id", sb.ID),
	))

	// 更新激活状态为运行中
	act.Start(sb.ID, coldStart)
	w.scheduler.store.UpdateActivation(act)

	logger = logger.WithField("sandbox_id", sb.ID)
	logger.Debug("Sandbox slot acquired")

	// ========== 阶段2：执行工作负载 ==========
	span.AddEvent("workload.execute.start")

	// 每次激活持有独立的日志治理器与原因闩锁
	logs := governor.NewLogBuffer(act.Limits.LogBytes)
	latch := &outcome.CauseLatch{}

	bootStart := time.Now()
	result, memPeak, execErr := sb.Execute(ctx, act.Input, logs, latch)
	if coldStart && w.scheduler.metrics != nil {
		w.scheduler.metrics.RecordSandboxBoot(string(fn.Runtime), float64(time.Since(bootStart).Milliseconds()))
	}
	span.AddEvent("workload.execute.complete")

	// ========== 阶段3：释放沙箱槽位 ==========
	w.scheduler.pool.Release(sb)

	// ========== 阶段4：终态分类 ==========
	// 结果走完整的实体上限；包络预留只作用于请求载荷
	cause, phase := latch.Snapshot()
	sig := outcome.Signals{
		Cause:       cause,
		Phase:       phase,
		Timeout:     act.Limits.Timeout(),
		Result:      result,
		ResultLimit: w.scheduler.policy.MaxActivationEntitySize,
	}
	if execErr != nil && cause == outcome.CauseNone {
		// 工作负载层面的失败（非零退出、协议中断）；
		// 强制终止的场景由闩锁归因，不在此重复上报
		sig.WorkloadErr = execErr.Error()
	}
	verdict := outcome.Classify(sig)

	act.Logs = logs.Lines()
	act.LogsTruncated = logs.Truncated()
	act.ResultTruncated = verdict.ResultTruncated
	act.Response = verdict.Response
	if memPeak > 0 {
		act.MemoryPeakMB = int(memPeak / (1024 * 1024))
	}
	act.Finish(verdict.Status)

	// 超时终止的记录时长恒不小于配置的超时值
	if cause == outcome.CauseTimeout {
		act.FloorDuration(act.Limits.TimeoutMs)
	}

	span.SetAttributes(
		attribute.Bool("activation.cold_start", coldStart),
		attribute.String("activation.status", string(act.Status)),
		attribute.Int64("activation.duration_ms", act.DurationMs),
		attribute.Bool("activation.logs_truncated", act.LogsTruncated),
		attribute.Bool("activation.result_truncated", act.ResultTruncated),
	)
	if act.Status != domain.ActivationSuccess {
		span.SetStatus(codes.Error, act.Response.Error)
	}

	// ========== 阶段5：持久化、通知与指标 ==========
	w.finalize(item, logger.WithFields(logrus.Fields{
		"status":      act.Status,
		"duration_ms": act.DurationMs,
		"cold_start":  coldStart,
	}), cause, phase)
}

// finalize 持久化终态记录、推送完成通知并上报指标。
// 本地完成通道先于事件总线收到推送，挂在本实例上的阻塞调用方
// 不依赖消息往返。
func (w *worker) finalize(item *workItem, logger *logrus.Entry, cause outcome.Cause, phase outcome.Phase) {
	act := item.activation
	fn := item.function
	s := w.scheduler

	if err := s.store.UpdateActivation(act); err != nil {
		logger.WithError(err).Error("Failed to persist activation record")
	}

	// 热查询缓存：完成后的短窗口内记录大概率被检索
	if s.redis != nil {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.redis.CacheActivation(cacheCtx, act, 10*time.Minute)
		cancel()
	}

	// 本地完成通道推送
	s.hub.Publish(act)

	// 跨实例广播
	if s.bus != nil {
		pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.bus.PublishActivationCompleted(pubCtx, act); err != nil {
			logger.WithError(err).Warn("Failed to publish activation completion event")
		}
		cancel()
	}

	// 记录激活指标
	if s.metrics != nil {
		s.metrics.RecordActivation(
			fn.ID,
			fn.Name,
			string(fn.Runtime),
			string(act.Status),
			float64(act.DurationMs),
			act.BilledTimeMs,
		)
		switch cause {
		case outcome.CauseTimeout:
			s.metrics.RecordWatchdogAbort("timeout", string(phase))
		case outcome.CauseMemory:
			s.metrics.RecordWatchdogAbort("memory", string(phase))
		}
		if act.LogsTruncated {
			s.metrics.RecordTruncation("logs")
		}
		if act.ResultTruncated {
			s.metrics.RecordTruncation("result")
			s.metrics.RecordRejection("result_too_large")
		}
		if act.Status != domain.ActivationSuccess {
			s.metrics.RecordError(fn.ID, fn.Name, string(act.Status))
		}
	}

	logger.Info("Activation completed")
}

// fail 处理工作项在进入执行路径之前的失败（如沙箱池耗尽）。
// 该方法将激活终结为应用级错误、持久化记录、推送完成通知并记录指标。
// 平台自身的调度失败不是开发者限额问题，不归入 developer_error。
func (w *worker) fail(item *workItem, errMsg string, errorType string) {
	act := item.activation
	s := w.scheduler

	act.Response = domain.ActivationResponse{Error: errMsg}
	act.Finish(domain.ActivationApplicationError)

	if err := s.store.UpdateActivation(act); err != nil {
		s.logger.WithError(err).WithField("activation_id", act.ID).Error("Failed to persist failed activation")
	}

	s.hub.Publish(act)

	if s.bus != nil {
		pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.bus.PublishActivationCompleted(pubCtx, act)
		cancel()
	}

	if s.metrics != nil {
		s.metrics.RecordActivation(
			item.function.ID,
			item.function.Name,
			string(item.function.Runtime),
			string(act.Status),
			float64(act.DurationMs),
			act.BilledTimeMs,
		)
		s.metrics.RecordError(item.function.ID, item.function.Name, errorType)
	}
}

// Stats 返回调度器的当前统计信息。
// 可用于健康检查和监控。
func (s *Scheduler) Stats() SchedulerStats {
	st := SchedulerStats{
		QueueLength: len(s.workQueue), // 当前队列中的任务数
		QueueCap:    cap(s.workQueue), // 队列最大容量
		Workers:     len(s.workers),   // 工作协程数量
		Waiters:     s.hub.WaiterCount(),
	}
	if s.redis != nil {
		if n, err := s.redis.OverflowLen(context.Background()); err == nil {
			st.OverflowLength = int(n)
		}
	}
	return st
}

// SchedulerStats 包含调度器的运行时统计信息。
// 用于监控调度器的健康状态和负载情况。
type SchedulerStats struct {
	QueueLength    int `json:"queue_length"`    // 当前队列中等待处理的任务数量
	QueueCap       int `json:"queue_cap"`       // 队列的最大容量
	OverflowLength int `json:"overflow_length"` // Redis 溢出队列中的任务数量
	Workers        int `json:"workers"`         // 活跃的工作协程数量
	Waiters        int `json:"waiters"`         // 完成通道上的阻塞等待方数量
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/governor"
	"github.com/oriys/stratus/internal/outcome"
)

// Sandbox 是一个可复用的隔离执行环境。
// 绑定创建时函数的代码版本与解析后的限额；代码更新后由池整体作废。
// inFlight 由池发放的槽位令牌约束，不会超过函数的并发限额。
type Sandbox struct {
	// ID 是沙箱的唯一标识
	ID string
	// Limits 是沙箱生效的限额
	Limits domain.ResolvedLimits
	// CreatedAt 是创建时间
	CreatedAt time.Time

	fn          *domain.Function
	runner      Runner
	memInterval time.Duration
	pool        *functionPool

	initOnce sync.Once
	initErr  error

	mu       sync.Mutex
	dead     bool
	inFlight int
	useCount int
	lastUsed time.Time
}

func newSandbox(fn *domain.Function, limits domain.ResolvedLimits, runner Runner, memInterval time.Duration) *Sandbox {
	return &Sandbox{
		ID:          uuid.New().String(),
		Limits:      limits,
		CreatedAt:   time.Now(),
		fn:          fn,
		runner:      runner,
		memInterval: memInterval,
		lastUsed:    time.Now(),
	}
}

// Execute 驱动一次调用穿过沙箱执行路径：
// 武装超时与内存监视器，首次使用时装载函数（初始化阶段计入同一个
// 超时），随后执行工作负载。返回序列化结果、观测到的内存峰值与
// 工作负载层面的错误；强制终止的原因由闩锁携带。
// 两个监视器在返回前停止，正常完成不泄漏定时器或采样循环。
func (s *Sandbox) Execute(ctx context.Context, payload json.RawMessage, logs *governor.LogBuffer, latch *outcome.CauseLatch) (json.RawMessage, int64, error) {
	wd := ArmTimeout(latch, s.Limits.Timeout(), s.killForBreach)
	defer wd.Stop()

	var peakMu sync.Mutex
	var peak int64
	usage := func() (int64, error) {
		used, err := s.runner.MemoryUsage()
		if err == nil {
			peakMu.Lock()
			if used > peak {
				peak = used
			}
			peakMu.Unlock()
		}
		return used, err
	}
	mem := WatchMemory(latch, s.Limits.MemoryBytes(), s.memInterval, usage, s.killForBreach)
	defer mem.Stop()

	s.initOnce.Do(func() {
		s.initErr = s.runner.Init(ctx, s.fn, s.Limits)
	})
	if s.initErr != nil {
		// 装载失败的沙箱不可复用
		s.markDead()
		return nil, snapshotPeak(&peakMu, &peak), s.initErr
	}

	wd.EnterRun()
	result, err := s.runner.Invoke(ctx, payload, logs)
	if err != nil && errors.Is(err, domain.ErrMemoryExhausted) {
		// 运行时边界（如 wasm 页数上限）报告的内存耗尽
		// 与采样监视器走同一个原因闩锁
		if latch.Trip(outcome.CauseMemory, outcome.PhaseRun) {
			s.killForBreach()
		}
	}
	return result, snapshotPeak(&peakMu, &peak), err
}

func snapshotPeak(mu *sync.Mutex, peak *int64) int64 {
	mu.Lock()
	defer mu.Unlock()
	return *peak
}

// killForBreach 响应监视器触发：先标记失效再终止工作负载，
// 池不会把失效沙箱的槽位令牌再次发放出去。
func (s *Sandbox) killForBreach() {
	s.markDead()
	_ = s.runner.Kill()
}

// Alive 报告沙箱是否仍可接收调用。
func (s *Sandbox) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *Sandbox) markDead() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// acquireSlot 记录一次在飞调用。调用方持有池发放的槽位令牌。
func (s *Sandbox) acquireSlot() {
	s.mu.Lock()
	s.inFlight++
	s.useCount++
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// releaseSlot 归还一次在飞调用。
func (s *Sandbox) releaseSlot() {
	s.mu.Lock()
	s.inFlight--
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// InFlight 返回当前在飞调用数。
func (s *Sandbox) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// UseCount 返回沙箱累计处理的调用数。
func (s *Sandbox) UseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

// idleFor 报告沙箱是否空闲超过给定时长。
func (s *Sandbox) idleFor(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight == 0 && time.Since(s.lastUsed) > d
}

// close 释放沙箱的运行时资源。
func (s *Sandbox) close() {
	s.markDead()
	_ = s.runner.Close()
}

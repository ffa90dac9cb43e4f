package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
)

// slotsPerSandbox 是每沙箱槽位令牌的通道容量系数。
// 与并发限额的平台上限对齐；令牌溢出时被丢弃而非阻塞，
// 丢失的令牌由空闲回收兜底。
const slotsPerSandbox = 64

// Pool 管理全部函数的预热沙箱。
// 每个函数持有独立的子池；子池内的空闲并发槽位以令牌形式在缓冲
// 通道中流转，获取调用方从通道取令牌，超出并发限额的请求在通道上
// 排队等待，上限永远不会被悄悄突破。
type Pool struct {
	cfg     config.SandboxConfig
	factory RunnerFactory
	logger  *logrus.Logger

	mu    sync.RWMutex
	pools map[string]*functionPool
	total int

	ctx    context.Context
	cancel context.CancelFunc
}

// functionPool 是单个函数（单个代码版本）的沙箱子池。
type functionPool struct {
	functionID string
	codeHash   string
	slots      chan *Sandbox

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// NewPool 创建沙箱池。
func NewPool(cfg config.SandboxConfig, factory RunnerFactory, logger *logrus.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		pools:   make(map[string]*functionPool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动池的后台空闲回收协程。
func (p *Pool) Start() {
	go p.reaper()
}

// Stop 停止池并释放所有沙箱。
func (p *Pool) Stop() {
	p.cancel()

	p.mu.Lock()
	pools := make([]*functionPool, 0, len(p.pools))
	for _, fp := range p.pools {
		pools = append(pools, fp)
	}
	p.pools = make(map[string]*functionPool)
	p.mu.Unlock()

	for _, fp := range pools {
		p.drainPool(fp)
	}
}

// Acquire 为一次调用获取沙箱槽位。
// 优先复用空闲槽位（热路径）；没有空闲槽位且未达上限时创建新沙箱
// （冷启动）；池满时阻塞等待，直到槽位可用或 ctx 结束。
// 返回的布尔值表示是否为冷启动。
func (p *Pool) Acquire(ctx context.Context, fn *domain.Function, limits domain.ResolvedLimits) (*Sandbox, bool, error) {
	fp := p.functionPool(fn)

	for {
		// 热路径：非阻塞取空闲槽位
		select {
		case sb := <-fp.slots:
			if !sb.Alive() {
				p.retire(sb)
				continue
			}
			sb.acquireSlot()
			return sb, false, nil
		default:
		}

		// 冷路径：在全局与每函数上限内创建新沙箱
		sb, err := p.tryCreate(fp, fn, limits)
		if err != nil {
			return nil, false, err
		}
		if sb != nil {
			sb.acquireSlot()
			return sb, true, nil
		}

		// 池满：排队等待槽位
		select {
		case sb := <-fp.slots:
			if !sb.Alive() {
				p.retire(sb)
				continue
			}
			sb.acquireSlot()
			return sb, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-p.ctx.Done():
			return nil, false, domain.ErrPoolExhausted
		}
	}
}

// Release 归还槽位令牌。失效沙箱在此退出池。
func (p *Pool) Release(sb *Sandbox) {
	sb.releaseSlot()

	if !sb.Alive() {
		p.retire(sb)
		return
	}

	fp := sb.pool
	select {
	case fp.slots <- sb:
	default:
		// 令牌通道已满则丢弃，沙箱之后由空闲回收处理
	}
}

// Invalidate 作废函数的全部沙箱。函数删除或代码更新后调用。
func (p *Pool) Invalidate(functionID string) {
	p.mu.Lock()
	fp := p.pools[functionID]
	delete(p.pools, functionID)
	p.mu.Unlock()

	if fp != nil {
		p.drainPool(fp)
	}
}

// functionPool 返回函数当前代码版本的子池，代码已更新时作废旧池。
func (p *Pool) functionPool(fn *domain.Function) *functionPool {
	p.mu.Lock()
	fp, ok := p.pools[fn.ID]
	if ok && fp.codeHash == fn.CodeHash {
		p.mu.Unlock()
		return fp
	}

	next := &functionPool{
		functionID: fn.ID,
		codeHash:   fn.CodeHash,
		slots:      make(chan *Sandbox, p.cfg.MaxWarmPerFunction*slotsPerSandbox),
		sandboxes:  make(map[string]*Sandbox),
	}
	p.pools[fn.ID] = next
	p.mu.Unlock()

	if ok {
		p.logger.WithFields(logrus.Fields{
			"function_id": fn.ID,
			"code_hash":   fn.CodeHash,
		}).Info("Function code changed, invalidating warm sandboxes")
		p.drainPool(fp)
	}
	return next
}

// tryCreate 在容量上限内创建新沙箱并铸造其余并发槽位令牌。
// 达到上限返回 (nil, nil)。
func (p *Pool) tryCreate(fp *functionPool, fn *domain.Function, limits domain.ResolvedLimits) (*Sandbox, error) {
	p.mu.Lock()
	if p.total >= p.cfg.MaxTotal {
		p.mu.Unlock()
		return nil, nil
	}
	p.total++
	p.mu.Unlock()

	fp.mu.Lock()
	if len(fp.sandboxes) >= p.cfg.MaxWarmPerFunction {
		fp.mu.Unlock()
		p.decTotal()
		return nil, nil
	}

	runner, err := p.factory(fn.Runtime)
	if err != nil {
		fp.mu.Unlock()
		p.decTotal()
		return nil, err
	}

	sb := newSandbox(fn, limits, runner, p.cfg.MemoryCheckInterval)
	sb.pool = fp
	fp.sandboxes[sb.ID] = sb
	fp.mu.Unlock()

	// 第一个槽位归创建者，其余并发槽位作为令牌入池
	for i := 1; i < limits.Concurrency; i++ {
		select {
		case fp.slots <- sb:
		default:
		}
	}

	p.logger.WithFields(logrus.Fields{
		"sandbox_id":  sb.ID,
		"function_id": fn.ID,
		"runtime":     fn.Runtime,
		"concurrency": limits.Concurrency,
	}).Debug("Created sandbox (cold start)")

	return sb, nil
}

// retire 将沙箱移出池并释放其资源。幂等：同一沙箱的多个失效令牌
// 只有第一次触发资源释放。
func (p *Pool) retire(sb *Sandbox) {
	fp := sb.pool

	fp.mu.Lock()
	_, present := fp.sandboxes[sb.ID]
	if present {
		delete(fp.sandboxes, sb.ID)
	}
	fp.mu.Unlock()

	if present {
		p.decTotal()
		sb.close()
	}
}

// drainPool 作废子池内的全部沙箱。
// 空闲沙箱立即退出；在飞沙箱标记失效，由 Release 路径退出。
func (p *Pool) drainPool(fp *functionPool) {
	fp.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(fp.sandboxes))
	for _, sb := range fp.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	fp.mu.Unlock()

	for _, sb := range sandboxes {
		sb.markDead()
		if sb.InFlight() == 0 {
			p.retire(sb)
		}
	}
}

func (p *Pool) decTotal() {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

// reaper 周期性回收空闲超时的沙箱。
func (p *Pool) reaper() {
	interval := p.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle 执行一轮空闲回收。
func (p *Pool) reapIdle() {
	p.mu.RLock()
	pools := make([]*functionPool, 0, len(p.pools))
	for _, fp := range p.pools {
		pools = append(pools, fp)
	}
	p.mu.RUnlock()

	for _, fp := range pools {
		fp.mu.Lock()
		idle := make([]*Sandbox, 0)
		for _, sb := range fp.sandboxes {
			if sb.idleFor(p.cfg.IdleTimeout) {
				idle = append(idle, sb)
			}
		}
		fp.mu.Unlock()

		for _, sb := range idle {
			sb.markDead()
			p.retire(sb)
			p.logger.WithFields(logrus.Fields{
				"sandbox_id":  sb.ID,
				"function_id": fp.functionID,
			}).Debug("Reaped idle sandbox")
		}
	}
}

// Stats 返回池的状态统计。
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Stats{
		Functions: len(p.pools),
		Sandboxes: p.total,
		Capacity:  p.cfg.MaxTotal,
	}
	for _, fp := range p.pools {
		fp.mu.Lock()
		for _, sb := range fp.sandboxes {
			st.InFlight += sb.InFlight()
		}
		fp.mu.Unlock()
	}
	return st
}

// Stats 是沙箱池的状态统计。
type Stats struct {
	// Functions 是持有子池的函数数量
	Functions int `json:"functions"`
	// Sandboxes 是存活沙箱总数
	Sandboxes int `json:"sandboxes"`
	// InFlight 是在飞调用总数
	InFlight int `json:"in_flight"`
	// Capacity 是沙箱总数上限
	Capacity int `json:"capacity"`
}

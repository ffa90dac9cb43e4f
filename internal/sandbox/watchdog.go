package sandbox

import (
	"sync"
	"time"

	"github.com/oriys/stratus/internal/outcome"
)

// TimeoutWatchdog 是单次调用的超时监视器。
// 以配置的超时时长武装一个可取消的定时器；定时器触发时工作负载
// 尚未完成则强制终止沙箱，并向原因闩锁记录超时与所处阶段。
// 正常完成路径调用 Stop 取消定时器，取消是 O(1) 的。
// 终止只会在完整的超时间隔过去之后发生，调用记录的持续时间
// 因此不小于配置值。
type TimeoutWatchdog struct {
	timer *time.Timer

	mu    sync.Mutex
	phase outcome.Phase
}

// ArmTimeout 武装超时监视器。监视器自初始化阶段开始计时，
// EnterRun 切换到执行阶段。fire 在成为首个触发者时被调用。
func ArmTimeout(latch *outcome.CauseLatch, timeout time.Duration, fire func()) *TimeoutWatchdog {
	w := &TimeoutWatchdog{phase: outcome.PhaseInit}
	w.timer = time.AfterFunc(timeout, func() {
		if latch.Trip(outcome.CauseTimeout, w.currentPhase()) {
			fire()
		}
	})
	return w
}

// EnterRun 标记调用进入执行阶段。
// 此后触发的超时报告 run 阶段而非 initialization。
func (w *TimeoutWatchdog) EnterRun() {
	w.mu.Lock()
	w.phase = outcome.PhaseRun
	w.mu.Unlock()
}

// Stop 取消定时器。返回 false 表示定时器已经触发或已停止。
func (w *TimeoutWatchdog) Stop() bool {
	return w.timer.Stop()
}

func (w *TimeoutWatchdog) currentPhase() outcome.Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// MemoryWatchdog 是单次调用的内存监视器。
// 以固定周期采样工作负载的常驻内存并与分配值比较；越界时强制
// 终止沙箱并向原因闩锁记录内存耗尽。无论分配值是下限、标准值
// 还是上限，越界的判定一视同仁。
type MemoryWatchdog struct {
	done     chan struct{}
	stopOnce sync.Once
}

// WatchMemory 启动内存监视器。
// usage 返回当前常驻内存字节数；采样失败的轮次跳过，不触发终止。
// fire 在成为首个触发者时被调用。
func WatchMemory(latch *outcome.CauseLatch, limitBytes int64, interval time.Duration, usage func() (int64, error), fire func()) *MemoryWatchdog {
	w := &MemoryWatchdog{done: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.done:
				return
			case <-ticker.C:
				used, err := usage()
				if err != nil {
					continue
				}
				if used > limitBytes {
					if latch.Trip(outcome.CauseMemory, outcome.PhaseRun) {
						fire()
					}
					return
				}
			}
		}
	}()

	return w
}

// Stop 停止采样循环，幂等且 O(1)。
func (w *MemoryWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

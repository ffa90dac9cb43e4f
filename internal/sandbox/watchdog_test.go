package sandbox

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/outcome"
)

// TestTimeoutWatchdog_Fires 测试定时器到期后触发终止并记录超时原因。
func TestTimeoutWatchdog_Fires(t *testing.T) {
	var latch outcome.CauseLatch
	fired := make(chan struct{})

	wd := ArmTimeout(&latch, 20*time.Millisecond, func() { close(fired) })
	defer wd.Stop()
	wd.EnterRun()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}

	cause, phase := latch.Snapshot()
	if cause != outcome.CauseTimeout {
		t.Errorf("cause = %v, want CauseTimeout", cause)
	}
	if phase != outcome.PhaseRun {
		t.Errorf("phase = %v, want PhaseRun", phase)
	}
}

// TestTimeoutWatchdog_InitPhase 测试未进入执行阶段时触发报告初始化阶段。
func TestTimeoutWatchdog_InitPhase(t *testing.T) {
	var latch outcome.CauseLatch
	fired := make(chan struct{})

	wd := ArmTimeout(&latch, 20*time.Millisecond, func() { close(fired) })
	defer wd.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}

	if _, phase := latch.Snapshot(); phase != outcome.PhaseInit {
		t.Errorf("phase = %v, want PhaseInit", phase)
	}
}

// TestTimeoutWatchdog_StopCancels 测试正常完成路径取消定时器后不再触发。
func TestTimeoutWatchdog_StopCancels(t *testing.T) {
	var latch outcome.CauseLatch

	wd := ArmTimeout(&latch, 30*time.Millisecond, func() {
		t.Error("fire called after Stop")
	})
	if !wd.Stop() {
		t.Fatal("Stop() = false before expiry, want true")
	}

	time.Sleep(80 * time.Millisecond)
	if latch.Tripped() {
		t.Error("latch tripped after Stop")
	}
}

// TestTimeoutWatchdog_LoserDoesNotFire 测试闩锁已被占用时定时器到期不执行终止。
func TestTimeoutWatchdog_LoserDoesNotFire(t *testing.T) {
	var latch outcome.CauseLatch
	latch.Trip(outcome.CauseMemory, outcome.PhaseRun)

	wd := ArmTimeout(&latch, 10*time.Millisecond, func() {
		t.Error("fire called although another cause won")
	})
	defer wd.Stop()

	time.Sleep(60 * time.Millisecond)
	if cause, _ := latch.Snapshot(); cause != outcome.CauseMemory {
		t.Errorf("cause = %v, want first writer preserved", cause)
	}
}

// TestMemoryWatchdog_Breach 测试采样值越过限额时触发终止。
func TestMemoryWatchdog_Breach(t *testing.T) {
	var latch outcome.CauseLatch
	fired := make(chan struct{})

	var mu sync.Mutex
	used := int64(100)
	usage := func() (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		return used, nil
	}

	wd := WatchMemory(&latch, 256, 5*time.Millisecond, usage, func() { close(fired) })
	defer wd.Stop()

	// 低于限额时不触发
	time.Sleep(30 * time.Millisecond)
	if latch.Tripped() {
		t.Fatal("latch tripped below the limit")
	}

	mu.Lock()
	used = 512
	mu.Unlock()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire on breach")
	}
	if cause, _ := latch.Snapshot(); cause != outcome.CauseMemory {
		t.Errorf("cause = %v, want CauseMemory", cause)
	}
}

// TestMemoryWatchdog_ExactLimitTolerated 测试恰好等于限额不算越界。
func TestMemoryWatchdog_ExactLimitTolerated(t *testing.T) {
	var latch outcome.CauseLatch

	usage := func() (int64, error) { return 256, nil }
	wd := WatchMemory(&latch, 256, 5*time.Millisecond, usage, func() {
		t.Error("fire called at exact limit")
	})
	defer wd.Stop()

	time.Sleep(40 * time.Millisecond)
	if latch.Tripped() {
		t.Error("latch tripped at exact limit")
	}
}

// TestMemoryWatchdog_SampleErrorsSkipped 测试采样失败的轮次被跳过。
func TestMemoryWatchdog_SampleErrorsSkipped(t *testing.T) {
	var latch outcome.CauseLatch

	usage := func() (int64, error) { return 0, errors.New("proc not ready") }
	wd := WatchMemory(&latch, 256, 5*time.Millisecond, usage, func() {
		t.Error("fire called on sampling error")
	})
	defer wd.Stop()

	time.Sleep(40 * time.Millisecond)
	if latch.Tripped() {
		t.Error("latch tripped on sampling error")
	}
}

// TestMemoryWatchdog_StopEndsSampling 测试停止后采样循环退出。
func TestMemoryWatchdog_StopEndsSampling(t *testing.T) {
	var latch outcome.CauseLatch

	var mu sync.Mutex
	calls := 0
	usage := func() (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 0, nil
	}

	wd := WatchMemory(&latch, 256, 5*time.Millisecond, usage, func() {})
	time.Sleep(30 * time.Millisecond)
	wd.Stop()
	wd.Stop() // 幂等

	// 等在途的采样轮次结束
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	final := calls
	mu.Unlock()

	if final != after {
		t.Errorf("sampling continued after Stop: %d -> %d", after, final)
	}
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/governor"
	"github.com/oriys/stratus/internal/outcome"
)

// fakeRunner 是测试用的可编排执行后端。
type fakeRunner struct {
	initDelay   time.Duration
	invokeDelay time.Duration
	initErr     error
	invokeErr   error
	result      json.RawMessage
	logLines    []string

	killCh chan struct{}

	mu           sync.Mutex
	memory       int64
	initCalls    int
	invokeCalls  int
	inFlight     int
	peakInFlight int
	killed       bool
	closed       bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		result: json.RawMessage(`{"ok":true}`),
		killCh: make(chan struct{}),
	}
}

func (f *fakeRunner) Init(ctx context.Context, fn *domain.Function, limits domain.ResolvedLimits) error {
	f.mu.Lock()
	f.initCalls++
	f.mu.Unlock()

	if f.initDelay > 0 {
		select {
		case <-time.After(f.initDelay):
		case <-f.killCh:
			return errors.New("workload killed")
		}
	}
	return f.initErr
}

func (f *fakeRunner) Invoke(ctx context.Context, payload json.RawMessage, logs *governor.LogBuffer) (json.RawMessage, error) {
	f.mu.Lock()
	f.invokeCalls++
	f.inFlight++
	if f.inFlight > f.peakInFlight {
		f.peakInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	for _, line := range f.logLines {
		logs.Append(line)
	}

	if f.invokeDelay > 0 {
		select {
		case <-time.After(f.invokeDelay):
		case <-f.killCh:
			return nil, errors.New("workload killed")
		}
	}
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return f.result, nil
}

func (f *fakeRunner) MemoryUsage() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memory, nil
}

func (f *fakeRunner) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.killCh)
	}
	return nil
}

func (f *fakeRunner) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRunner) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func testLimits(timeout time.Duration, memoryMB, concurrency int) domain.ResolvedLimits {
	return domain.ResolvedLimits{
		TimeoutMs:   timeout.Milliseconds(),
		MemoryMB:    memoryMB,
		LogBytes:    8 * 1024 * 1024,
		Concurrency: concurrency,
	}
}

func testFunction() *domain.Function {
	return &domain.Function{
		ID:       "fn-1",
		Name:     "echo",
		Runtime:  domain.RuntimePython,
		Handler:  "main.handler",
		Code:     "def handler(event):\n    return event\n",
		CodeHash: "hash-1",
	}
}

func newTestSandbox(runner Runner, limits domain.ResolvedLimits) *Sandbox {
	sb := newSandbox(testFunction(), limits, runner, 5*time.Millisecond)
	sb.pool = &functionPool{
		functionID: "fn-1",
		codeHash:   "hash-1",
		slots:      make(chan *Sandbox, 64),
		sandboxes:  map[string]*Sandbox{},
	}
	return sb
}

// TestExecute_Success 测试正常完成：结果原样返回，闩锁不触发，日志收集。
func TestExecute_Success(t *testing.T) {
	runner := newFakeRunner()
	runner.logLines = []string{"line one", "line two"}
	sb := newTestSandbox(runner, testLimits(time.Second, 256, 1))

	var latch outcome.CauseLatch
	logs := governor.NewLogBuffer(1024)

	result, _, err := sb.Execute(context.Background(), json.RawMessage(`{"in":1}`), logs, &latch)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("result = %s, want fake result", result)
	}
	if latch.Tripped() {
		t.Error("latch tripped on normal completion")
	}
	if got := logs.Lines(); len(got) != 2 {
		t.Errorf("captured %d log lines, want 2", len(got))
	}
	if runner.wasKilled() {
		t.Error("runner killed on normal completion")
	}
}

// TestExecute_WatchdogCanceledAfterCompletion 测试正常完成后定时器已取消，
// 超过原定超时后闩锁仍保持干净。
func TestExecute_WatchdogCanceledAfterCompletion(t *testing.T) {
	runner := newFakeRunner()
	sb := newTestSandbox(runner, testLimits(40*time.Millisecond, 256, 1))

	var latch outcome.CauseLatch
	if _, _, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if latch.Tripped() {
		t.Error("latch tripped after completion, timer leaked")
	}
}

// TestExecute_Timeout 测试超过时限的工作负载被强制终止：
// 闩锁记录 run 阶段超时，耗时不小于配置值，沙箱失效。
func TestExecute_Timeout(t *testing.T) {
	const timeout = 50 * time.Millisecond

	runner := newFakeRunner()
	runner.invokeDelay = 500 * time.Millisecond
	sb := newTestSandbox(runner, testLimits(timeout, 256, 1))

	var latch outcome.CauseLatch
	start := time.Now()
	_, _, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Execute() error = nil, want workload failure")
	}
	if elapsed < timeout {
		t.Errorf("elapsed = %v, want >= configured timeout %v", elapsed, timeout)
	}

	cause, phase := latch.Snapshot()
	if cause != outcome.CauseTimeout {
		t.Fatalf("cause = %v, want CauseTimeout", cause)
	}
	if phase != outcome.PhaseRun {
		t.Errorf("phase = %v, want PhaseRun", phase)
	}
	if !runner.wasKilled() {
		t.Error("runner not killed after timeout")
	}
	if sb.Alive() {
		t.Error("sandbox still alive after forced termination")
	}
}

// TestExecute_TimeoutDuringInit 测试初始化阶段的超时报告 initialization 阶段。
func TestExecute_TimeoutDuringInit(t *testing.T) {
	runner := newFakeRunner()
	runner.initDelay = 500 * time.Millisecond
	sb := newTestSandbox(runner, testLimits(40*time.Millisecond, 256, 1))

	var latch outcome.CauseLatch
	_, _, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch)
	if err == nil {
		t.Fatal("Execute() error = nil, want init failure")
	}

	cause, phase := latch.Snapshot()
	if cause != outcome.CauseTimeout {
		t.Fatalf("cause = %v, want CauseTimeout", cause)
	}
	if phase != outcome.PhaseInit {
		t.Errorf("phase = %v, want PhaseInit", phase)
	}
}

// TestExecute_MemoryBreach 测试常驻内存越界触发内存监视器。
// 无论分配值是多少，越界判定一视同仁。
func TestExecute_MemoryBreach(t *testing.T) {
	runner := newFakeRunner()
	runner.invokeDelay = 500 * time.Millisecond
	runner.memory = 2 * 1024 * 1024 // 2 MB 常驻

	sb := newTestSandbox(runner, testLimits(time.Second, 1, 1)) // 限额 1 MB

	var latch outcome.CauseLatch
	_, _, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch)
	if err == nil {
		t.Fatal("Execute() error = nil, want workload failure")
	}

	cause, _ := latch.Snapshot()
	if cause != outcome.CauseMemory {
		t.Fatalf("cause = %v, want CauseMemory", cause)
	}
	if !runner.wasKilled() {
		t.Error("runner not killed after memory breach")
	}
}

// TestExecute_SingleCause 测试超时与内存同时越界时只记录一个终止原因。
func TestExecute_SingleCause(t *testing.T) {
	runner := newFakeRunner()
	runner.invokeDelay = 500 * time.Millisecond
	runner.memory = 4 * 1024 * 1024

	// 超时与内存采样几乎同时触发
	sb := newTestSandbox(runner, testLimits(5*time.Millisecond, 1, 1))

	var latch outcome.CauseLatch
	_, _, _ = sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch)

	cause, _ := latch.Snapshot()
	if cause != outcome.CauseTimeout && cause != outcome.CauseMemory {
		t.Fatalf("cause = %v, want exactly one watchdog cause", cause)
	}
	// 闩锁已写入，后到的信号不得改写
	if latch.Trip(outcome.CauseMemory, outcome.PhaseRun) {
		t.Error("latch accepted a second cause")
	}
}

// TestExecute_RunnerMemoryExhausted 测试运行时边界报告的内存耗尽
// 也通过原因闩锁记录。
func TestExecute_RunnerMemoryExhausted(t *testing.T) {
	runner := newFakeRunner()
	runner.invokeErr = fmt.Errorf("allocation failed: %w", domain.ErrMemoryExhausted)
	sb := newTestSandbox(runner, testLimits(time.Second, 256, 1))

	var latch outcome.CauseLatch
	_, _, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch)
	if err == nil {
		t.Fatal("Execute() error = nil, want memory failure")
	}

	cause, _ := latch.Snapshot()
	if cause != outcome.CauseMemory {
		t.Fatalf("cause = %v, want CauseMemory", cause)
	}
}

// TestExecute_InitOnce 测试函数装载只发生一次，后续调用走热路径。
func TestExecute_InitOnce(t *testing.T) {
	runner := newFakeRunner()
	sb := newTestSandbox(runner, testLimits(time.Second, 256, 4))

	for i := 0; i < 3; i++ {
		var latch outcome.CauseLatch
		if _, _, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch); err != nil {
			t.Fatalf("Execute(#%d) error = %v", i, err)
		}
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.initCalls != 1 {
		t.Errorf("initCalls = %d, want 1", runner.initCalls)
	}
	if runner.invokeCalls != 3 {
		t.Errorf("invokeCalls = %d, want 3", runner.invokeCalls)
	}
}

// TestExecute_InitFailureKillsSandbox 测试装载失败的沙箱不可复用。
func TestExecute_InitFailureKillsSandbox(t *testing.T) {
	runner := newFakeRunner()
	runner.initErr = errors.New("handler not found")
	sb := newTestSandbox(runner, testLimits(time.Second, 256, 1))

	var latch outcome.CauseLatch
	_, _, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch)
	if err == nil {
		t.Fatal("Execute() error = nil, want init error")
	}
	if !strings.Contains(err.Error(), "handler not found") {
		t.Errorf("error = %v, want init failure surfaced", err)
	}
	if sb.Alive() {
		t.Error("sandbox alive after init failure")
	}
	if latch.Tripped() {
		t.Error("latch tripped by init failure, want workload error only")
	}
}

// TestExecute_MemoryPeakObserved 测试执行返回监视器观测到的内存峰值。
func TestExecute_MemoryPeakObserved(t *testing.T) {
	runner := newFakeRunner()
	runner.invokeDelay = 60 * time.Millisecond
	runner.memory = 3 * 1024 * 1024

	sb := newTestSandbox(runner, testLimits(time.Second, 256, 1))

	var latch outcome.CauseLatch
	_, peak, err := sb.Execute(context.Background(), nil, governor.NewLogBuffer(1024), &latch)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if peak != 3*1024*1024 {
		t.Errorf("peak = %d, want sampled resident size", peak)
	}
}

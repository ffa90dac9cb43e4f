package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/stratus/internal/completion"
	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
	"github.com/oriys/stratus/internal/governor"
	"github.com/oriys/stratus/internal/policy"
	"github.com/oriys/stratus/internal/sandbox"
)

// stubRunner 是测试用的可编排执行后端。
type stubRunner struct {
	invokeDelay time.Duration
	invokeErr   error
	result      json.RawMessage
	logLines    []string

	killCh chan struct{}

	mu     sync.Mutex
	killed bool
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		result: json.RawMessage(`{"ok":true}`),
		killCh: make(chan struct{}),
	}
}

func (f *stubRunner) Init(ctx context.Context, fn *domain.Function, limits domain.ResolvedLimits) error {
	return nil
}

func (f *stubRunner) Invoke(ctx context.Context, payload json.RawMessage, logs *governor.LogBuffer) (json.RawMessage, error) {
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

func (f *stubRunner) MemoryUsage() (int64, error) {
	return 1024, nil
}

func (f *stubRunner) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.killCh)
	}
	return nil
}

func (f *stubRunner) Close() error {
	return nil
}

// mockStore 是内存实现的调度器存储。
type mockStore struct {
	mu          sync.Mutex
	functions   map[string]*domain.Function
	activations map[string]*domain.Activation
	updateErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		functions:   make(map[string]*domain.Function),
		activations: make(map[string]*domain.Activation),
	}
}

func (m *mockStore) GetFunctionByID(id string) (*domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.functions[id]
	if !ok {
		return nil, domain.ErrFunctionNotFound
	}
	return fn, nil
}

func (m *mockStore) CreateActivation(act *domain.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations[act.ID] = act
	return nil
}

func (m *mockStore) UpdateActivation(act *domain.Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.activations[act.ID] = act
	return nil
}

func (m *mockStore) GetActivationByID(id string) (*domain.Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.activations[id]
	if !ok {
		return nil, domain.ErrActivationNotFound
	}
	return act, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&strings.Builder{})
	return logger
}

func testPolicy(t *testing.T) *policy.LimitPolicy {
	t.Helper()
	pol, err := policy.New(&config.LimitsConfig{
		Time:                    config.BoundsConfig{Min: 10, Std: 1000, Max: 5000},
		Memory:                  config.BoundsConfig{Min: 64, Std: 128, Max: 512},
		Logs:                    config.BoundsConfig{Min: 0, Std: 1, Max: 4},
		Concurrency:             config.BoundsConfig{Min: 1, Std: 1, Max: 4},
		ConcurrencyEnabled:      true,
		MaxCodeSize:             64 * 1024,
		MaxActivationEntitySize: policy.ReservedEnvelopeBytes + 256,
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return pol
}

func testFunction(timeoutMs int64, logsMB int) *domain.Function {
	memory := 128
	concurrency := 1
	return &domain.Function{
		ID:       "fn-1",
		Name:     "echo",
		Runtime:  domain.RuntimeWasm,
		Handler:  "main.handler",
		Code:     "code",
		CodeHash: domain.HashCode("code"),
		Limits: domain.FunctionLimits{
			TimeoutMs:   &timeoutMs,
			MemoryMB:    &memory,
			LogsMB:      &logsMB,
			Concurrency: &concurrency,
		},
	}
}

// testHarness 组装一个以 stubRunner 为后端的完整调度器。
type testHarness struct {
	scheduler *Scheduler
	store     *mockStore
	runner    *stubRunner
	pool      *sandbox.Pool
}

func newTestHarness(t *testing.T, cfg config.SchedulerConfig, runner *stubRunner) *testHarness {
	t.Helper()

	store := newMockStore()
	pool := sandbox.NewPool(config.SandboxConfig{
		WorkDir:             t.TempDir(),
		MaxWarmPerFunction:  2,
		MaxTotal:            4,
		IdleTimeout:         time.Minute,
		MemoryCheckInterval: 5 * time.Millisecond,
	}, func(runtime domain.Runtime) (sandbox.Runner, error) {
		return runner, nil
	}, quietLogger())

	s := NewScheduler(cfg, store, nil, pool, testPolicy(t), completion.NewHub(), nil, nil, quietLogger())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		pool.Stop()
	})

	return &testHarness{scheduler: s, store: store, runner: runner, pool: pool}
}

func defaultSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{Workers: 2, QueueSize: 8}
}

func TestInvokeSuccess(t *testing.T) {
	h := newTestHarness(t, defaultSchedulerConfig(), newStubRunner())
	h.store.functions["fn-1"] = testFunction(1000, 1)

	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{
		FunctionID: "fn-1",
		Payload:    json.RawMessage(`{"name":"world"}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if act.Status != domain.ActivationSuccess {
		t.Fatalf("status = %s, want success", act.Status)
	}
	if string(act.Response.Result) != `{"ok":true}` {
		t.Errorf("result = %s", act.Response.Result)
	}
	if act.BilledTimeMs < 100 {
		t.Errorf("billed time = %d, want >= 100", act.BilledTimeMs)
	}
	if act.BilledTimeMs%100 != 0 {
		t.Errorf("billed time = %d, want multiple of 100", act.BilledTimeMs)
	}
	if !act.ColdStart {
		t.Error("first invocation should be a cold start")
	}
	if act.CompletedAt == nil {
		t.Error("completed activation missing CompletedAt")
	}
}

func TestInvokeWarmReuse(t *testing.T) {
	h := newTestHarness(t, defaultSchedulerConfig(), newStubRunner())
	h.store.functions["fn-1"] = testFunction(1000, 1)

	first, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	second, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("second Invoke: %v", err)
	}

	if !first.ColdStart {
		t.Error("first invocation should be cold")
	}
	if second.ColdStart {
		t.Error("second invocation should reuse the warm sandbox")
	}
	if first.SandboxID != second.SandboxID {
		t.Errorf("sandbox ids differ: %s vs %s", first.SandboxID, second.SandboxID)
	}
}

func TestInvokeWorkloadError(t *testing.T) {
	runner := newStubRunner()
	runner.invokeErr = errors.New("exit status 3")
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if act.Status != domain.ActivationApplicationError {
		t.Fatalf("status = %s, want application_error", act.Status)
	}
	if act.Response.Error != "exit status 3" {
		t.Errorf("error = %q", act.Response.Error)
	}
}

func TestInvokeReportedError(t *testing.T) {
	runner := newStubRunner()
	runner.result = json.RawMessage(`{"error":"division by zero"}`)
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if act.Status != domain.ActivationApplicationError {
		t.Fatalf("status = %s, want application_error", act.Status)
	}
	if act.Response.Error != "division by zero" {
		t.Errorf("error = %q", act.Response.Error)
	}
	// 原始载荷保留
	if string(act.Response.Result) != `{"error":"division by zero"}` {
		t.Errorf("result = %s", act.Response.Result)
	}
}

func TestInvokeTimeout(t *testing.T) {
	runner := newStubRunner()
	runner.invokeDelay = 2 * time.Second
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(60, 1)

	start := time.Now()
	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("watchdog did not abort promptly, took %v", elapsed)
	}

	if act.Status != domain.ActivationDeveloperError {
		t.Fatalf("status = %s, want developer_error", act.Status)
	}
	want := "function exceeded its time limit of 60 milliseconds during run"
	if act.Response.Error != want {
		t.Errorf("error = %q, want %q", act.Response.Error, want)
	}
	// 超时记录的时长不小于配置值
	if act.DurationMs < 60 {
		t.Errorf("duration = %d, want >= 60", act.DurationMs)
	}
	if act.BilledTimeMs < 100 {
		t.Errorf("billed = %d, want >= 100", act.BilledTimeMs)
	}
}

func TestInvokeLogTruncation(t *testing.T) {
	runner := newStubRunner()
	runner.logLines = []string{strings.Repeat("x", 512), strings.Repeat("y", 512)}
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	// 日志预算 0 MB：任何输出都触发截断
	h.store.functions["fn-1"] = testFunction(1000, 0)

	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if act.Status != domain.ActivationSuccess {
		t.Fatalf("log truncation must not affect status, got %s", act.Status)
	}
	if !act.LogsTruncated {
		t.Fatal("LogsTruncated = false, want true")
	}
	if len(act.Logs) == 0 {
		t.Fatal("expected synthetic truncation line")
	}
	last := act.Logs[len(act.Logs)-1]
	if !strings.Contains(last, "logs were truncated") {
		t.Errorf("last line = %q, want truncation notice", last)
	}
}

func TestInvokeResultTruncation(t *testing.T) {
	runner := newStubRunner()
	// 结果上限为完整的 MaxActivationEntitySize（包络预留只扣减请求载荷）
	runner.result = json.RawMessage(`{"data":"` + strings.Repeat("z", policy.ReservedEnvelopeBytes+512) + `"}`)
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if act.Status != domain.ActivationDeveloperError {
		t.Fatalf("status = %s, want developer_error", act.Status)
	}
	if !act.ResultTruncated {
		t.Error("ResultTruncated = false, want true")
	}
	if !strings.Contains(act.Response.Error, "truncated response follows:") {
		t.Errorf("error = %q, want truncation marker", act.Response.Error)
	}
	if len(act.Response.Result) != 0 {
		t.Error("truncated activation must not carry a full result")
	}
}

func TestInvokeResultAtEntityCeiling(t *testing.T) {
	runner := newStubRunner()
	// 恰好占满实体上限的结果原样通过（回显场景）
	ceiling := int(testPolicy(t).MaxActivationEntitySize)
	payload := `{"data":"` + strings.Repeat("e", ceiling-len(`{"data":""}`)) + `"}`
	runner.result = json.RawMessage(payload)
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if act.Status != domain.ActivationSuccess {
		t.Fatalf("status = %s, want success (error: %s)", act.Status, act.Response.Error)
	}
	if act.ResultTruncated {
		t.Error("ResultTruncated = true at exact ceiling, want false")
	}
	if string(act.Response.Result) != payload {
		t.Error("result modified, want verbatim")
	}
}

func TestInvokeMemoryExhaustedByRuntime(t *testing.T) {
	runner := newStubRunner()
	runner.invokeErr = domain.ErrMemoryExhausted
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	act, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if act.Status != domain.ActivationDeveloperError {
		t.Fatalf("status = %s, want developer_error", act.Status)
	}
	if act.Response.Error != "function exhausted its memory and was aborted" {
		t.Errorf("error = %q", act.Response.Error)
	}
}

func TestInvokeFunctionNotFound(t *testing.T) {
	h := newTestHarness(t, defaultSchedulerConfig(), newStubRunner())

	_, err := h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "missing"})
	if !errors.Is(err, domain.ErrFunctionNotFound) {
		t.Fatalf("err = %v, want ErrFunctionNotFound", err)
	}
}

func TestInvokeQueueFull(t *testing.T) {
	runner := newStubRunner()
	runner.invokeDelay = 200 * time.Millisecond
	// 无工作协程消费，队列容量 1
	h := newTestHarness(t, config.SchedulerConfig{Workers: 0, QueueSize: 1}, runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	if _, err := h.scheduler.InvokeAsync(&domain.InvokeRequest{FunctionID: "fn-1"}); err != nil {
		t.Fatalf("first InvokeAsync: %v", err)
	}

	// 队列已满且无 Redis 溢出队列
	_, err := h.scheduler.InvokeAsync(&domain.InvokeRequest{FunctionID: "fn-1"})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	_, err = h.scheduler.Invoke(context.Background(), &domain.InvokeRequest{FunctionID: "fn-1"})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("blocking err = %v, want ErrQueueFull", err)
	}

	// 被拒绝的激活不得停留在 running；准入时已持久化的记录
	// 必须终态化并携带拒绝原因
	h.store.mu.Lock()
	var running, rejected int
	for _, act := range h.store.activations {
		switch {
		case act.Status == domain.ActivationRunning:
			running++
		case act.Status == domain.ActivationApplicationError:
			if act.Response.Error != domain.ErrQueueFull.Error() {
				t.Errorf("rejected activation error = %q", act.Response.Error)
			}
			rejected++
		default:
			t.Errorf("unexpected status %s", act.Status)
		}
	}
	h.store.mu.Unlock()
	if running != 1 || rejected != 2 {
		t.Fatalf("running = %d, rejected = %d; want 1 queued running and 2 terminal", running, rejected)
	}
}

func TestInvokeAsyncReturnsImmediately(t *testing.T) {
	runner := newStubRunner()
	runner.invokeDelay = 100 * time.Millisecond
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	start := time.Now()
	id, err := h.scheduler.InvokeAsync(&domain.InvokeRequest{FunctionID: "fn-1"})
	if err != nil {
		t.Fatalf("InvokeAsync: %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatal("InvokeAsync blocked on execution")
	}
	if id == "" {
		t.Fatal("empty activation id")
	}

	// 记录已以 running 状态持久化
	act, err := h.store.GetActivationByID(id)
	if err != nil {
		t.Fatalf("GetActivationByID: %v", err)
	}
	if act.Status != domain.ActivationRunning && !act.Status.IsTerminal() {
		t.Errorf("status = %s", act.Status)
	}

	// 最终终态化
	deadline := time.After(2 * time.Second)
	for {
		act, _ := h.store.GetActivationByID(id)
		if act != nil && act.Status.IsTerminal() {
			if act.Status != domain.ActivationSuccess {
				t.Fatalf("status = %s, want success", act.Status)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("activation never reached a terminal state")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestInvokeCallerDisconnect(t *testing.T) {
	runner := newStubRunner()
	runner.invokeDelay = 150 * time.Millisecond
	h := newTestHarness(t, defaultSchedulerConfig(), runner)
	h.store.functions["fn-1"] = testFunction(1000, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	act, err := h.scheduler.Invoke(ctx, &domain.InvokeRequest{FunctionID: "fn-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if act == nil || act.ID == "" {
		t.Fatal("disconnect must still surface the activation id")
	}

	// 执行不受调用方断开影响，记录照常终态化
	deadline := time.After(2 * time.Second)
	for {
		stored, _ := h.store.GetActivationByID(act.ID)
		if stored != nil && stored.Status.IsTerminal() {
			if stored.Status != domain.ActivationSuccess {
				t.Fatalf("status = %s, want success", stored.Status)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("activation never finished after caller disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStats(t *testing.T) {
	h := newTestHarness(t, defaultSchedulerConfig(), newStubRunner())

	st := h.scheduler.Stats()
	if st.Workers != 2 {
		t.Errorf("workers = %d, want 2", st.Workers)
	}
	if st.QueueCap != 8 {
		t.Errorf("queue cap = %d, want 8", st.QueueCap)
	}
	if st.QueueLength != 0 {
		t.Errorf("queue length = %d, want 0", st.QueueLength)
	}
}

package outcome

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/domain"
)

// TestClassify_Priority 测试分类器的优先级表。
func TestClassify_Priority(t *testing.T) {
	bigResult := json.RawMessage(bytes.Repeat([]byte("x"), 2048))

	tests := []struct {
		name       string
		sig        Signals
		wantStatus domain.ActivationStatus
		wantErr    string // 期望错误字段包含的子串，空表示无错误
	}{
		{
			name: "timeout during run",
			sig: Signals{
				Cause:       CauseTimeout,
				Phase:       PhaseRun,
				Timeout:     5 * time.Second,
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationDeveloperError,
			wantErr:    "function exceeded its time limit of 5000 milliseconds during run",
		},
		{
			name: "timeout during initialization",
			sig: Signals{
				Cause:       CauseTimeout,
				Phase:       PhaseInit,
				Timeout:     30 * time.Second,
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationDeveloperError,
			wantErr:    "function exceeded its time limit of 30000 milliseconds during initialization",
		},
		{
			name: "memory exhausted",
			sig: Signals{
				Cause:       CauseMemory,
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationDeveloperError,
			wantErr:    "function exhausted its memory and was aborted",
		},
		{
			// 超时优先于结果截断：监视器触发后结果大小不再参与分类
			name: "timeout wins over oversized result",
			sig: Signals{
				Cause:       CauseTimeout,
				Phase:       PhaseRun,
				Timeout:     time.Second,
				Result:      bigResult,
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationDeveloperError,
			wantErr:    "time limit",
		},
		{
			name: "result truncated",
			sig: Signals{
				Result:      bigResult,
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationDeveloperError,
			wantErr:    "truncated response follows",
		},
		{
			// 截断优先于工作负载自报的 error 字段
			name: "truncation wins over reported error field",
			sig: Signals{
				Result:      json.RawMessage(`{"error": "` + strings.Repeat("y", 2048) + `"}`),
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationDeveloperError,
			wantErr:    "truncated response follows",
		},
		{
			name: "sandbox resource exhaustion",
			sig: Signals{
				ResourceExhaustion: &domain.ResourceExhaustion{
					Resource:  "file descriptors",
					Code:      24,
					Operation: "open",
				},
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationApplicationError,
			wantErr:    "file descriptors exhausted",
		},
		{
			name: "workload process failure",
			sig: Signals{
				WorkloadErr: "exit status 1: unhandled exception",
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationApplicationError,
			wantErr:    "unhandled exception",
		},
		{
			name: "workload reported error field",
			sig: Signals{
				Result:      json.RawMessage(`{"error": "order not found"}`),
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationApplicationError,
			wantErr:    "order not found",
		},
		{
			// 包装器捕获的 OS 资源错误以结构化对象随结果上报
			name: "structured exhaustion embedded in result",
			sig: Signals{
				Result:      json.RawMessage(`{"error": {"resource": "file descriptors", "code": 24, "operation": "open"}}`),
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationApplicationError,
			wantErr:    "file descriptors exhausted (errno 24)",
		},
		{
			name: "clean exit",
			sig: Signals{
				Result:      json.RawMessage(`{"greeting": "hello"}`),
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationSuccess,
		},
		{
			name:       "clean exit without result",
			sig:        Signals{ResultLimit: 1024},
			wantStatus: domain.ActivationSuccess,
		},
		{
			name: "null error field is not a failure",
			sig: Signals{
				Result:      json.RawMessage(`{"error": null, "value": 1}`),
				ResultLimit: 1024,
			},
			wantStatus: domain.ActivationSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.sig)
			if v.Status != tt.wantStatus {
				t.Errorf("Classify() status = %q, want %q", v.Status, tt.wantStatus)
			}
			if tt.wantErr == "" {
				if v.Response.Error != "" {
					t.Errorf("Classify() error = %q, want empty", v.Response.Error)
				}
			} else if !strings.Contains(v.Response.Error, tt.wantErr) {
				t.Errorf("Classify() error = %q, want substring %q", v.Response.Error, tt.wantErr)
			}
		})
	}
}

// TestClassify_ResultAtCeiling 测试结果恰好等于实体上限时原样成功（回显场景）。
func TestClassify_ResultAtCeiling(t *testing.T) {
	result := json.RawMessage(bytes.Repeat([]byte("e"), 1024))

	v := Classify(Signals{Result: result, ResultLimit: 1024})
	if v.Status != domain.ActivationSuccess {
		t.Fatalf("status = %q, want %q", v.Status, domain.ActivationSuccess)
	}
	if v.ResultTruncated {
		t.Error("ResultTruncated = true at exact ceiling, want false")
	}
	if !bytes.Equal(v.Response.Result, result) {
		t.Error("result modified, want verbatim")
	}
}

// TestClassify_TruncationMetadata 测试截断判定携带截断标记与两个大小数字。
func TestClassify_TruncationMetadata(t *testing.T) {
	payload := bytes.Repeat([]byte("z"), 1025)

	v := Classify(Signals{Result: payload, ResultLimit: 1024})
	if v.Status != domain.ActivationDeveloperError {
		t.Fatalf("status = %q, want %q", v.Status, domain.ActivationDeveloperError)
	}
	if !v.ResultTruncated {
		t.Fatal("ResultTruncated = false, want true")
	}
	if !strings.Contains(v.Response.Error, "1025 bytes") || !strings.Contains(v.Response.Error, "allowed 1024 bytes") {
		t.Errorf("error = %q, want both attempted and allowed sizes", v.Response.Error)
	}
	if v.Response.Result != nil {
		t.Error("truncated verdict carries raw result, want error text only")
	}
}

// TestClassify_ResourceExhaustionStructured 测试资源耗尽的结构化字段原样保留。
func TestClassify_ResourceExhaustionStructured(t *testing.T) {
	re := &domain.ResourceExhaustion{Resource: "file descriptors", Code: 24, Operation: "accept"}

	v := Classify(Signals{ResourceExhaustion: re, ResultLimit: 1024})
	if v.Status != domain.ActivationApplicationError {
		t.Fatalf("status = %q, want %q", v.Status, domain.ActivationApplicationError)
	}
	got := v.Response.ResourceError
	if got == nil {
		t.Fatal("ResourceError = nil, want structured report")
	}
	if got.Resource != "file descriptors" || got.Code != 24 || got.Operation != "accept" {
		t.Errorf("ResourceError = %+v, want fields preserved", got)
	}

	// 结构化对象可序列化为约定的 JSON 字段名
	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, key := range []string{`"resource"`, `"code"`, `"operation"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("serialized report %s missing key %s", data, key)
		}
	}
}

// TestCauseLatch_FirstWins 测试原因闩锁先到先得，后到信号被丢弃。
func TestCauseLatch_FirstWins(t *testing.T) {
	var l CauseLatch

	if l.Tripped() {
		t.Fatal("new latch reports tripped")
	}
	if !l.Trip(CauseTimeout, PhaseRun) {
		t.Fatal("first Trip() = false, want true")
	}
	if l.Trip(CauseMemory, PhaseRun) {
		t.Fatal("second Trip() = true, want false")
	}

	cause, phase := l.Snapshot()
	if cause != CauseTimeout || phase != PhaseRun {
		t.Errorf("Snapshot() = (%v, %v), want first writer preserved", cause, phase)
	}
}

// TestCauseLatch_ConcurrentRace 测试并发竞争下恰好一个触发者胜出。
func TestCauseLatch_ConcurrentRace(t *testing.T) {
	var l CauseLatch
	var wg sync.WaitGroup

	wins := make(chan Cause, 2)
	for _, c := range []Cause{CauseTimeout, CauseMemory} {
		wg.Add(1)
		go func(c Cause) {
			defer wg.Done()
			if l.Trip(c, PhaseRun) {
				wins <- c
			}
		}(c)
	}
	wg.Wait()
	close(wins)

	var winners []Cause
	for c := range wins {
		winners = append(winners, c)
	}
	if len(winners) != 1 {
		t.Fatalf("got %d winners, want exactly 1", len(winners))
	}
	cause, _ := l.Snapshot()
	if cause != winners[0] {
		t.Errorf("Snapshot() cause = %v, want winner %v", cause, winners[0])
	}
}

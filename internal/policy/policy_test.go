package policy

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
)

// newTestPolicy 构造一个启用并发控制的测试策略。
func newTestPolicy(t *testing.T) *LimitPolicy {
	t.Helper()
	p, err := New(&config.LimitsConfig{
		Time:                    config.BoundsConfig{Min: 100, Std: 30000, Max: 300000},
		Memory:                  config.BoundsConfig{Min: 128, Std: 256, Max: 3072},
		Logs:                    config.BoundsConfig{Min: 0, Std: 8, Max: 32},
		Concurrency:             config.BoundsConfig{Min: 1, Std: 1, Max: 64},
		ConcurrencyEnabled:      true,
		MaxCodeSize:             512 * 1024,
		MaxActivationEntitySize: 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

// dimensionSpec 以数据形式描述一个限额维度，驱动通用的边界性质测试。
// 每个维度声明自己的边界访问器和 FunctionLimits 读写器，
// 代替逐维度手工展开的用例矩阵。
type dimensionSpec struct {
	// name 是维度名称（同时出现在拒绝消息里）
	name string
	// bounds 返回策略中该维度的边界
	bounds func(p *LimitPolicy) Bounds
	// set 在限额对象上设置该维度的值
	set func(l *domain.FunctionLimits, v int64)
	// get 读取限额对象上该维度的值
	get func(l domain.FunctionLimits) (int64, bool)
}

// dimensions 枚举全部四个限额维度的访问器。
func dimensions() []dimensionSpec {
	return []dimensionSpec{
		{
			name:   "timeout",
			bounds: func(p *LimitPolicy) Bounds { return p.Time },
			set: func(l *domain.FunctionLimits, v int64) {
				l.TimeoutMs = &v
			},
			get: func(l domain.FunctionLimits) (int64, bool) {
				if l.TimeoutMs == nil {
					return 0, false
				}
				return *l.TimeoutMs, true
			},
		},
		{
			name:   "memory",
			bounds: func(p *LimitPolicy) Bounds { return p.Memory },
			set: func(l *domain.FunctionLimits, v int64) {
				i := int(v)
				l.MemoryMB = &i
			},
			get: func(l domain.FunctionLimits) (int64, bool) {
				if l.MemoryMB == nil {
					return 0, false
				}
				return int64(*l.MemoryMB), true
			},
		},
		{
			name:   "logs",
			bounds: func(p *LimitPolicy) Bounds { return p.LogSize },
			set: func(l *domain.FunctionLimits, v int64) {
				i := int(v)
				l.LogsMB = &i
			},
			get: func(l domain.FunctionLimits) (int64, bool) {
				if l.LogsMB == nil {
					return 0, false
				}
				return int64(*l.LogsMB), true
			},
		},
		{
			name:   "concurrency",
			bounds: func(p *LimitPolicy) Bounds { return p.Concurrency },
			set: func(l *domain.FunctionLimits, v int64) {
				i := int(v)
				l.Concurrency = &i
			},
			get: func(l domain.FunctionLimits) (int64, bool) {
				if l.Concurrency == nil {
					return 0, false
				}
				return int64(*l.Concurrency), true
			},
		},
	}
}

// TestValidate_BoundsProperty 对每个维度执行同一组边界性质探针：
// 区间内的值（min、min+1、中点、max-1、max）校验通过且原样保留；
// 区间外的值（min-1、max+1）被拒绝，且消息包含 "allowed threshold"
// 与维度名称。
func TestValidate_BoundsProperty(t *testing.T) {
	p := newTestPolicy(t)

	for _, dim := range dimensions() {
		b := dim.bounds(p)
		t.Run(dim.name, func(t *testing.T) {
			// 区间内探针：应通过且值原样保留
			accepted := []int64{b.Min, b.Min + 1, (b.Min + b.Max) / 2, b.Max - 1, b.Max}
			for _, v := range accepted {
				if v < b.Min || v > b.Max {
					continue // min+1 可能越过 max（退化区间）
				}
				var req domain.FunctionLimits
				dim.set(&req, v)
				got, err := p.Validate(req)
				if err != nil {
					t.Errorf("Validate(%s=%d) error = %v, want nil", dim.name, v, err)
					continue
				}
				stored, ok := dim.get(got)
				if !ok || stored != v {
					t.Errorf("Validate(%s=%d) stored %d, want verbatim", dim.name, v, stored)
				}
			}

			// 区间外探针：应被拒绝且消息可被通用识别
			for _, v := range []int64{b.Min - 1, b.Max + 1} {
				var req domain.FunctionLimits
				dim.set(&req, v)
				_, err := p.Validate(req)
				if err == nil {
					t.Errorf("Validate(%s=%d) = nil error, want rejection", dim.name, v)
					continue
				}
				if !strings.Contains(err.Error(), "allowed threshold") {
					t.Errorf("Validate(%s=%d) error = %q, want substring %q", dim.name, v, err.Error(), "allowed threshold")
				}
				if !strings.Contains(err.Error(), dim.name) {
					t.Errorf("Validate(%s=%d) error = %q, want dimension name present", dim.name, v, err.Error())
				}
				var reason *RejectionReason
				if !errors.As(err, &reason) {
					t.Errorf("Validate(%s=%d) error type = %T, want *RejectionReason", dim.name, v, err)
				} else if reason.Requested != v {
					t.Errorf("RejectionReason.Requested = %d, want %d", reason.Requested, v)
				}
			}
		})
	}
}

// TestValidate_AbsentEqualsStd 测试缺省维度与显式提供标准值等价（往返等价）。
func TestValidate_AbsentEqualsStd(t *testing.T) {
	p := newTestPolicy(t)

	// 全部缺省
	fromAbsent, err := p.Validate(domain.FunctionLimits{})
	if err != nil {
		t.Fatalf("Validate(empty) error = %v", err)
	}

	// 全部显式提供标准值
	var explicit domain.FunctionLimits
	for _, dim := range dimensions() {
		dim.set(&explicit, dim.bounds(p).Std)
	}
	fromExplicit, err := p.Validate(explicit)
	if err != nil {
		t.Fatalf("Validate(explicit std) error = %v", err)
	}

	for _, dim := range dimensions() {
		a, aok := dim.get(fromAbsent)
		e, eok := dim.get(fromExplicit)
		if !aok || !eok {
			t.Fatalf("%s missing after validation: absent set=%v explicit set=%v", dim.name, aok, eok)
		}
		if a != dim.bounds(p).Std {
			t.Errorf("%s filled with %d, want std %d", dim.name, a, dim.bounds(p).Std)
		}
		if a != e {
			t.Errorf("%s absent(%d) != explicit std(%d)", dim.name, a, e)
		}
	}
}

// TestValidate_DoesNotMutateInput 测试校验不改写调用方的请求对象。
func TestValidate_DoesNotMutateInput(t *testing.T) {
	p := newTestPolicy(t)

	var req domain.FunctionLimits
	if _, err := p.Validate(req); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if req.TimeoutMs != nil || req.MemoryMB != nil || req.LogsMB != nil || req.Concurrency != nil {
		t.Error("Validate() mutated the caller's request")
	}
}

// TestValidate_ConcurrencyDisabled 测试并发控制关闭时维度被钉为 1。
// 构造时无论配置的并发边界是什么，策略都收拢为 (1,1,1)：
// 只有 1 是合法值，缺省也填充为 1。
func TestValidate_ConcurrencyDisabled(t *testing.T) {
	p, err := New(&config.LimitsConfig{
		Time:                    config.BoundsConfig{Min: 100, Std: 30000, Max: 300000},
		Memory:                  config.BoundsConfig{Min: 128, Std: 256, Max: 3072},
		Logs:                    config.BoundsConfig{Min: 0, Std: 8, Max: 32},
		Concurrency:             config.BoundsConfig{Min: 1, Std: 4, Max: 64},
		ConcurrencyEnabled:      false,
		MaxCodeSize:             512 * 1024,
		MaxActivationEntitySize: 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if p.Concurrency != (Bounds{Min: 1, Std: 1, Max: 1}) {
		t.Fatalf("Concurrency bounds = %+v, want pinned (1,1,1)", p.Concurrency)
	}

	// 缺省 → 1
	got, err := p.Validate(domain.FunctionLimits{})
	if err != nil {
		t.Fatalf("Validate(empty) error = %v", err)
	}
	if *got.Concurrency != 1 {
		t.Errorf("Concurrency filled with %d, want 1", *got.Concurrency)
	}

	// 显式 1 → 合法
	one := 1
	if _, err := p.Validate(domain.FunctionLimits{Concurrency: &one}); err != nil {
		t.Errorf("Validate(concurrency=1) error = %v, want nil", err)
	}

	// 任何其他值 → 拒绝
	two := 2
	_, err = p.Validate(domain.FunctionLimits{Concurrency: &two})
	if err == nil {
		t.Fatal("Validate(concurrency=2) = nil error, want rejection")
	}
	if !strings.Contains(err.Error(), "allowed threshold") {
		t.Errorf("error = %q, want substring %q", err.Error(), "allowed threshold")
	}
}

// TestValidateCodeSize 测试代码大小的"实体过大"检查独立于限额校验。
func TestValidateCodeSize(t *testing.T) {
	p := newTestPolicy(t)

	if err := p.ValidateCodeSize(p.MaxCodeSize); err != nil {
		t.Errorf("ValidateCodeSize(at limit) error = %v, want nil", err)
	}

	err := p.ValidateCodeSize(p.MaxCodeSize + 1)
	if err == nil {
		t.Fatal("ValidateCodeSize(limit+1) = nil error, want entity too large")
	}
	if !domain.IsEntityTooLarge(err) {
		t.Errorf("error type = %T, want *domain.EntityTooLargeError", err)
	}
	// 实体过大是传输层拒绝：不得伪装成限额拒绝
	var reason *RejectionReason
	if errors.As(err, &reason) {
		t.Error("code size violation produced a RejectionReason, want distinct entity classification")
	}
	if strings.Contains(err.Error(), "allowed threshold") {
		t.Errorf("error = %q, must not reference allowed threshold", err.Error())
	}
}

// TestValidatePayloadSize 测试请求载荷的实体上限扣除包络预留。
func TestValidatePayloadSize(t *testing.T) {
	p := newTestPolicy(t)
	limit := p.MaxActivationEntitySize - ReservedEnvelopeBytes

	if err := p.ValidatePayloadSize(limit); err != nil {
		t.Errorf("ValidatePayloadSize(at margin) error = %v, want nil", err)
	}

	err := p.ValidatePayloadSize(limit + 1)
	if err == nil {
		t.Fatal("ValidatePayloadSize(margin+1) = nil error, want entity too large")
	}
	var tooLarge *domain.EntityTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("error type = %T, want *domain.EntityTooLargeError", err)
	}
	if tooLarge.Kind != domain.EntityPayload {
		t.Errorf("Kind = %q, want %q", tooLarge.Kind, domain.EntityPayload)
	}
	if tooLarge.Limit != limit {
		t.Errorf("Limit = %d, want ceiling minus reserved envelope %d", tooLarge.Limit, limit)
	}
}

// TestRejectionReason_Messages 测试拒绝消息的两种形态（超上限/低于下限）。
func TestRejectionReason_Messages(t *testing.T) {
	tests := []struct {
		name   string
		reason RejectionReason
		want   string
	}{
		{
			name:   "above max with unit",
			reason: RejectionReason{Dimension: DimensionMemory, Requested: 4096, Min: 128, Max: 3072, Unit: "MB"},
			want:   "memory of 4096 MB exceeds allowed threshold of 3072 MB",
		},
		{
			name:   "below min with unit",
			reason: RejectionReason{Dimension: DimensionTime, Requested: 50, Min: 100, Max: 300000, Unit: "ms"},
			want:   "timeout of 50 ms is below allowed threshold of 100 ms",
		},
		{
			name:   "above max without unit",
			reason: RejectionReason{Dimension: DimensionConcurrency, Requested: 65, Min: 1, Max: 64},
			want:   "concurrency of 65 exceeds allowed threshold of 64",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reason.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestNew_InvalidBounds 测试违反 min <= std <= max 的配置在加载时被拒绝。
func TestNew_InvalidBounds(t *testing.T) {
	_, err := New(&config.LimitsConfig{
		Time:                    config.BoundsConfig{Min: 1000, Std: 100, Max: 300000},
		Memory:                  config.BoundsConfig{Min: 128, Std: 256, Max: 3072},
		Logs:                    config.BoundsConfig{Min: 0, Std: 8, Max: 32},
		Concurrency:             config.BoundsConfig{Min: 1, Std: 1, Max: 64},
		ConcurrencyEnabled:      true,
		MaxCodeSize:             512 * 1024,
		MaxActivationEntitySize: 1024 * 1024,
	})
	if err == nil {
		t.Fatal("New() with min > std succeeded, want error")
	}
}

// TestBlockingWaitCeiling 测试阻塞等待上限严格大于最大函数超时。
func TestBlockingWaitCeiling(t *testing.T) {
	p := newTestPolicy(t)

	if p.BlockingWaitCeiling() <= p.MaxTimeout() {
		t.Errorf("BlockingWaitCeiling() = %v, want strictly greater than max timeout %v",
			p.BlockingWaitCeiling(), p.MaxTimeout())
	}
	if p.MaxTimeout() != 300*time.Second {
		t.Errorf("MaxTimeout() = %v, want 300s", p.MaxTimeout())
	}
}

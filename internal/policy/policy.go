// Package policy 实现平台资源限额策略与准入校验。
// LimitPolicy 在进程启动时从配置加载一次，此后只读；
// 它持有每个限额维度的 (min, std, max) 三元组以及两个平台级上限
// （代码大小、激活实体大小）。准入校验器依据该策略检查函数
// 创建/更新时请求的限额：越界维度被拒绝，缺失维度填充为标准值。
// 校验是纯函数，不触碰存储与沙箱。
package policy

import (
	"fmt"
	"time"

	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
)

// Dimension 标识一个资源限额维度。
type Dimension string

// 限额维度常量定义
const (
	// DimensionTime 是单次调用的执行时间维度（毫秒）
	DimensionTime Dimension = "timeout"
	// DimensionMemory 是沙箱常驻内存维度（MB）
	DimensionMemory Dimension = "memory"
	// DimensionLogSize 是日志采集量维度（MB）
	DimensionLogSize Dimension = "logs"
	// DimensionConcurrency 是温沙箱内并发调用数维度
	DimensionConcurrency Dimension = "concurrency"
)

// 平台级常量
const (
	// ReservedEnvelopeBytes 是激活实体上限中为平台包络元数据（ID、时间戳、
	// 状态字段等）预留的字节数；请求载荷最多允许 maxActivationEntitySize
	// 减去该预留值
	ReservedEnvelopeBytes = 8 * 1024

	// blockingWaitGrace 是阻塞等待上限在最大函数超时之上附加的裕量，
	// 保证等待上限严格大于任何已配置的函数超时
	blockingWaitGrace = 5 * time.Second
)

// Bounds 表示一个维度的 (min, std, max) 三元组。
// 加载时校验 min <= std <= max。
type Bounds struct {
	// Min 是该维度允许的最小值
	Min int64 `json:"min"`
	// Std 是缺省时填充的标准值
	Std int64 `json:"std"`
	// Max 是该维度允许的最大值
	Max int64 `json:"max"`
}

// contains 判断 v 是否落在 [Min, Max] 区间内。
func (b Bounds) contains(v int64) bool {
	return v >= b.Min && v <= b.Max
}

// validate 校验三元组自身的不变量。
func (b Bounds) validate(d Dimension) error {
	if b.Min > b.Std || b.Std > b.Max {
		return fmt.Errorf("invalid %s bounds: min %d <= std %d <= max %d does not hold", d, b.Min, b.Std, b.Max)
	}
	return nil
}

// RejectionReason 表示一次准入拒绝：哪个维度、请求值以及允许区间。
// Error() 产生的消息固定包含 "allowed threshold"，调用方可以
// 据此通用地识别该类错误。
type RejectionReason struct {
	// Dimension 是被拒绝的限额维度
	Dimension Dimension `json:"dimension"`
	// Requested 是请求的值
	Requested int64 `json:"requested"`
	// Min 是该维度允许的最小值
	Min int64 `json:"min"`
	// Max 是该维度允许的最大值
	Max int64 `json:"max"`
	// Unit 是该维度的单位（"ms"、"MB"，并发维度为空）
	Unit string `json:"unit,omitempty"`
}

// Error 实现 error 接口。
func (r *RejectionReason) Error() string {
	if r.Requested > r.Max {
		return fmt.Sprintf("%s of %s exceeds allowed threshold of %s",
			r.Dimension, formatValue(r.Requested, r.Unit), formatValue(r.Max, r.Unit))
	}
	return fmt.Sprintf("%s of %s is below allowed threshold of %s",
		r.Dimension, formatValue(r.Requested, r.Unit), formatValue(r.Min, r.Unit))
}

// formatValue 格式化带单位的数值，并发维度无单位。
func formatValue(v int64, unit string) string {
	if unit == "" {
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("%d %s", v, unit)
}

// LimitPolicy 是进程级的限额策略。
// 在启动时构造一次，之后为只读共享状态；包括准入校验器在内的
// 任何组件都不会修改它。
type LimitPolicy struct {
	// Time 是执行时间维度的边界（毫秒）
	Time Bounds `json:"time"`
	// Memory 是内存维度的边界（MB）
	Memory Bounds `json:"memory"`
	// LogSize 是日志量维度的边界（MB）
	LogSize Bounds `json:"logs"`
	// Concurrency 是温沙箱内并发维度的边界；并发控制未启用时被钉为 (1,1,1)
	Concurrency Bounds `json:"concurrency"`
	// ConcurrencyEnabled 记录平台级并发开关在加载时的取值
	ConcurrencyEnabled bool `json:"concurrency_enabled"`
	// MaxCodeSize 是函数代码载荷的平台上限（字节）
	MaxCodeSize int64 `json:"max_code_size"`
	// MaxActivationEntitySize 是激活实体（参数 + 结果 + 元数据）序列化后的
	// 平台上限（字节），不可按函数调高
	MaxActivationEntitySize int64 `json:"max_activation_entity_size"`
}

// New 从配置构造 LimitPolicy 并校验其不变量。
// 并发开关在这里读取一次并固化进策略；之后任何组件都不再读取该配置项。
func New(cfg *config.LimitsConfig) (*LimitPolicy, error) {
	p := &LimitPolicy{
		Time:                    Bounds{Min: cfg.Time.Min, Std: cfg.Time.Std, Max: cfg.Time.Max},
		Memory:                  Bounds{Min: cfg.Memory.Min, Std: cfg.Memory.Std, Max: cfg.Memory.Max},
		LogSize:                 Bounds{Min: cfg.Logs.Min, Std: cfg.Logs.Std, Max: cfg.Logs.Max},
		Concurrency:             Bounds{Min: cfg.Concurrency.Min, Std: cfg.Concurrency.Std, Max: cfg.Concurrency.Max},
		ConcurrencyEnabled:      cfg.ConcurrencyEnabled,
		MaxCodeSize:             cfg.MaxCodeSize,
		MaxActivationEntitySize: cfg.MaxActivationEntitySize,
	}

	// 并发控制未启用时整个维度收拢为单一合法值 1
	if !cfg.ConcurrencyEnabled {
		p.Concurrency = Bounds{Min: 1, Std: 1, Max: 1}
	}

	for _, chk := range []struct {
		d Dimension
		b Bounds
	}{
		{DimensionTime, p.Time},
		{DimensionMemory, p.Memory},
		{DimensionLogSize, p.LogSize},
		{DimensionConcurrency, p.Concurrency},
	} {
		if err := chk.b.validate(chk.d); err != nil {
			return nil, err
		}
	}

	if p.MaxCodeSize <= 0 {
		return nil, fmt.Errorf("invalid max code size: %d", p.MaxCodeSize)
	}
	if p.MaxActivationEntitySize <= ReservedEnvelopeBytes {
		return nil, fmt.Errorf("invalid max activation entity size: %d must exceed reserved envelope of %d bytes",
			p.MaxActivationEntitySize, ReservedEnvelopeBytes)
	}

	return p, nil
}

// Validate 按策略校验请求的函数限额。
// 出现的字段越界时返回 *RejectionReason；缺失的字段填充为标准值。
// 返回的限额与输入不共享指针。校验是纯函数。
func (p *LimitPolicy) Validate(requested domain.FunctionLimits) (domain.FunctionLimits, error) {
	out := requested.Clone()

	if out.TimeoutMs == nil {
		v := p.Time.Std
		out.TimeoutMs = &v
	} else if !p.Time.contains(*out.TimeoutMs) {
		return domain.FunctionLimits{}, p.reject(DimensionTime, *out.TimeoutMs)
	}

	if out.MemoryMB == nil {
		v := int(p.Memory.Std)
		out.MemoryMB = &v
	} else if !p.Memory.contains(int64(*out.MemoryMB)) {
		return domain.FunctionLimits{}, p.reject(DimensionMemory, int64(*out.MemoryMB))
	}

	if out.LogsMB == nil {
		v := int(p.LogSize.Std)
		out.LogsMB = &v
	} else if !p.LogSize.contains(int64(*out.LogsMB)) {
		return domain.FunctionLimits{}, p.reject(DimensionLogSize, int64(*out.LogsMB))
	}

	if out.Concurrency == nil {
		v := int(p.Concurrency.Std)
		out.Concurrency = &v
	} else if !p.Concurrency.contains(int64(*out.Concurrency)) {
		return domain.FunctionLimits{}, p.reject(DimensionConcurrency, int64(*out.Concurrency))
	}

	return out, nil
}

// reject 构造给定维度的拒绝原因。
func (p *LimitPolicy) reject(d Dimension, requested int64) *RejectionReason {
	b, unit := p.bounds(d)
	return &RejectionReason{
		Dimension: d,
		Requested: requested,
		Min:       b.Min,
		Max:       b.Max,
		Unit:      unit,
	}
}

// bounds 返回维度对应的边界与单位。
func (p *LimitPolicy) bounds(d Dimension) (Bounds, string) {
	switch d {
	case DimensionTime:
		return p.Time, "ms"
	case DimensionMemory:
		return p.Memory, "MB"
	case DimensionLogSize:
		return p.LogSize, "MB"
	default:
		return p.Concurrency, ""
	}
}

// ValidateCodeSize 检查函数代码载荷是否超过平台上限。
// 这是比限额校验更早的独立检查：超限返回"实体过大"错误而非
// RejectionReason，因为它属于传输层拒绝。
func (p *LimitPolicy) ValidateCodeSize(size int64) error {
	if size > p.MaxCodeSize {
		return &domain.EntityTooLargeError{Kind: domain.EntityCode, Size: size, Limit: p.MaxCodeSize}
	}
	return nil
}

// ValidatePayloadSize 检查调用请求参数是否超出实体上限减去包络预留。
// 超限的调用在分配任何沙箱之前即被拒绝。
func (p *LimitPolicy) ValidatePayloadSize(size int64) error {
	limit := p.MaxActivationEntitySize - ReservedEnvelopeBytes
	if size > limit {
		return &domain.EntityTooLargeError{Kind: domain.EntityPayload, Size: size, Limit: limit}
	}
	return nil
}

// MaxTimeout 返回策略允许的最大函数超时。
func (p *LimitPolicy) MaxTimeout() time.Duration {
	return time.Duration(p.Time.Max) * time.Millisecond
}

// BlockingWaitCeiling 返回阻塞调用的本地等待上限。
// 恒严格大于任何可配置的函数超时，与结果是否被截断无关。
func (p *LimitPolicy) BlockingWaitCeiling() time.Duration {
	return p.MaxTimeout() + blockingWaitGrace
}

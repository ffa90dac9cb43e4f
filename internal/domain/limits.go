package domain

import "time"

// FunctionLimits 表示函数定义中声明的资源限额。
// 所有字段均为可选：nil 表示"使用平台标准值"，由准入校验器
// 在创建/更新时填充为策略的 std 值。校验通过后每个字段都已设置，
// 且落在对应维度的 [min, max] 区间内；之后随函数定义一起持久化。
type FunctionLimits struct {
	// TimeoutMs 为单次调用允许的最长执行时间（毫秒），覆盖初始化与运行两个阶段
	TimeoutMs *int64 `json:"timeout,omitempty"`
	// MemoryMB 为沙箱允许的常驻内存上限（MB）
	MemoryMB *int `json:"memory,omitempty"`
	// LogsMB 为单次调用允许采集的日志总量上限（MB）
	LogsMB *int `json:"logs,omitempty"`
	// Concurrency 为单个温沙箱内允许同时在途的调用数
	Concurrency *int `json:"concurrency,omitempty"`
}

// Clone 返回限额的深拷贝。
// 函数定义持有自己的限额副本，避免校验器的归一化结果与请求对象共享指针。
func (l *FunctionLimits) Clone() FunctionLimits {
	var out FunctionLimits
	if l.TimeoutMs != nil {
		v := *l.TimeoutMs
		out.TimeoutMs = &v
	}
	if l.MemoryMB != nil {
		v := *l.MemoryMB
		out.MemoryMB = &v
	}
	if l.LogsMB != nil {
		v := *l.LogsMB
		out.LogsMB = &v
	}
	if l.Concurrency != nil {
		v := *l.Concurrency
		out.Concurrency = &v
	}
	return out
}

// Resolve 将已归一化的限额转换为执行期使用的具体值。
// 只能对通过准入校验的限额调用；未设置的字段按零值处理，
// 调用方（调度器）负责保证限额已经过校验。
func (l *FunctionLimits) Resolve() ResolvedLimits {
	var r ResolvedLimits
	if l.TimeoutMs != nil {
		r.TimeoutMs = *l.TimeoutMs
	}
	if l.MemoryMB != nil {
		r.MemoryMB = *l.MemoryMB
	}
	if l.LogsMB != nil {
		r.LogBytes = int64(*l.LogsMB) * 1024 * 1024
	}
	if l.Concurrency != nil {
		r.Concurrency = *l.Concurrency
	}
	return r
}

// ResolvedLimits 是复制进单次调用执行上下文的限额值。
// 它是纯值类型：每次调用持有自己的副本，执行中途不会回读共享状态。
type ResolvedLimits struct {
	// TimeoutMs 为看门狗定时器的时长（毫秒，覆盖初始化与运行）
	TimeoutMs int64 `json:"timeout_ms"`
	// MemoryMB 为内存看门狗的阈值（MB）
	MemoryMB int `json:"memory_mb"`
	// LogBytes 为日志治理器的字节预算
	LogBytes int64 `json:"log_bytes"`
	// Concurrency 为温沙箱的在途调用槽位数
	Concurrency int `json:"concurrency"`
}

// Timeout 返回看门狗定时器的时长。
func (r ResolvedLimits) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// MemoryBytes 返回内存阈值对应的字节数。
func (r ResolvedLimits) MemoryBytes() int64 {
	return int64(r.MemoryMB) * 1024 * 1024
}

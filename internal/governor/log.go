// Package governor 实现执行期间的流治理：日志字节预算与结果大小治理。
// 两个治理器都不会使调用失败；日志治理只影响日志内容，
// 结果治理把超限结果替换为带截断说明的错误文本，由分类器定级。
package governor

import (
	"fmt"
	"sync"
)

// logTruncationFormat 是日志截断时追加的合成末行，注明配置的允许大小。
const logTruncationFormat = "logs were truncated because the total byte size exceeds the allowed limit of %d bytes"

// LogBuffer 按字节预算收集函数的输出行。
// 累计字节数在下一行会超出预算时停止接收，丢弃该行及其后所有行，
// 并追加一条注明允许大小的合成末行。合成末行不计入预算。
// 并发安全：运行时的 stdout/stderr 采集可以从多个 goroutine 追加。
type LogBuffer struct {
	mu        sync.Mutex
	limit     int64
	used      int64
	lines     []string
	truncated bool
}

// NewLogBuffer 创建一个预算为 limit 字节的日志缓冲。
func NewLogBuffer(limit int64) *LogBuffer {
	return &LogBuffer{limit: limit}
}

// Append 尝试追加一行（不含换行符的原始字节）。
// 行被接受返回 true；预算耗尽后返回 false，此后的行全部丢弃。
// 首次拒绝时追加合成末行。
func (b *LogBuffer) Append(line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return false
	}
	if b.used+int64(len(line)) > b.limit {
		b.truncated = true
		b.lines = append(b.lines, fmt.Sprintf(logTruncationFormat, b.limit))
		return false
	}
	b.used += int64(len(line))
	b.lines = append(b.lines, line)
	return true
}

// Lines 返回已收集的日志行快照，截断时以合成末行结尾。
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

// Truncated 报告缓冲是否发生过截断。
func (b *LogBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Used 返回已计入预算的字节数。
func (b *LogBuffer) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

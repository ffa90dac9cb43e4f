package governor

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// TestLogBuffer_WithinBudget 测试预算内的行全部原样保留。
func TestLogBuffer_WithinBudget(t *testing.T) {
	b := NewLogBuffer(100)

	lines := []string{"starting", "processing item 1", "done"}
	for _, line := range lines {
		if !b.Append(line) {
			t.Fatalf("Append(%q) = false, want true", line)
		}
	}

	if b.Truncated() {
		t.Error("Truncated() = true, want false")
	}
	got := b.Lines()
	if len(got) != len(lines) {
		t.Fatalf("Lines() returned %d lines, want %d", len(got), len(lines))
	}
	for i, line := range lines {
		if got[i] != line {
			t.Errorf("Lines()[%d] = %q, want %q", i, got[i], line)
		}
	}
}

// TestLogBuffer_ExactAtBudget 测试累计字节数恰好等于预算时不触发截断。
func TestLogBuffer_ExactAtBudget(t *testing.T) {
	b := NewLogBuffer(10)

	// 4 + 6 = 10，恰好用满预算
	if !b.Append("abcd") {
		t.Fatal("Append(first) = false, want true")
	}
	if !b.Append("efghij") {
		t.Fatal("Append(second) = false, want true")
	}

	if b.Truncated() {
		t.Error("Truncated() = true at exact budget, want false")
	}
	if b.Used() != 10 {
		t.Errorf("Used() = %d, want 10", b.Used())
	}
	if n := len(b.Lines()); n != 2 {
		t.Errorf("Lines() returned %d lines, want 2 (no sentinel)", n)
	}
}

// TestLogBuffer_Truncation 测试越界行被丢弃并追加注明允许大小的合成末行。
func TestLogBuffer_Truncation(t *testing.T) {
	const limit = 10
	b := NewLogBuffer(limit)

	if !b.Append("abcdefghi") { // 9 字节，预算内
		t.Fatal("Append(within) = false, want true")
	}
	if b.Append("xy") { // 9+2 > 10，触发截断
		t.Fatal("Append(over) = true, want false")
	}
	if b.Append("after") { // 截断后全部丢弃
		t.Fatal("Append(after truncation) = true, want false")
	}

	if !b.Truncated() {
		t.Fatal("Truncated() = false, want true")
	}

	got := b.Lines()
	if len(got) != 2 {
		t.Fatalf("Lines() returned %d lines, want 2 (payload + sentinel)", len(got))
	}
	if got[0] != "abcdefghi" {
		t.Errorf("Lines()[0] = %q, want accepted line preserved", got[0])
	}

	sentinel := got[len(got)-1]
	want := fmt.Sprintf("logs were truncated because the total byte size exceeds the allowed limit of %d bytes", limit)
	if sentinel != want {
		t.Errorf("sentinel = %q, want %q", sentinel, want)
	}

	// 合成末行只出现一次
	count := 0
	for _, line := range got {
		if strings.Contains(line, "logs were truncated") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("sentinel appeared %d times, want exactly 1", count)
	}
}

// TestLogBuffer_ZeroBudget 测试零预算下任何非空行都立即触发截断。
func TestLogBuffer_ZeroBudget(t *testing.T) {
	b := NewLogBuffer(0)

	if b.Append("hello") {
		t.Fatal("Append() = true with zero budget, want false")
	}
	if !b.Truncated() {
		t.Fatal("Truncated() = false, want true")
	}
	got := b.Lines()
	if len(got) != 1 || !strings.Contains(got[0], "allowed limit of 0 bytes") {
		t.Errorf("Lines() = %v, want single sentinel naming the zero limit", got)
	}
}

// TestLogBuffer_ConcurrentAppend 测试并发追加下的预算与哨兵不变量：
// 计入预算的字节数不超过上限，合成末行至多一条且位于末尾。
func TestLogBuffer_ConcurrentAppend(t *testing.T) {
	const limit = 256
	b := NewLogBuffer(limit)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Append(fmt.Sprintf("worker %d line %d", id, j))
			}
		}(i)
	}
	wg.Wait()

	if b.Used() > limit {
		t.Errorf("Used() = %d, exceeds budget %d", b.Used(), limit)
	}

	got := b.Lines()
	sentinels := 0
	for i, line := range got {
		if strings.Contains(line, "logs were truncated") {
			sentinels++
			if i != len(got)-1 {
				t.Errorf("sentinel at index %d, want last index %d", i, len(got)-1)
			}
		}
	}
	if b.Truncated() && sentinels != 1 {
		t.Errorf("truncated buffer has %d sentinels, want 1", sentinels)
	}
	if !b.Truncated() && sentinels != 0 {
		t.Errorf("untruncated buffer has %d sentinels, want 0", sentinels)
	}
}

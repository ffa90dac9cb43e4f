package governor

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// TestGovernResult_WithinLimit 测试恰好等于上限的结果原样通过。
func TestGovernResult_WithinLimit(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1024)

	if msg, truncated := GovernResult(payload, 1024); truncated {
		t.Errorf("GovernResult(at limit) = (%q, true), want untruncated", msg)
	}
	if msg, truncated := GovernResult(nil, 1024); truncated {
		t.Errorf("GovernResult(nil) = (%q, true), want untruncated", msg)
	}
}

// TestGovernResult_Truncated 测试超限一个字节即触发截断，
// 截断文本同时注明尝试大小与允许大小，以原始载荷的字面前缀结尾，
// 且整体长度不超过上限。
func TestGovernResult_Truncated(t *testing.T) {
	const limit = 512
	// 用可区分的字节填充，便于校验尾部对应原始内容
	payload := make([]byte, limit+1)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}

	msg, truncated := GovernResult(payload, limit)
	if !truncated {
		t.Fatal("GovernResult(limit+1) = untruncated, want truncated")
	}

	if !strings.Contains(msg, fmt.Sprintf("%d bytes", len(payload))) {
		t.Errorf("message %q missing attempted size %d", msg, len(payload))
	}
	if !strings.Contains(msg, fmt.Sprintf("allowed %d bytes", limit)) {
		t.Errorf("message %q missing allowed size %d", msg, limit)
	}

	if int64(len(msg)) > limit {
		t.Errorf("truncated message length = %d, exceeds limit %d", len(msg), limit)
	}

	// 文本以原始载荷可容纳的前缀结尾：最后一个字节等于原始载荷对应位置的字节
	marker := fmt.Sprintf("the function produced a response of %d bytes which exceeds the allowed %d bytes, truncated response follows: ", len(payload), limit)
	if !strings.HasPrefix(msg, marker) {
		t.Fatalf("message %q missing marker prefix", msg)
	}
	keep := limit - len(marker)
	if keep <= 0 {
		t.Fatalf("test limit %d too small for marker of %d bytes", limit, len(marker))
	}
	tail := msg[len(marker):]
	if tail != string(payload[:keep]) {
		t.Errorf("payload tail = %q, want first %d bytes of original", tail, keep)
	}
	if msg[len(msg)-1] != payload[keep-1] {
		t.Errorf("final byte = %q, want original payload byte %q", msg[len(msg)-1], payload[keep-1])
	}
}

// TestGovernResult_LimitSmallerThanMarker 测试上限小于说明前缀时退化为仅说明，不越界访问。
func TestGovernResult_LimitSmallerThanMarker(t *testing.T) {
	payload := []byte("0123456789")

	msg, truncated := GovernResult(payload, 5)
	if !truncated {
		t.Fatal("GovernResult(tiny limit) = untruncated, want truncated")
	}
	if !strings.Contains(msg, "10 bytes") || !strings.Contains(msg, "allowed 5 bytes") {
		t.Errorf("message %q missing size figures", msg)
	}
	if strings.Contains(msg, "0123456789") {
		t.Errorf("message %q carries payload despite no remaining space", msg)
	}
}

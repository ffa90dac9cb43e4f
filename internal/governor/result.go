package governor

import "fmt"

// resultTruncationFormat 是结果截断说明的前缀，注明尝试大小与允许大小。
// 前缀之后紧跟原始载荷在剩余空间内可容纳的前缀字节，
// 因此截断文本以原始载荷的字面内容结尾而非说明本身，
// 且整体长度不超过实体上限。
const resultTruncationFormat = "the function produced a response of %d bytes which exceeds the allowed %d bytes, truncated response follows: "

// GovernResult 在工作负载退出后检查序列化结果的大小。
// 结果不超过 limit 时返回 ("", false)，调用方原样使用结果。
// 超限时返回 (截断文本, true)：说明前缀加上原始载荷可容纳的前缀，
// 截断文本的最后一个字节等于原始载荷对应位置的字节。
func GovernResult(payload []byte, limit int64) (string, bool) {
	if int64(len(payload)) <= limit {
		return "", false
	}

	marker := fmt.Sprintf(resultTruncationFormat, len(payload), limit)
	keep := limit - int64(len(marker))
	if keep < 0 {
		keep = 0
	}
	if keep > int64(len(payload)) {
		keep = int64(len(payload))
	}
	return marker + string(payload[:keep]), true
}

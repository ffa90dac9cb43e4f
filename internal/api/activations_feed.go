// Package api 提供了 Stratus 平台的 HTTP API 处理程序。
// 该文件实现已完成激活的实时 WebSocket 推送。
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oriys/stratus/internal/domain"
	"github.com/sirupsen/logrus"
)

// ActivationEvent 是推送给订阅者的激活摘要。
// 只携带监控面板关心的终态字段，不包含输入载荷与完整日志，
// 完整记录仍通过 GET /api/v1/activations/{id} 检索。
type ActivationEvent struct {
	// ActivationID 是激活记录的唯一标识符
	ActivationID string `json:"activation_id"`
	// FunctionID 是被调用函数的 ID
	FunctionID string `json:"function_id"`
	// FunctionName 是被调用函数的名称
	FunctionName string `json:"function_name"`
	// Status 是激活的终态
	Status domain.ActivationStatus `json:"status"`
	// DurationMs 是执行时长（毫秒）
	DurationMs int64 `json:"duration_ms"`
	// BilledTimeMs 是计费时长（毫秒）
	BilledTimeMs int64 `json:"billed_time_ms"`
	// MemoryPeakMB 是观测到的内存峰值（MB）
	MemoryPeakMB int `json:"memory_peak_mb,omitempty"`
	// ColdStart 表示本次调用是否触发了沙箱初始化
	ColdStart bool `json:"cold_start"`
	// LogsTruncated 表示日志是否被截断
	LogsTruncated bool `json:"logs_truncated"`
	// Error 是面向调用方的错误文本（仅失败时）
	Error string `json:"error,omitempty"`
	// CompletedAt 是激活终结的时间
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ActivationsFeed 是已完成激活的广播器。
// 激活终结后由完成事件桥接器调用 Publish；每个 WebSocket
// 连接持有一个带缓冲的订阅通道，慢消费者的消息被丢弃而不阻塞广播。
type ActivationsFeed struct {
	subscribers   map[chan ActivationEvent]struct{}
	subscribersMu sync.RWMutex

	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewActivationsFeed 创建激活推送广播器。
func NewActivationsFeed(logger *logrus.Logger) *ActivationsFeed {
	return &ActivationsFeed{
		subscribers: make(map[chan ActivationEvent]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
		logger: logger,
	}
}

// subscribe 注册订阅通道
func (f *ActivationsFeed) subscribe(ch chan ActivationEvent) {
	f.subscribersMu.Lock()
	f.subscribers[ch] = struct{}{}
	f.subscribersMu.Unlock()
}

// unsubscribe 取消订阅
func (f *ActivationsFeed) unsubscribe(ch chan ActivationEvent) {
	f.subscribersMu.Lock()
	delete(f.subscribers, ch)
	f.subscribersMu.Unlock()
}

// Publish 将终结的激活记录广播给所有订阅者。
// 非终态记录被忽略；通道满时该订阅者的本条消息被丢弃。
func (f *ActivationsFeed) Publish(act *domain.Activation) {
	if act == nil || !act.Status.IsTerminal() {
		return
	}

	event := ActivationEvent{
		ActivationID:  act.ID,
		FunctionID:    act.FunctionID,
		FunctionName:  act.FunctionName,
		Status:        act.Status,
		DurationMs:    act.DurationMs,
		BilledTimeMs:  act.BilledTimeMs,
		MemoryPeakMB:  act.MemoryPeakMB,
		ColdStart:     act.ColdStart,
		LogsTruncated: act.LogsTruncated,
		Error:         act.Response.Error,
		CompletedAt:   act.CompletedAt,
	}

	f.subscribersMu.RLock()
	defer f.subscribersMu.RUnlock()

	for ch := range f.subscribers {
		select {
		case ch <- event:
		default:
			// 通道满了，丢弃事件
		}
	}
}

// SubscriberCount 返回当前的订阅者数量。
func (f *ActivationsFeed) SubscriberCount() int {
	f.subscribersMu.RLock()
	defer f.subscribersMu.RUnlock()
	return len(f.subscribers)
}

// Stream 已完成激活的实时推送 WebSocket。
// HTTP端点: GET /api/v1/ws/activations
//
// Query 参数：
//   - function_id: 只推送指定函数的激活（可选）
func (f *ActivationsFeed) Stream(w http.ResponseWriter, r *http.Request) {
	// 获取可选的过滤参数
	filterFunctionID := r.URL.Query().Get("function_id")

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if f.logger != nil {
			f.logger.WithError(err).Error("WebSocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	// 创建订阅通道并注册到广播器
	eventChan := make(chan ActivationEvent, 100)
	f.subscribe(eventChan)
	defer f.unsubscribe(eventChan)

	// 监听客户端关闭
	done := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(done)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event := <-eventChan:
			// 应用函数过滤
			if filterFunctionID != "" && event.FunctionID != filterFunctionID {
				continue
			}

			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

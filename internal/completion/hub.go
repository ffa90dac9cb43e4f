// Package completion 实现调用完成通道。
// 阻塞调用在记录终态化之前挂起调用方，由分类器的推送唤醒，
// 从不退化为对存储的轮询；等待受本地上限约束，上限严格大于
// 任何可配置的函数超时。调用方断开只取消等待本身，监视器与
// 治理器继续运行并落盘记录，供之后的非阻塞检索。
package completion

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/stratus/internal/domain"
)

// Hub 是进程内的完成通知注册表。
// 等待方按调用 ID 订阅；终态记录以不可变值推送给全部订阅者。
// 跨网关实例的完成事件经消息总线桥接回本地 Hub。
type Hub struct {
	mu      sync.Mutex
	waiters map[string][]chan *domain.Activation
}

// NewHub 创建完成通知注册表。
func NewHub() *Hub {
	return &Hub{waiters: make(map[string][]chan *domain.Activation)}
}

// Subscription 是对单个调用完成的一份订阅。
// 用完必须 Cancel；等待经 Wait 进行，任何返回路径都不消耗订阅本身。
type Subscription struct {
	ch     chan *domain.Activation
	cancel func()
}

// Subscribe 注册对指定调用的完成订阅。
// 订阅必须先于工作项入队，快函数的完成通知才不会丢失。
// 通道带缓冲，推送方从不阻塞。
func (h *Hub) Subscribe(activationID string) *Subscription {
	ch := make(chan *domain.Activation, 1)

	h.mu.Lock()
	h.waiters[activationID] = append(h.waiters[activationID], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		chans := h.waiters[activationID]
		for i, c := range chans {
			if c == ch {
				h.waiters[activationID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(h.waiters[activationID]) == 0 {
			delete(h.waiters, activationID)
		}
	}
	return &Subscription{ch: ch, cancel: cancel}
}

// Cancel 注销订阅。幂等。
func (s *Subscription) Cancel() {
	s.cancel()
}

// Wait 挂起直到记录推送、本地上限到期或 ctx 结束。
// 上限到期返回 domain.ErrWaitCeilingExceeded，调用方可稍后
// 凭调用 ID 检索记录；ctx 结束返回 ctx.Err()。
func (s *Subscription) Wait(ctx context.Context, ceiling time.Duration) (*domain.Activation, error) {
	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case act := <-s.ch:
		return act, nil
	case <-timer.C:
		return nil, domain.ErrWaitCeilingExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish 把终态记录推送给该调用的全部订阅者并清空注册项。
// 没有订阅者时直接丢弃，记录本身已由存储层持有。
func (h *Hub) Publish(act *domain.Activation) {
	h.mu.Lock()
	chans := h.waiters[act.ID]
	delete(h.waiters, act.ID)
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- act:
		default:
		}
	}
}

// WaiterCount 返回当前注册的等待通道总数。
func (h *Hub) WaiterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, chans := range h.waiters {
		n += len(chans)
	}
	return n
}

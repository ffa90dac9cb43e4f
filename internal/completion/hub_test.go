package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/stratus/internal/domain"
)

func finishedActivation(id string) *domain.Activation {
	return &domain.Activation{
		ID:         id,
		FunctionID: "fn-1",
		Status:     domain.ActivationSuccess,
		Response:   domain.ActivationResponse{Result: []byte(`{"ok":true}`)},
	}
}

func TestHub_WaitReceivesPublishedRecord(t *testing.T) {
	h := NewHub()

	sub := h.Subscribe("act-1")
	defer sub.Cancel()

	// 先订阅后推送；通道带缓冲，推送先于 Wait 也不丢失
	h.Publish(finishedActivation("act-1"))

	got, err := sub.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if got == nil || got.ID != "act-1" {
		t.Fatalf("Wait returned wrong record: %+v", got)
	}
	if h.WaiterCount() != 0 {
		t.Fatalf("waiter not deregistered after publish, count = %d", h.WaiterCount())
	}
}

func TestHub_CeilingElapsed(t *testing.T) {
	h := NewHub()

	sub := h.Subscribe("act-never")

	start := time.Now()
	got, err := sub.Wait(context.Background(), 30*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, domain.ErrWaitCeilingExceeded) {
		t.Fatalf("err = %v, want ErrWaitCeilingExceeded", err)
	}
	if got != nil {
		t.Fatalf("expected nil record, got %+v", got)
	}
	// 上限到期必须及时返回，不得依赖轮询周期
	if elapsed > 500*time.Millisecond {
		t.Fatalf("ceiling return took %v", elapsed)
	}

	sub.Cancel()
	if h.WaiterCount() != 0 {
		t.Fatalf("waiter leaked after ceiling, count = %d", h.WaiterCount())
	}
}

func TestHub_CallerCancelDoesNotLeak(t *testing.T) {
	h := NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		sub := h.Subscribe("act-2")
		_, err := sub.Wait(ctx, time.Minute)
		sub.Cancel()
		done <- err
	}()

	waitForWaiters(t, h, 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	if h.WaiterCount() != 0 {
		t.Fatalf("waiter leaked after cancel, count = %d", h.WaiterCount())
	}

	// 调用方离开后记录仍可推送，不应阻塞或崩溃
	h.Publish(finishedActivation("act-2"))
}

func TestHub_PublishWithoutWaiters(t *testing.T) {
	h := NewHub()

	// 无人等待时推送直接丢弃
	h.Publish(finishedActivation("act-3"))

	if h.WaiterCount() != 0 {
		t.Fatalf("unexpected waiters, count = %d", h.WaiterCount())
	}
}

func TestHub_MultipleWaitersSameActivation(t *testing.T) {
	h := NewHub()

	const waiters = 3
	subs := make([]*Subscription, waiters)
	for i := range subs {
		subs[i] = h.Subscribe("act-4")
	}

	h.Publish(finishedActivation("act-4"))

	for i, sub := range subs {
		act, err := sub.Wait(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("waiter %d: Wait returned error: %v", i, err)
		}
		if act == nil || act.ID != "act-4" {
			t.Fatalf("waiter %d got wrong record: %+v", i, act)
		}
		sub.Cancel()
	}
}

func TestHub_SubscribeCancelIdempotent(t *testing.T) {
	h := NewHub()

	sub := h.Subscribe("act-5")
	sub.Cancel()
	sub.Cancel()

	if h.WaiterCount() != 0 {
		t.Fatalf("waiter leaked after double cancel, count = %d", h.WaiterCount())
	}
}

// waitForWaiters 等待注册数达到预期，避免推送先于订阅的测试竞态
func waitForWaiters(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.WaiterCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("waiters never reached %d, count = %d", n, h.WaiterCount())
		}
		time.Sleep(time.Millisecond)
	}
}

// Package events 是网关间的事件面，基于 NATS JetStream。
// 两类事件：函数生命周期（created/updated/deleted，驱动各实例作废
// 常驻沙箱）与激活完成（按激活 ID 细分 subject，把终态记录送回
// 挂着阻塞调用方的那个实例）。总线整体可选：未配置 NATS 的单实例
// 部署直接以 nil 总线运行，调用方负责判空。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oriys/stratus/internal/domain"
	"github.com/sirupsen/logrus"
)

// JetStream Stream 名称与保留期。完成事件只为唤醒在途等待，
// 保留期短；生命周期事件供慢启动的实例补课，保留期长。
const (
	functionStream   = "FUNCTION_EVENTS"
	activationStream = "ACTIVATIONS"

	functionRetention   = 7 * 24 * time.Hour
	activationRetention = 24 * time.Hour
)

// Event 是所有 subject 共用的事件包络。
// 函数事件的 ID 是函数 ID，完成事件的 ID 是激活 ID，
// 订阅方据此定位目标而无需解开 Data。
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventBus 持有 NATS 连接与 JetStream 上下文。
type EventBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logrus.Logger
}

// NewEventBus 连接 NATS 并确保两个 Stream 就位。
// 连接断开后无限重连，期间的发布失败由调用方按可降级处理。
func NewEventBus(natsURL string, logger *logrus.Logger) (*EventBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("stratus-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	eb := &EventBus{conn: nc, js: js, logger: logger}
	eb.ensureStream(functionStream, "function.>", functionRetention)
	eb.ensureStream(activationStream, "activation.>", activationRetention)
	return eb, nil
}

// ensureStream 创建 Stream；已存在但配置有出入时改为更新。
// 两步都失败只记日志，发布路径会暴露真正不可用的总线。
func (eb *EventBus) ensureStream(name, subjects string, maxAge time.Duration) {
	cfg := &nats.StreamConfig{
		Name:     name,
		Subjects: []string{subjects},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	}
	if _, err := eb.js.AddStream(cfg); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		if _, err := eb.js.UpdateStream(cfg); err != nil {
			eb.logger.WithError(err).WithField("stream", name).Warn("Failed to ensure stream")
		}
	}
}

// Close 关闭底层 NATS 连接，订阅随之失效。
func (eb *EventBus) Close() error {
	eb.conn.Close()
	return nil
}

// PublishFunctionCreated 广播函数创建。
func (eb *EventBus) PublishFunctionCreated(ctx context.Context, fn *domain.Function) error {
	return eb.publishFunctionEvent(ctx, "function.created", fn)
}

// PublishFunctionUpdated 广播函数更新。
// 各实例的沙箱池据此作废该函数的常驻沙箱，避免继续以
// 旧代码或旧限额执行。
func (eb *EventBus) PublishFunctionUpdated(ctx context.Context, fn *domain.Function) error {
	return eb.publishFunctionEvent(ctx, "function.updated", fn)
}

// PublishFunctionDeleted 广播函数删除。
func (eb *EventBus) PublishFunctionDeleted(ctx context.Context, fn *domain.Function) error {
	return eb.publishFunctionEvent(ctx, "function.deleted", fn)
}

func (eb *EventBus) publishFunctionEvent(ctx context.Context, eventType string, fn *domain.Function) error {
	data, _ := json.Marshal(fn)
	return eb.publish(ctx, eventType, &Event{
		ID:        fn.ID,
		Type:      eventType,
		Source:    "gateway",
		Subject:   eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// PublishActivationCompleted 广播激活终结。
// subject 含激活 ID，等待方可以精确匹配单次激活。
func (eb *EventBus) PublishActivationCompleted(ctx context.Context, act *domain.Activation) error {
	data, _ := json.Marshal(act)
	subject := fmt.Sprintf("activation.%s.completed", act.ID)
	return eb.publish(ctx, subject, &Event{
		ID:        act.ID,
		Type:      "activation.completed",
		Source:    "scheduler",
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (eb *EventBus) publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := eb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}

	eb.logger.WithFields(logrus.Fields{
		"subject":  subject,
		"event_id": event.ID,
		"type":     event.Type,
	}).Debug("Event published")
	return nil
}

// SubscribeFunctionEvents 订阅全部函数生命周期事件。
// 每个实例各持一份临时订阅（非队列语义），只看订阅之后的新事件；
// ctx 取消时退订。
func (eb *EventBus) SubscribeFunctionEvents(ctx context.Context, handler func(event *Event)) error {
	return eb.subscribeNew(ctx, "function.>", func(event *Event) {
		handler(event)
	})
}

// SubscribeActivationCompleted 订阅全部激活完成事件。
// 同样是每实例一份临时订阅：完成可能发生在任何实例，本地完成
// 通道靠这条路唤醒挂在本实例上的等待方。ctx 取消时退订。
func (eb *EventBus) SubscribeActivationCompleted(ctx context.Context, handler func(act *domain.Activation)) error {
	return eb.subscribeNew(ctx, "activation.*.completed", func(event *Event) {
		var act domain.Activation
		if err := json.Unmarshal(event.Data, &act); err != nil {
			eb.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to unmarshal activation payload")
			return
		}
		handler(&act)
	})
}

// subscribeNew 建立只投递新消息的临时订阅并随 ctx 退订。
func (eb *EventBus) subscribeNew(ctx context.Context, subject string, handler func(event *Event)) error {
	sub, err := eb.js.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			eb.logger.WithError(err).WithField("subject", subject).Error("Failed to unmarshal event")
			return
		}
		handler(&event)
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

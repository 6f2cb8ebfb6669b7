package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"i-vis/pkg/logger"
)

// 事件类型。
const (
	TypeAlert            = "ivis.alert"
	TypeUpgradeStarted   = "ivis.upgrade.started"
	TypeUpgradeInstalled = "ivis.upgrade.installed"
	TypeUpgradeFailed    = "ivis.upgrade.failed"
	TypeVersionAdded     = "ivis.version.added"
)

// Publisher 发布生命周期事件。
type Publisher interface {
	Publish(ctx context.Context, eventType, subject string, data any) error
}

// NewEvent 构造 CloudEvents 1.0 事件，ID 使用 UUIDv7。
func NewEvent(eventType, source, subject string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	event.SetID(id.String())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetSubject(subject)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// CloudEventsNotifier 以 HTTP binary 模式把告警与生命周期事件投递到接收端。
type CloudEventsNotifier struct {
	client cloudevents.Client
	target string
	source string
}

// NewCloudEventsNotifier 创建投递到 target 的通知器。
func NewCloudEventsNotifier(target, source string) (*CloudEventsNotifier, error) {
	if target == "" {
		return nil, fmt.Errorf("CloudEvents 接收端地址不能为空")
	}
	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("创建 CloudEvents 客户端失败: %w", err)
	}
	if source == "" {
		source = "i-vis/etl"
	}
	return &CloudEventsNotifier{client: client, target: target, source: source}, nil
}

// Channel 返回 CloudEvents 渠道。
func (n *CloudEventsNotifier) Channel() Channel { return ChannelCloudEvents }

// Notify 发送告警事件，subject 为插件名。
func (n *CloudEventsNotifier) Notify(ctx context.Context, event Event) error {
	return n.Publish(ctx, TypeAlert, event.Plugin, event)
}

// Publish 实现 Publisher。
func (n *CloudEventsNotifier) Publish(ctx context.Context, eventType, subject string, data any) error {
	event := NewEvent(eventType, n.source, subject, data)
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent 校验失败: %w", err)
	}
	result := n.client.Send(cloudevents.ContextWithTarget(ctx, n.target), event)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("投递 %s 失败: %w", eventType, result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("接收端拒绝 %s: %w", eventType, result)
	}
	return nil
}

// LogPublisher 在未配置接收端时把生命周期事件写入日志。
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish 实现 Publisher。
func (p *LogPublisher) Publish(ctx context.Context, eventType, subject string, data any) error {
	l := p.Logger
	if l == nil {
		l = logger.Named("events")
	}
	l.InfoContext(ctx, "event", slog.String("type", eventType), slog.String("subject", subject), slog.Any("data", data))
	return nil
}

// MultiPublisher 依次发布到多个 Publisher，单个失败只记录日志。
type MultiPublisher []Publisher

// Publish 实现 Publisher。
func (m MultiPublisher) Publish(ctx context.Context, eventType, subject string, data any) error {
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, eventType, subject, data); err != nil {
			logger.Named("events").Warn("事件发布失败", slog.String("type", eventType), slog.Any("error", err))
		}
	}
	return nil
}

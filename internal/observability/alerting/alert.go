// Package alerting 把升级失败等事件送到日志与 CloudEvents 接收端。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "i-vis/internal/errors"
	"i-vis/pkg/logger"
)

type Channel string

const (
	ChannelLog         Channel = "log"
	ChannelCloudEvents Channel = "cloudevents"
)

// Event 是一次升级作业告警。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Plugin     string            `json:"plugin,omitempty"`
	Version    string            `json:"version,omitempty"`
	JobID      string            `json:"job_id,omitempty"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EventFromError 用错误码、严重程度以及错误上记录的插件和版本填充事件。
func EventFromError(err error) Event {
	ev := Event{
		Code:       xerrors.CodeOf(err),
		Severity:   xerrors.SeverityOf(err),
		OccurredAt: time.Now().UTC(),
	}
	if err != nil {
		ev.Message = err.Error()
	}
	if e, ok := xerrors.From(err); ok {
		md := e.Metadata()
		ev.Plugin, ev.Version = md["plugin"], md["version"]
	}
	return ev
}

type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按注册顺序把事件交给每个渠道，同一渠道只保留最后注册的通知器。
type FanoutDispatcher struct {
	notifiers []Notifier
	min       xerrors.Severity
}

func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	d := &FanoutDispatcher{}
	seen := make(map[Channel]int, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if i, ok := seen[n.Channel()]; ok {
			d.notifiers[i] = n
			continue
		}
		seen[n.Channel()] = len(d.notifiers)
		d.notifiers = append(d.notifiers, n)
	}
	return d
}

// WithMinSeverity 丢弃低于 sev 的事件，空值表示全部发送。
func (d *FanoutDispatcher) WithMinSeverity(sev xerrors.Severity) *FanoutDispatcher {
	d.min = sev
	return d
}

func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || rank(event.Severity) < rank(d.min) {
		return nil
	}
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", n.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

func rank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 2
	case xerrors.SeverityWarning:
		return 1
	}
	return 0
}

// LogNotifier 把告警写进运行日志，critical 记为 ERROR，info 记为 INFO，其余为 WARN。
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Channel() Channel { return ChannelLog }

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	l := n.Logger
	if l == nil {
		l = logger.Named("alerting")
	}
	level := slog.LevelWarn
	switch rank(event.Severity) {
	case 2:
		level = slog.LevelError
	case 0:
		level = slog.LevelInfo
	}
	attrs := make([]slog.Attr, 0, 7+len(event.Metadata))
	attrs = append(attrs,
		slog.String("code", string(event.Code)),
		slog.String("plugin", event.Plugin),
		slog.String("job_id", event.JobID),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	)
	if event.Version != "" {
		attrs = append(attrs, slog.String("version", event.Version))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	l.LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}

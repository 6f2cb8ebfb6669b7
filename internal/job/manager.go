package job

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "i-vis/internal/errors"
	"i-vis/pkg/logger"
	"i-vis/pkg/plugin"
)

// Manager 创建并查询升级作业。
type Manager struct {
	store       Store
	queue       Queue
	maxAttempts int
}

// NewManager 创建 Manager。queue 为 nil 时只能查询，maxAttempts 不大于 0 时为 1。
func NewManager(store Store, queue Queue, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Manager{store: store, queue: queue, maxAttempts: maxAttempts}
}

// Enqueue 记录一个新作业并投递到队列。
func (m *Manager) Enqueue(ctx context.Context, pluginName string, opts Options) (*Job, error) {
	pluginName = strings.TrimSpace(pluginName)
	if err := plugin.ValidateName(pluginName); err != nil {
		return nil, xerrors.Wrap(CodeInvalid, err, "插件名称不合法")
	}
	if m.queue == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "upgrade queue is not configured")
	}
	j := &Job{
		ID:          uuid.NewString(),
		Plugin:      pluginName,
		Options:     opts,
		Status:      StatusQueued,
		MaxAttempts: m.maxAttempts,
	}
	if err := m.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	if err := m.queue.Publish(ctx, j.ID); err != nil {
		wrapped := xerrors.Wrap(CodeEnqueue, err, "投递升级作业失败", xerrors.WithPlugin(pluginName))
		_ = m.store.Fail(context.WithoutCancel(ctx), j.ID, CodeEnqueue, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("upgrade job queued",
		slog.String("job_id", j.ID),
		slog.String("plugin", j.Plugin),
		slog.String("mode", opts.Mode),
		slog.Int("max_attempts", j.MaxAttempts),
	)
	return j, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f Filter) ([]*Job, error) {
	return m.store.List(ctx, f)
}

func (m *Manager) Count(ctx context.Context, f Filter) (Counts, error) {
	return m.store.Count(ctx, f)
}

// Wait 每隔 every 查询一次作业，直到它 Finished 或 ctx 结束。
func (m *Manager) Wait(ctx context.Context, id string, every time.Duration) (*Job, error) {
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		j, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Finished() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-t.C:
		}
	}
}

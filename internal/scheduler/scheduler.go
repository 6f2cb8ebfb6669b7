// Package scheduler 在守护进程中按 cron 表达式定期检查插件更新，可选地为新版本排队升级作业。
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/job"
	"i-vis/internal/version"
	"i-vis/pkg/logger"
)

// Updater 探测插件的远程版本。
type Updater interface {
	Update(ctx context.Context, names ...string) ([]version.UpdateResult, error)
}

// Enqueuer 排队升级作业。
type Enqueuer interface {
	Enqueue(ctx context.Context, plugin string, opts job.Options) (*job.Job, error)
}

// Scheduler 周期性执行更新检查。
type Scheduler struct {
	schedule string
	updater  Updater
	enqueuer Enqueuer
	options  job.Options
	logger   *slog.Logger

	// running 防止上一轮尚未结束时重复触发。
	running sync.Mutex
}

// Option 配置 Scheduler。
type Option func(*Scheduler)

// WithAutoUpgrade 在发现新版本时排队升级作业。
func WithAutoUpgrade(enqueuer Enqueuer, opts job.Options) Option {
	return func(s *Scheduler) {
		s.enqueuer = enqueuer
		s.options = opts
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建调度器，schedule 使用标准 cron 表达式或 @daily 等描述符。
func New(schedule string, updater Updater, opts ...Option) (*Scheduler, error) {
	if updater == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置更新检查")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无效的 cron 表达式")
	}
	s := &Scheduler{
		schedule: schedule,
		updater:  updater,
		logger:   logger.Named("scheduler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// RunOnce 执行一轮更新检查，返回排队的升级作业。
func (s *Scheduler) RunOnce(ctx context.Context) ([]*job.Job, error) {
	if !s.running.TryLock() {
		s.logger.Warn("上一轮更新检查仍在进行，跳过")
		return nil, nil
	}
	defer s.running.Unlock()

	results, err := s.updater.Update(ctx)
	if err != nil {
		// 部分插件失败时其余结果依然有效。
		s.logger.Warn("更新检查出现错误", slog.Any("error", err))
	}
	var queued []*job.Job
	for _, res := range results {
		s.logger.Info("更新检查完成",
			slog.String("plugin", res.Plugin),
			slog.String("version", res.Version),
			slog.String("outcome", string(res.Outcome)))
		if s.enqueuer == nil || res.Outcome != version.OutcomeAdded {
			continue
		}
		j, qErr := s.enqueuer.Enqueue(ctx, res.Plugin, s.options)
		if qErr != nil {
			s.logger.Error("自动升级排队失败", slog.String("plugin", res.Plugin), slog.Any("error", qErr))
			continue
		}
		queued = append(queued, j)
	}
	return queued, err
}

// Run 启动 cron 调度并阻塞到 ctx 结束，退出前等待正在执行的检查完成。
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "注册定时任务失败")
	}
	c.Start()
	s.logger.Info("更新检查已调度", slog.String("schedule", s.schedule), slog.Bool("auto_upgrade", s.enqueuer != nil))

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("调度器已停止")
	return nil
}

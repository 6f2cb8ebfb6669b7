package job

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/observability/alerting"
	"i-vis/internal/observability/metrics"
	"i-vis/pkg/logger"
)

// Executor 执行一次插件升级。
type Executor interface {
	Execute(ctx context.Context, plugin string, opts Options) (Outcome, error)
}

// Worker 从队列取出作业 ID，领取后交给 Executor，并把结果写回 Store。
type Worker struct {
	exec        Executor
	store       Store
	queue       Queue
	concurrency int
	skip        func(error) bool
	alerts      alerting.Dispatcher
	log         *slog.Logger
}

// WorkerOption 配置 Worker。
type WorkerOption func(*Worker)

// WithConcurrency 设置同时升级的插件数。
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithSkip 指定哪些执行错误表示"无需升级"，这类作业以 skipped 结束而不是失败。
func WithSkip(fn func(error) bool) WorkerOption {
	return func(w *Worker) { w.skip = fn }
}

// WithAlerts 配置失败告警。
func WithAlerts(d alerting.Dispatcher) WorkerOption {
	return func(w *Worker) { w.alerts = d }
}

// WithLogger 指定运行日志。
func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWorker 创建 Worker，默认并发为 1。
func NewWorker(exec Executor, store Store, queue Queue, opts ...WorkerOption) *Worker {
	w := &Worker{exec: exec, store: store, queue: queue, concurrency: 1, log: logger.Named("job")}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Run 消费队列直到 ctx 结束或队列关闭。
func (w *Worker) Run(ctx context.Context) error {
	if w.exec == nil || w.store == nil || w.queue == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "worker is not fully configured")
	}
	return w.queue.Consume(ctx, w.concurrency, w.handle)
}

// handle 只在需要重新投递消息时返回错误。
func (w *Worker) handle(ctx context.Context, id string) error {
	j, err := w.store.Claim(ctx, id)
	switch {
	case stdErrors.Is(err, ErrNotFound), stdErrors.Is(err, ErrFinished), stdErrors.Is(err, ErrConflict):
		w.log.Debug("忽略作业消息", slog.String("job_id", id), slog.String("reason", err.Error()))
		return nil
	case err != nil:
		w.log.Error("领取作业失败", slog.String("job_id", id), slog.Any("error", err))
		return err
	}

	log := w.log.With(slog.String("job_id", j.ID), slog.String("plugin", j.Plugin), slog.Int("attempt", j.Attempts))
	log.Info("开始升级")
	out, execErr := w.exec.Execute(ctx, j.Plugin, j.Options)
	// 取消后仍需写回状态，否则作业会一直停在 running。
	wctx := context.WithoutCancel(ctx)
	switch {
	case execErr == nil:
		return w.finish(wctx, log, j, StatusDone, out)
	case w.skip != nil && w.skip(execErr):
		msg := execErr.Error()
		if e, ok := xerrors.From(execErr); ok {
			msg = e.Message()
		}
		return w.finish(wctx, log, j, StatusSkipped, Outcome{Message: j.Plugin + " skipped: " + msg})
	}
	return w.fail(wctx, log, j, execErr, ctx.Err() == nil)
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, j *Job, status Status, out Outcome) error {
	if err := w.store.Finish(ctx, j.ID, status, out); err != nil {
		log.Error("写回作业结果失败", slog.Any("error", err))
		return err
	}
	metrics.ObserveJob(string(status))
	logger.Audit().Info("upgrade job finished",
		slog.String("job_id", j.ID),
		slog.String("plugin", j.Plugin),
		slog.String("status", string(status)),
		slog.String("version", out.Version),
		slog.Int("rows", out.Rows),
	)
	return nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, j *Job, cause error, canRetry bool) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeExecution
	}
	retry := canRetry && xerrors.RetryableError(cause) && j.Attempts < j.MaxAttempts

	if err := w.store.Fail(ctx, j.ID, code, cause.Error(), !retry); err != nil {
		log.Error("写回作业失败状态失败", slog.Any("error", err))
		return err
	}
	logger.Audit().Warn("upgrade job failed",
		slog.String("job_id", j.ID),
		slog.String("plugin", j.Plugin),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
		slog.Int("attempts", j.Attempts),
		slog.Bool("retry", retry),
	)
	stage, observed := "final", string(StatusFailed)
	if retry {
		stage, observed = "retry", "retried"
	}
	metrics.ObserveJob(observed)
	w.alert(ctx, j, code, cause, stage)

	if !retry {
		return nil
	}
	if err := w.queue.Publish(ctx, j.ID); err != nil {
		wrapped := xerrors.Wrap(CodeEnqueue, err, "重新投递作业失败", xerrors.WithPlugin(j.Plugin))
		_ = w.store.Fail(ctx, j.ID, CodeEnqueue, wrapped.Error(), true)
		w.alert(ctx, j, CodeEnqueue, wrapped, "requeue")
		return nil
	}
	log.Info("作业将重试", slog.Int("max_attempts", j.MaxAttempts))
	return nil
}

func (w *Worker) alert(ctx context.Context, j *Job, code xerrors.Code, cause error, stage string) {
	if w.alerts == nil {
		return
	}
	event := alerting.EventFromError(cause)
	event.Code = code
	event.Plugin = j.Plugin
	event.JobID = j.ID
	event.Attempts = j.Attempts
	event.MaxRetries = j.MaxAttempts
	event.Metadata = map[string]string{"stage": stage}
	if event.Version == "" {
		event.Version = j.Options.Version
	}
	if err := w.alerts.Notify(ctx, event); err != nil {
		w.log.Warn("发送作业告警失败", slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

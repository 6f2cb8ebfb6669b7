package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"i-vis/internal/job"
	"i-vis/internal/upgrade"
	"i-vis/pkg/logger"
)

const jobPollInterval = 200 * time.Millisecond

// jobRunner 把升级作为作业投递到配置的队列，由 Worker 并发执行。
type jobRunner struct {
	manager *job.Manager
	queue   job.Queue
	cancel  context.CancelFunc
	done    chan struct{}
}

// startJobRunner 启动 Worker；workers 不大于 0 时使用配置值。
func (a *App) startJobRunner(ctx context.Context, workers int) (*jobRunner, error) {
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	upg, err := a.Upgrader(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.jobStore(ctx)
	if err != nil {
		return nil, err
	}
	dispatcher, err := a.Dispatcher()
	if err != nil {
		return nil, err
	}
	queueCfg := cfg.Queue
	if workers > 0 {
		queueCfg.Workers = workers
	}
	queue, err := job.NewQueue(ctx, queueCfg)
	if err != nil {
		return nil, err
	}

	log := logger.Named("upgrade-worker")
	w := job.NewWorker(upg, store, queue,
		job.WithConcurrency(queueCfg.Workers),
		job.WithSkip(upgrade.Skippable),
		job.WithAlerts(dispatcher),
		job.WithLogger(log),
	)
	runCtx, cancel := context.WithCancel(ctx)
	r := &jobRunner{
		manager: job.NewManager(store, queue, cfg.Queue.MaxRetries),
		queue:   queue,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		if err := w.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Error("升级 Worker 退出", slog.Any("error", err))
		}
	}()
	return r, nil
}

func (a *App) jobStore(ctx context.Context) (*job.SQLStore, error) {
	db, err := a.DB(ctx)
	if err != nil {
		return nil, err
	}
	return job.NewSQLStore(db)
}

func (r *jobRunner) stop() error {
	r.cancel()
	<-r.done
	return r.queue.Close()
}

// runUpgradeJobs 为每个插件排队一个升级作业并等待全部结束。
func (a *App) runUpgradeJobs(ctx context.Context, names []string, opts job.Options, workers int) ([]*job.Job, error) {
	r, err := a.startJobRunner(ctx, workers)
	if err != nil {
		return nil, err
	}
	defer r.stop()

	ids := make([]string, 0, len(names))
	for _, name := range names {
		j, err := r.manager.Enqueue(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		ids = append(ids, j.ID)
	}
	jobs := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.manager.Wait(ctx, id, jobPollInterval)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func newPluginJobsCommand(app *App) *cobra.Command {
	var (
		statuses []string
		filter   job.Filter
		since    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "jobs [plugin]",
		Short: "Show the upgrade job history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := requireRegistered(app, args[0]); err != nil {
					return err
				}
				filter.Plugin = args[0]
			}
			for _, s := range statuses {
				st, err := job.ParseStatus(s)
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			ctx := cmd.Context()
			store, err := app.jobStore(ctx)
			if err != nil {
				return err
			}
			m := job.NewManager(store, nil, 0)
			jobs, err := m.List(ctx, filter)
			if err != nil {
				return err
			}
			counts, err := m.Count(ctx, filter)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				status := string(j.Status)
				switch j.Status {
				case job.StatusFailed:
					status = warnStyle.Render(status)
				case job.StatusDone:
					status = okStyle.Render(status)
				}
				rows = append(rows, []string{
					j.ID,
					j.Plugin,
					status,
					strconv.Itoa(j.Attempts),
					j.UpdatedAt.UTC().Format(time.RFC3339),
					orDash(j.Detail()),
				})
			}
			out := cmd.OutOrStdout()
			renderTable(out, "No upgrade jobs.", []string{"Job", "Plugin", "Status", "Attempts", "Updated", "Detail"}, rows)
			if counts.Total > 0 {
				fmt.Fprintf(out, "%d jobs: %d done, %d skipped, %d failed, %d queued, %d running\n",
					counts.Total, counts.Done, counts.Skipped, counts.Failed, counts.Queued, counts.Running)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only show jobs with these statuses (queued, running, done, skipped, failed)")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "maximum number of jobs to show")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "skip this many jobs")
	cmd.Flags().StringVarP(&filter.Query, "query", "q", "", "match plugin, error or result text")
	cmd.Flags().DurationVar(&since, "since", 0, "only show jobs updated within this duration, e.g. 24h")
	cmd.Flags().BoolVar(&filter.OldestFirst, "oldest-first", false, "list the oldest jobs first")
	return cmd
}

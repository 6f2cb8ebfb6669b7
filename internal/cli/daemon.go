package cli

import (
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"i-vis/internal/job"
	"i-vis/internal/observability/metrics"
	"i-vis/internal/scheduler"
	"i-vis/pkg/logger"
	"i-vis/pkg/plugin"
)

// NewDaemonCommand 创建 daemon 命令：定时检查更新，可选自动升级，并热加载插件目录。
func NewDaemonCommand(app *App) *cobra.Command {
	var (
		schedule    string
		autoUpgrade bool
		runNow      bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Check for plugin updates on a schedule and run queued upgrades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("schedule") {
				schedule = cfg.Scheduler.Schedule
			}
			if !cmd.Flags().Changed("auto-upgrade") {
				autoUpgrade = cfg.Scheduler.AutoUpgrade
			}

			upg, err := app.Upgrader(ctx)
			if err != nil {
				return err
			}
			runner, err := app.startJobRunner(ctx, 0)
			if err != nil {
				return err
			}
			defer runner.stop()

			opts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
			if autoUpgrade {
				opts = append(opts, scheduler.WithAutoUpgrade(runner.manager, job.Options{}))
			}
			sched, err := scheduler.New(schedule, upg, opts...)
			if err != nil {
				return err
			}

			log := logger.Named("daemon")
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := plugin.Watch(ctx, cfg.Catalog, upg.Registry(), func(changed []string) {
					log.Info("插件目录已重新加载", slog.Any("changed", changed))
				})
				if err != nil && ctx.Err() == nil {
					log.Warn("插件目录监听退出", slog.Any("error", err))
				}
			}()

			if metricsAddr != "" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := metrics.StartServer(ctx, metricsAddr); err != nil && ctx.Err() == nil {
						log.Warn("指标服务退出", slog.String("addr", metricsAddr), slog.Any("error", err))
					}
				}()
			}

			if runNow {
				if _, err := sched.RunOnce(ctx); err != nil {
					log.Warn("首次更新检查出现错误", slog.Any("error", err))
				}
			}
			log.Info("守护进程已启动", slog.String("schedule", schedule), slog.Bool("auto_upgrade", autoUpgrade))
			err = sched.Run(ctx)
			wg.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression or descriptor such as @daily (default from config)")
	cmd.Flags().BoolVar(&autoUpgrade, "auto-upgrade", false, "queue an upgrade when a new version is found")
	cmd.Flags().BoolVar(&runNow, "now", false, "check for updates once at startup")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}

package cli

import (
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"i-vis/internal/config"
	xerrors "i-vis/internal/errors"
	"i-vis/internal/normalize"
	"i-vis/internal/observability/alerting"
	"i-vis/internal/resource"
	"i-vis/internal/storage"
	"i-vis/internal/upgrade"
	"i-vis/internal/version"
	"i-vis/pkg/logger"
	"i-vis/pkg/plugin"
)

// App 持有命令共享的依赖，按需创建并在命令结束时统一释放。
type App struct {
	// ConfigPath 优先于 I_VIS_CONF。
	ConfigPath string

	out     io.Writer
	cfg     *config.Config
	db      *storage.DB
	reg     *plugin.Registry
	tracker *version.Tracker
	norm    *normalize.Service
	upg     *upgrade.Service
	cloud   *alerting.CloudEventsNotifier
	closers []func() error
}

// NewApp 创建 App，命令输出写入 out。
func NewApp(out io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	return &App{out: out}
}

// Config 加载配置并初始化日志，只执行一次。
func (a *App) Config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if a.ConfigPath != "" {
		cfg, err = config.Load(a.ConfigPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "加载配置失败")
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Dir:    cfg.LogDir,
		Rotation: logger.Rotation{
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled: cfg.Log.Audit,
			Path:    filepath.Join(cfg.LogDir, "audit.log"),
		},
	}); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化日志失败")
	}
	a.closers = append(a.closers, logger.Sync)
	a.cfg = cfg
	return cfg, nil
}

// DB 打开集成库并应用迁移。
func (a *App) DB(ctx context.Context) (*storage.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenAndMigrate(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	a.db = db
	return db, nil
}

// Registry 读取插件目录；目录文件不存在时返回空注册表。
func (a *App) Registry() (*plugin.Registry, error) {
	if a.reg != nil {
		return a.reg, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	opts := []plugin.Option{plugin.WithIgnore(cfg.PluginsIgnore...)}
	cat, err := plugin.LoadCatalog(cfg.Catalog)
	switch {
	case stdErrors.Is(err, os.ErrNotExist):
		logger.Named("cli").Warn("插件目录不存在", slog.String("path", cfg.Catalog))
		a.reg = plugin.NewRegistry(opts...)
	case err != nil:
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取插件目录失败")
	default:
		if a.reg, err = plugin.FromCatalog(cat, opts...); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "插件目录无效")
		}
	}
	return a.reg, nil
}

// Tracker 返回基于集成库的版本跟踪器。
func (a *App) Tracker(ctx context.Context) (*version.Tracker, error) {
	if a.tracker != nil {
		return a.tracker, nil
	}
	db, err := a.DB(ctx)
	if err != nil {
		return nil, err
	}
	store, err := version.NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	a.tracker = version.NewTracker(store)
	return a.tracker, nil
}

// Normalizer 按配置加载实体词典与查询缓存。
func (a *App) Normalizer(ctx context.Context) (*normalize.Service, error) {
	if a.norm != nil {
		return a.norm, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	cache, closeCache, err := normalize.NewCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeCache)
	norm, err := normalize.FromConfig(cfg.Normalize, cache, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	a.norm = norm
	return norm, nil
}

// cloudEvents 返回配置的 CloudEvents 接收端，未配置时为 nil。
func (a *App) cloudEvents() (*alerting.CloudEventsNotifier, error) {
	if a.cloud != nil || a.cfg == nil || a.cfg.Events.Target == "" {
		return a.cloud, nil
	}
	n, err := alerting.NewCloudEventsNotifier(a.cfg.Events.Target, a.cfg.Events.Source)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建事件发布器失败")
	}
	a.cloud = n
	return n, nil
}

// Publisher 返回生命周期事件发布器：始终写日志，配置接收端时同时投递 CloudEvents。
func (a *App) Publisher() (alerting.Publisher, error) {
	cloud, err := a.cloudEvents()
	if err != nil {
		return nil, err
	}
	events := alerting.MultiPublisher{&alerting.LogPublisher{}}
	if cloud != nil {
		events = append(events, cloud)
	}
	return events, nil
}

// Dispatcher 返回升级任务告警的分发器。
func (a *App) Dispatcher() (alerting.Dispatcher, error) {
	cloud, err := a.cloudEvents()
	if err != nil {
		return nil, err
	}
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cloud != nil {
		notifiers = append(notifiers, cloud)
	}
	return alerting.NewFanout(notifiers...).WithMinSeverity(xerrors.Severity(a.cfg.Events.MinSeverity)), nil
}

// Upgrader 组装 update/upgrade 工作流。
func (a *App) Upgrader(ctx context.Context) (*upgrade.Service, error) {
	if a.upg != nil {
		return a.upg, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	reg, err := a.Registry()
	if err != nil {
		return nil, err
	}
	tracker, err := a.Tracker(ctx)
	if err != nil {
		return nil, err
	}
	norm, err := a.Normalizer(ctx)
	if err != nil {
		return nil, err
	}
	events, err := a.Publisher()
	if err != nil {
		return nil, err
	}
	client := resource.NewClient(
		resource.WithRateLimit(cfg.Download.RatePerSecond, cfg.Download.Burst),
		resource.WithTimeout(time.Duration(cfg.Download.TimeoutSeconds)*time.Second),
		resource.WithUserAgent(cfg.Download.UserAgent),
	)
	a.upg, err = upgrade.New(reg, tracker, client, cfg.DataDir,
		upgrade.WithDatabase(a.db),
		upgrade.WithNormalizer(norm),
		upgrade.WithPublisher(events),
	)
	if err != nil {
		return nil, err
	}
	return a.upg, nil
}

// Close 逆序释放已创建的资源。
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}

// Package upgrade 把版本跟踪、资源下载与 ETL 流水线串成插件的 update/upgrade 工作流。
package upgrade

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/job"
	"i-vis/internal/normalize"
	"i-vis/internal/observability/alerting"
	"i-vis/internal/observability/metrics"
	"i-vis/internal/pipeline"
	"i-vis/internal/resource"
	"i-vis/internal/storage"
	"i-vis/internal/version"
	"i-vis/pkg/logger"
	"i-vis/pkg/plugin"
)

const (
	CodePluginUnknown  xerrors.Code = "UPGRADE_PLUGIN_UNKNOWN"
	CodePluginDisabled xerrors.Code = "UPGRADE_PLUGIN_DISABLED"
	CodeConflictingOps xerrors.Code = "UPGRADE_CONFLICTING_OPTIONS"
	CodeTaskUnknown    xerrors.Code = "UPGRADE_TASK_UNKNOWN"
	CodeNoPending      xerrors.Code = "UPGRADE_NO_PENDING"
	CodeNoDatabase     xerrors.Code = "UPGRADE_NO_DATABASE"
)

func init() {
	xerrors.Register(CodePluginUnknown, xerrors.Attributes{Message: "plugin is not registered", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePluginDisabled, xerrors.Attributes{Message: "plugin is disabled", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeConflictingOps, xerrors.Attributes{Message: "omit-etl and only-extract cannot be combined", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskUnknown, xerrors.Attributes{Message: "task not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNoPending, xerrors.Attributes{Message: "plugin has no pending upgrade", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNoDatabase, xerrors.Attributes{Message: "no integrated database configured", Severity: xerrors.SeverityInfo})
}

// Remote 下载资源并探测远程版本，resource.Client 即为默认实现。
type Remote interface {
	resource.Fetcher
	resource.Prober
}

// Options 控制一次升级。
type Options struct {
	Mode pipeline.Mode
	// OmitETL 只创建 pending 升级，不运行流水线。
	OmitETL bool
	// OnlyExtract 只运行 extract 任务，pending 保留到下一次 --resume。
	OnlyExtract bool
	Resume      bool
	Version     string
}

// Result 描述一次升级的结果。
type Result struct {
	Plugin    string           `json:"plugin"`
	Version   string           `json:"version"`
	UpdateID  string           `json:"update_id,omitempty"`
	Installed bool             `json:"installed"`
	Dir       string           `json:"dir,omitempty"`
	Report    *pipeline.Report `json:"report,omitempty"`
}

// Message 返回面向用户的一行摘要。
func (r *Result) Message() string {
	switch {
	case r.Installed:
		return fmt.Sprintf("%s %s installed", r.Plugin, r.Version)
	case r.Report != nil && r.Report.Mode == pipeline.ModePretend:
		return fmt.Sprintf("%s %s: pretend run, nothing changed", r.Plugin, r.Version)
	default:
		return fmt.Sprintf("%s %s pending", r.Plugin, r.Version)
	}
}

// Service 执行插件的 update 与 upgrade。
type Service struct {
	registry   *plugin.Registry
	tracker    *version.Tracker
	remote     Remote
	dataDir    string
	db         *storage.DB
	normalizer *normalize.Service
	events     alerting.Publisher
}

// Option 配置 Service。
type Option func(*Service)

// WithDatabase 指定集成库；未指定时含 load 任务的流水线只能以 pretend 模式运行。
func WithDatabase(db *storage.DB) Option {
	return func(s *Service) { s.db = db }
}

// WithNormalizer 为 harmonize 与 build_dict 任务提供实体标准化服务。
func WithNormalizer(n *normalize.Service) Option {
	return func(s *Service) { s.normalizer = n }
}

// WithPublisher 指定生命周期事件的发布方式。
func WithPublisher(p alerting.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// New 创建升级服务。
func New(registry *plugin.Registry, tracker *version.Tracker, remote Remote, dataDir string, opts ...Option) (*Service, error) {
	if registry == nil || tracker == nil || remote == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "升级服务缺少依赖")
	}
	if dataDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据目录不能为空")
	}
	s := &Service{
		registry: registry,
		tracker:  tracker,
		remote:   remote,
		dataDir:  dataDir,
		events:   &alerting.LogPublisher{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Tracker 返回版本跟踪器。
func (s *Service) Tracker() *version.Tracker { return s.tracker }

// Registry 返回插件注册表。
func (s *Service) Registry() *plugin.Registry { return s.registry }

func (s *Service) spec(name string) (plugin.Spec, error) {
	spec, err := s.registry.Get(name)
	if err != nil {
		if stdErrors.Is(err, plugin.ErrNotRegistered) {
			return plugin.Spec{}, xerrors.New(CodePluginUnknown, fmt.Sprintf("plugin %s is not registered", name), xerrors.WithPlugin(name))
		}
		return plugin.Spec{}, err
	}
	state, err := s.registry.State(name)
	if err != nil {
		return plugin.Spec{}, err
	}
	if state != plugin.StateEnabled {
		return plugin.Spec{}, xerrors.New(CodePluginDisabled, "", xerrors.WithPlugin(name))
	}
	return spec, nil
}

// probeFor 使用插件第一个带探测规则的资源；没有探测规则时远程版本未知。
func (s *Service) probeFor(spec plugin.Spec) version.ProbeFunc {
	for _, d := range resource.ForPlugin(spec) {
		if d.Probe == nil {
			continue
		}
		d := d
		return func(ctx context.Context) (string, error) {
			return s.remote.Probe(ctx, d)
		}
	}
	return func(context.Context) (string, error) { return "", nil }
}

// Update 探测插件的远程最新版本。names 为空时检查全部启用的插件。
// 单个插件失败不影响其他插件，错误合并后返回。
func (s *Service) Update(ctx context.Context, names ...string) ([]version.UpdateResult, error) {
	if len(names) == 0 {
		names = s.registry.Names(true)
	}
	var (
		results []version.UpdateResult
		errs    []error
	)
	for _, name := range names {
		spec, err := s.spec(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res, err := s.tracker.Update(ctx, name, s.probeFor(spec))
		if err != nil {
			metrics.ObserveUpdate(name, "failed")
			errs = append(errs, err)
			continue
		}
		metrics.ObserveUpdate(name, string(res.Outcome))
		results = append(results, res)
		if res.Outcome == version.OutcomeAdded {
			s.publish(ctx, alerting.TypeVersionAdded, name, res)
		}
	}
	return results, stdErrors.Join(errs...)
}

// Upgrade 安装插件的目标版本：创建 pending，在版本目录中运行流水线，成功则提交，失败则放弃 pending。
func (s *Service) Upgrade(ctx context.Context, name string, opts Options) (*Result, error) {
	start := time.Now()
	result, err := s.upgrade(ctx, name, opts)
	metrics.ObserveUpgrade(name, upgradeOutcome(result, err), time.Since(start), result.rows())
	return result, err
}

func upgradeOutcome(r *Result, err error) string {
	switch {
	case err != nil:
		return "failed"
	case r.Installed:
		return "installed"
	case r.Report != nil && r.Report.Mode == pipeline.ModePretend:
		return "pretend"
	default:
		return "pending"
	}
}

func (r *Result) rows() int {
	if r == nil || r.Report == nil {
		return 0
	}
	return r.Report.Rows
}

func (s *Service) upgrade(ctx context.Context, name string, opts Options) (*Result, error) {
	if opts.OmitETL && opts.OnlyExtract {
		return nil, xerrors.New(CodeConflictingOps, "", xerrors.WithPlugin(name))
	}
	if opts.Mode == "" {
		opts.Mode = pipeline.ModeDefault
	}
	spec, err := s.spec(name)
	if err != nil {
		return nil, err
	}
	log := logger.ForPlugin(name)

	if opts.Mode == pipeline.ModePretend {
		return s.pretend(ctx, spec, opts)
	}

	u, err := s.tracker.Begin(ctx, name, version.BeginOptions{Version: opts.Version, Resume: opts.Resume})
	if err != nil {
		return nil, err
	}
	result := &Result{Plugin: name, Version: u.Version, UpdateID: u.ID, Dir: s.versionDir(name, u.Version)}
	s.publish(ctx, alerting.TypeUpgradeStarted, name, result)

	if opts.OmitETL {
		s.tracker.Suspend(u)
		log.Info("已创建 pending 升级，跳过 ETL", slog.String("version", u.Version))
		return result, nil
	}

	p, err := s.build(spec, u.Version)
	if err == nil && opts.OnlyExtract {
		p = p.OnlyExtract()
	}
	if err == nil {
		result.Report, err = pipeline.NewRunner(s.loader(u.Version)).Run(ctx, p, opts.Mode)
	}
	if err != nil {
		s.fail(ctx, u, err)
		return result, err
	}

	if opts.OnlyExtract {
		s.tracker.Suspend(u)
		log.Info("extract 完成，pending 保留", slog.String("version", u.Version))
		return result, nil
	}

	if err := s.tracker.Commit(ctx, u); err != nil {
		// 载入的行属于未能登记的版本，连同 pending 一起丢弃。
		s.discardRows(ctx, u)
		s.fail(ctx, u, err)
		return result, err
	}
	result.Installed = true
	s.publish(ctx, alerting.TypeUpgradeInstalled, name, result)
	log.Info("升级完成", slog.String("version", u.Version), slog.Int("rows", result.Report.Rows))
	return result, nil
}

// fail 放弃 pending 并发布失败事件。取消的上下文同样需要写回失败状态。
func (s *Service) fail(ctx context.Context, u *version.Update, cause error) {
	if err := s.tracker.Abort(context.WithoutCancel(ctx), u, cause); err != nil {
		logger.ForPlugin(u.Plugin).Error("放弃 pending 升级失败", slog.Any("error", err))
	}
	s.publish(ctx, alerting.TypeUpgradeFailed, u.Plugin, map[string]string{
		"plugin":    u.Plugin,
		"version":   u.Version,
		"update_id": u.ID,
		"error":     cause.Error(),
	})
}

func (s *Service) discardRows(ctx context.Context, u *version.Update) {
	if s.db == nil {
		return
	}
	_, err := s.db.ExecContext(context.WithoutCancel(ctx), `DELETE FROM etl_rows WHERE plugin = ? AND version = ?`, u.Plugin, u.Version)
	if err != nil {
		logger.ForPlugin(u.Plugin).Error("清除未登记版本的数据失败", slog.String("version", u.Version), slog.Any("error", err))
	}
}

// pretend 只报告将要执行的任务，不修改版本状态。
func (s *Service) pretend(ctx context.Context, spec plugin.Spec, opts Options) (*Result, error) {
	target, err := s.target(ctx, spec.Name, opts.Version)
	if err != nil {
		return nil, err
	}
	result := &Result{Plugin: spec.Name, Version: target, Dir: s.versionDir(spec.Name, target)}
	p, err := s.build(spec, target)
	if err != nil {
		return nil, err
	}
	if opts.OnlyExtract {
		p = p.OnlyExtract()
	}
	result.Report, err = pipeline.NewRunner(nil).Run(ctx, p, pipeline.ModePretend)
	return result, err
}

// Tasks 构建插件目标版本（version 为空时取 State.Target）的流水线并返回其任务，不执行任何任务。
func (s *Service) Tasks(ctx context.Context, name, v string) (*pipeline.Pipeline, error) {
	spec, err := s.registry.Get(name)
	if err != nil {
		return nil, xerrors.Wrap(CodePluginUnknown, err, fmt.Sprintf("plugin %s is not registered", name), xerrors.WithPlugin(name))
	}
	if v, err = s.target(ctx, name, v); err != nil {
		return nil, err
	}
	return s.build(spec, v)
}

// target 在 v 为空时取 State.Target。
func (s *Service) target(ctx context.Context, name, v string) (string, error) {
	if v == "" {
		st, err := s.tracker.State(ctx, name)
		if err != nil {
			return "", err
		}
		v = st.Target()
	}
	if v == "" {
		return "", xerrors.New(version.CodeUnknownVersion, "no remote version recorded, run update first", xerrors.WithPlugin(name))
	}
	return v, nil
}

// Reset 放弃遗留的 pending 升级。deep 时同时清除已安装版本、插件数据目录与集成库中的数据行。
func (s *Service) Reset(ctx context.Context, name string, deep bool) error {
	if _, err := s.registry.Get(name); err != nil {
		return xerrors.Wrap(CodePluginUnknown, err, fmt.Sprintf("plugin %s is not registered", name), xerrors.WithPlugin(name))
	}
	if err := s.tracker.Reset(ctx, name, deep); err != nil {
		return err
	}
	if !deep {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.dataDir, name)); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件数据目录失败", xerrors.WithPlugin(name))
	}
	if s.db != nil {
		for _, stmt := range []string{`DELETE FROM etl_rows WHERE plugin = ?`, `DELETE FROM resource_files WHERE plugin = ?`} {
			if _, err := s.db.ExecContext(ctx, stmt, name); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除插件数据失败", xerrors.WithPlugin(name))
			}
		}
	}
	return nil
}

// build 构建插件版本 v 的流水线。配置集成库时下载的文件登记到 resource_files。
func (s *Service) build(spec plugin.Spec, v string) (*pipeline.Pipeline, error) {
	var fetcher resource.Fetcher = s.remote
	if s.db != nil {
		fetcher = resource.RecordingFetcher{Next: s.remote, Files: resource.NewFileStore(s.db), Version: v}
	}
	return pipeline.Build(spec, pipeline.Env{
		Dir:        s.versionDir(spec.Name, v),
		Fetcher:    fetcher,
		Normalizer: s.normalizer,
	})
}

func (s *Service) loader(v string) pipeline.Loader {
	if s.db == nil {
		return nil
	}
	return pipeline.NewSQLLoader(s.db, v)
}

func (s *Service) publish(ctx context.Context, eventType, subject string, data any) {
	if err := s.events.Publish(ctx, eventType, subject, data); err != nil {
		logger.ForPlugin(subject).Warn("事件发布失败", slog.String("type", eventType), slog.Any("error", err))
	}
}

var unsafeVersionChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// versionDir 返回 DATA_DIR/<plugin>/<版本>，版本中的路径分隔符等字符替换为下划线。
func (s *Service) versionDir(name, v string) string {
	return filepath.Join(s.dataDir, name, CleanVersion(v))
}

// CleanVersion 把版本号转换为可用作目录名的形式。
func CleanVersion(v string) string {
	cleaned := unsafeVersionChars.ReplaceAllString(v, "_")
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "_"
	}
	return cleaned
}

// Execute 实现 job.Executor，使升级可以通过作业队列执行。
func (s *Service) Execute(ctx context.Context, name string, opts job.Options) (job.Outcome, error) {
	mode, err := pipeline.ParseMode(opts.Mode)
	if err != nil {
		return job.Outcome{}, err
	}
	res, err := s.Upgrade(ctx, name, Options{
		Mode:        mode,
		OmitETL:     opts.OmitETL,
		OnlyExtract: opts.OnlyExtract,
		Resume:      opts.Resume,
		Version:     opts.Version,
	})
	if err != nil {
		return job.Outcome{}, err
	}
	return job.Outcome{Version: res.Version, Message: res.Message(), Rows: res.rows()}, nil
}

// Skippable 报告错误是否只表示插件无需升级：已安装目标版本或已冻结。
func Skippable(err error) bool {
	return xerrors.HasAnyCode(err, version.CodeUpToDate, version.CodeFrozen)
}

var _ job.Executor = (*Service)(nil)

package version

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "i-vis/internal/errors"
	"i-vis/pkg/logger"
)

// ProbeFunc 查询远程最新版本，返回空字符串表示远程版本未知。
type ProbeFunc func(ctx context.Context) (string, error)

// Outcome 描述一次 update 的结果。
type Outcome string

const (
	OutcomeAdded   Outcome = "added"
	OutcomeKnown   Outcome = "known"
	OutcomeUnknown Outcome = "unknown"
)

// UpdateResult 是 Tracker.Update 的返回值。
type UpdateResult struct {
	Plugin  string  `json:"plugin"`
	Version string  `json:"version,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// BeginOptions 控制 Begin 的目标版本与恢复行为。
type BeginOptions struct {
	// Version 指定目标版本，为空时使用 State.Target。
	Version string
	// Resume 允许接管存储中遗留的 pending 升级。
	Resume bool
}

// Option 配置 Tracker。
type Option func(*Tracker)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithIDGenerator 替换升级记录 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) {
		if gen != nil {
			t.newID = gen
		}
	}
}

// Tracker 维护插件的版本状态机。持久化的比较并交换保证跨进程互斥，
// inflight 表保证同一进程内同一插件的 Begin 到 Commit/Abort 串行。
type Tracker struct {
	store Store
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewTracker 创建版本跟踪器。
func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		now:      time.Now,
		newID:    uuid.NewString,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Store 返回底层存储。
func (t *Tracker) Store() Store { return t.store }

// InFlight 判断本进程内插件是否有正在执行的升级。
func (t *Tracker) InFlight(plugin string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[plugin]
	return ok
}

func (t *Tracker) acquire(plugin string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[plugin]; ok {
		return false
	}
	t.inflight[plugin] = struct{}{}
	return true
}

func (t *Tracker) release(plugin string) {
	t.mu.Lock()
	delete(t.inflight, plugin)
	t.mu.Unlock()
}

// Update 探测远程最新版本并记录。除已知版本外不修改任何本地状态。
func (t *Tracker) Update(ctx context.Context, plugin string, probe ProbeFunc) (UpdateResult, error) {
	log := logger.ForPlugin(plugin)
	result := UpdateResult{Plugin: plugin, Outcome: OutcomeUnknown}

	remote, err := probe(ctx)
	if err != nil {
		return result, xerrors.Wrap(xerrors.CodeRemoteFailure, err, "查询远程版本失败", xerrors.WithPlugin(plugin))
	}
	remote = strings.TrimSpace(remote)
	if remote == "" {
		log.Warn("远程版本未知，跳过")
		return result, nil
	}

	_, created, err := t.store.AddKnown(ctx, Known{
		Plugin:      plugin,
		Version:     remote,
		Installable: true,
		CheckedAt:   t.now(),
	})
	if err != nil {
		return result, err
	}
	result.Version = remote
	if created {
		result.Outcome = OutcomeAdded
		log.Info("发现新版本", slog.String("version", remote))
	} else {
		result.Outcome = OutcomeKnown
		log.Debug("版本已记录", slog.String("version", remote))
	}
	return result, nil
}

// State 汇总插件当前的版本三元组。
func (t *Tracker) State(ctx context.Context, plugin string) (State, error) {
	rec, err := t.store.Load(ctx, plugin)
	if err != nil {
		return State{}, err
	}
	known, err := t.store.Known(ctx, plugin)
	if err != nil {
		return State{}, err
	}
	st := State{
		Plugin:    plugin,
		Installed: rec.Installed,
		Pending:   rec.Pending,
		Chosen:    rec.Chosen,
		Frozen:    rec.Frozen,
	}
	for _, k := range known {
		if k.Seq >= st.NewestSeq {
			st.Newest = k.Version
			st.NewestSeq = k.Seq
		}
		if k.Version == rec.Installed {
			st.InstalledSeq = k.Seq
		}
	}
	return st, nil
}

// Begin 将 pending 从空设置为目标版本并创建升级记录。成功后调用方必须调用 Commit 或 Abort。
func (t *Tracker) Begin(ctx context.Context, plugin string, opts BeginOptions) (*Update, error) {
	if !t.acquire(plugin) {
		return nil, xerrors.New(CodeInFlight, "", xerrors.WithPlugin(plugin))
	}
	u, err := t.begin(ctx, plugin, opts)
	if err != nil {
		t.release(plugin)
		return nil, err
	}
	return u, nil
}

func (t *Tracker) begin(ctx context.Context, plugin string, opts BeginOptions) (*Update, error) {
	st, err := t.State(ctx, plugin)
	if err != nil {
		return nil, err
	}
	if st.Frozen {
		return nil, xerrors.New(CodeFrozen, "", xerrors.WithPlugin(plugin))
	}

	target := strings.TrimSpace(opts.Version)
	if target == "" {
		target = st.Target()
	} else if err := t.checkInstallable(ctx, plugin, target); err != nil {
		return nil, err
	}
	if target == "" {
		return nil, xerrors.New(CodeUnknownVersion, "no remote version recorded, run update first", xerrors.WithPlugin(plugin))
	}

	if st.Pending != "" {
		if !opts.Resume {
			return nil, xerrors.New(CodeInFlight, fmt.Sprintf("upgrade to %s is pending", st.Pending), xerrors.WithPlugin(plugin))
		}
		rec, err := t.store.Load(ctx, plugin)
		if err != nil {
			return nil, err
		}
		if st.Pending == target {
			u, err := t.store.GetUpdate(ctx, rec.PendingUpdateID)
			if err != nil {
				return nil, err
			}
			logger.Audit().Info("resume upgrade", slog.String("plugin", plugin), slog.String("version", target), slog.String("update_id", u.ID))
			return &u, nil
		}
		stale := Update{
			ID:         rec.PendingUpdateID,
			Plugin:     plugin,
			Version:    st.Pending,
			Status:     StatusFailed,
			Message:    fmt.Sprintf("cancelled in favour of %s", target),
			FinishedAt: t.now(),
		}
		if err := t.store.FinishUpdate(ctx, stale); err != nil {
			return nil, err
		}
		logger.Audit().Info("cancel upgrade", slog.String("plugin", plugin), slog.String("version", st.Pending), slog.String("update_id", stale.ID))
	}

	if st.Installed == target {
		return nil, xerrors.New(CodeUpToDate, fmt.Sprintf("%s is already installed", target), xerrors.WithPlugin(plugin), xerrors.WithVersion(target))
	}

	u := Update{
		ID:        t.newID(),
		Plugin:    plugin,
		Version:   target,
		Status:    StatusOngoing,
		StartedAt: t.now(),
	}
	if err := t.store.StartUpdate(ctx, u); err != nil {
		if xerrors.HasCode(err, CodeInFlight) {
			return nil, xerrors.New(CodeInFlight, "", xerrors.WithPlugin(plugin))
		}
		return nil, err
	}
	logger.Audit().Info("pending set",
		slog.String("plugin", plugin),
		slog.String("version", target),
		slog.String("installed", st.Installed),
		slog.String("update_id", u.ID))
	return &u, nil
}

// Commit 将 pending 提升为已安装版本。
func (t *Tracker) Commit(ctx context.Context, u *Update) error {
	if u == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "update 不能为空")
	}
	defer t.release(u.Plugin)

	done := *u
	done.Status = StatusInstalled
	done.FinishedAt = t.now()
	if err := t.store.FinishUpdate(ctx, done); err != nil {
		return err
	}
	*u = done
	logger.Audit().Info("upgrade committed", slog.String("plugin", u.Plugin), slog.String("version", u.Version), slog.String("update_id", u.ID))
	return nil
}

// Abort 清除 pending，已安装版本保持不变。
func (t *Tracker) Abort(ctx context.Context, u *Update, cause error) error {
	if u == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "update 不能为空")
	}
	defer t.release(u.Plugin)

	done := *u
	done.Status = StatusFailed
	done.FinishedAt = t.now()
	if cause != nil {
		done.Message = cause.Error()
	}
	if err := t.store.FinishUpdate(ctx, done); err != nil {
		return err
	}
	*u = done
	logger.Audit().Warn("upgrade aborted",
		slog.String("plugin", u.Plugin),
		slog.String("version", u.Version),
		slog.String("update_id", u.ID),
		slog.String("reason", done.Message))
	return nil
}

// Suspend 释放进程内的升级占用，pending 保留在存储中，之后可通过 Resume 接管。
func (t *Tracker) Suspend(u *Update) {
	if u == nil {
		return
	}
	t.release(u.Plugin)
	logger.Audit().Info("upgrade suspended", slog.String("plugin", u.Plugin), slog.String("version", u.Version), slog.String("update_id", u.ID))
}

// Freeze 冻结或解冻插件的已安装版本，返回状态是否发生变化。
func (t *Tracker) Freeze(ctx context.Context, plugin string, frozen bool) (bool, error) {
	rec, err := t.store.Load(ctx, plugin)
	if err != nil {
		return false, err
	}
	if rec.Installed == "" {
		return false, xerrors.New(CodeNotInstalled, "", xerrors.WithPlugin(plugin))
	}
	if rec.Frozen == frozen {
		return false, nil
	}
	if err := t.store.SetFrozen(ctx, plugin, frozen); err != nil {
		return false, err
	}
	logger.Audit().Info("freeze changed", slog.String("plugin", plugin), slog.Bool("frozen", frozen), slog.String("version", rec.Installed))
	return true, nil
}

// Choose 将已知且可安装的版本设为下一次升级的目标，返回状态是否发生变化。
func (t *Tracker) Choose(ctx context.Context, plugin, version string) (bool, error) {
	rec, err := t.store.Load(ctx, plugin)
	if err != nil {
		return false, err
	}
	if rec.Frozen {
		return false, xerrors.New(CodeFrozen, "", xerrors.WithPlugin(plugin))
	}
	if rec.Installed == version {
		return false, nil
	}
	if err := t.checkInstallable(ctx, plugin, version); err != nil {
		return false, err
	}
	if rec.Pending != "" {
		return false, xerrors.New(CodeInFlight, fmt.Sprintf("upgrade to %s is pending", rec.Pending), xerrors.WithPlugin(plugin))
	}
	if err := t.store.SetChosen(ctx, plugin, version); err != nil {
		return false, err
	}
	logger.Audit().Info("version chosen", slog.String("plugin", plugin), slog.String("version", version))
	return true, nil
}

func (t *Tracker) checkInstallable(ctx context.Context, plugin, version string) error {
	known, err := t.store.Known(ctx, plugin)
	if err != nil {
		return err
	}
	for _, k := range known {
		if k.Version != version {
			continue
		}
		if !k.Installable {
			return xerrors.New(CodeNotInstallable, fmt.Sprintf("version %s is not installable", version), xerrors.WithPlugin(plugin))
		}
		return nil
	}
	return xerrors.New(CodeUnknownVersion, fmt.Sprintf("version %s is not known", version), xerrors.WithPlugin(plugin))
}

// Versions 返回插件的已知版本，按发现顺序排列。
func (t *Tracker) Versions(ctx context.Context, plugin string) ([]Known, error) {
	return t.store.Known(ctx, plugin)
}

// Updates 返回插件的升级记录。
func (t *Tracker) Updates(ctx context.Context, plugin string) ([]Update, error) {
	return t.store.Updates(ctx, plugin)
}

// Reset 放弃遗留的 pending 升级；deep 时同时清除已安装版本。本进程内正在执行的升级不能被重置。
func (t *Tracker) Reset(ctx context.Context, plugin string, deep bool) error {
	if !t.acquire(plugin) {
		return xerrors.New(CodeInFlight, "", xerrors.WithPlugin(plugin))
	}
	defer t.release(plugin)

	rec, err := t.store.Load(ctx, plugin)
	if err != nil {
		return err
	}
	if rec.Pending != "" {
		stale := Update{
			ID:         rec.PendingUpdateID,
			Plugin:     plugin,
			Version:    rec.Pending,
			Status:     StatusFailed,
			Message:    "reset",
			FinishedAt: t.now(),
		}
		if err := t.store.FinishUpdate(ctx, stale); err != nil {
			return err
		}
	}
	if deep {
		if err := t.store.ClearInstalled(ctx, plugin); err != nil {
			return err
		}
	}
	logger.Audit().Info("plugin reset", slog.String("plugin", plugin), slog.Bool("deep", deep), slog.String("pending", rec.Pending))
	return nil
}

// Package pipeline 按 extract -> transform -> load 的顺序执行插件的 ETL 任务。
// 前一个任务的输出是后一个任务的输入；任一任务失败即终止，load 阶段在同一事务中提交。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "i-vis/internal/errors"
	"i-vis/pkg/logger"
	"i-vis/pkg/plugin"
)

// Status 表示任务状态。
type Status string

const (
	StatusInit    Status = "init"
	StatusWorking Status = "working"
	StatusError   Status = "error"
	StatusDone    Status = "done"
)

// Mode 控制哪些任务需要执行。
type Mode string

const (
	// ModeDefault 只执行输出缺失或比输入旧的任务。
	ModeDefault Mode = "default"
	// ModePretend 只记录将要执行的任务。
	ModePretend Mode = "pretend"
	// ModeUnconditional 执行全部任务。
	ModeUnconditional Mode = "unconditional"
	// ModeForce 先删除旧输出再执行全部任务。
	ModeForce Mode = "force"
)

// ParseMode 解析运行模式，空字符串为 default。
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDefault, nil
	case ModeDefault, ModePretend, ModeUnconditional, ModeForce:
		return m, nil
	}
	return "", xerrors.Newf(xerrors.CodeInvalidArgument, "未知的运行模式: %q", s)
}

const (
	CodeInvalid    xerrors.Code = "PIPELINE_INVALID"
	CodeTaskFailed xerrors.Code = "PIPELINE_TASK_FAILED"
	CodeLoadFailed xerrors.Code = "PIPELINE_LOAD_FAILED"
)

func init() {
	xerrors.Register(CodeInvalid, xerrors.Attributes{Message: "invalid pipeline", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeTaskFailed, xerrors.Attributes{Message: "pipeline task failed", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeLoadFailed, xerrors.Attributes{Message: "loading into the integrated store failed", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
}

// Context 在执行时传给任务动作。Tx 只对 load 任务非空。
type Context struct {
	Task *Task
	Tx   Tx
	Log  *slog.Logger
}

// Action 是任务的具体工作。
type Action func(ctx context.Context, rc *Context) error

// Task 是流水线中的一个步骤。Inputs 与 Outputs 为文件路径；load 任务的 Outputs 为表名。
type Task struct {
	Plugin  string
	Name    string
	Kind    plugin.StepKind
	Inputs  []string
	Outputs []string
	Action  Action
	Status  Status
	// Harmonize 只在 harmonize 任务上设置。
	Harmonize *Harmonization
}

// ID 返回任务标识 plugin::name->outputs，空格替换为下划线。
func (t *Task) ID() string {
	names := make([]string, 0, len(t.Outputs))
	for _, out := range t.Outputs {
		names = append(names, filepath.Base(out))
	}
	head := strings.ReplaceAll(t.Plugin+"::"+t.Name, " ", "_")
	return head + "->" + strings.Join(names, ",")
}

// TaskPlugin 从任务 ID 中取出插件名。
func TaskPlugin(id string) (string, error) {
	name, rest, ok := strings.Cut(id, "::")
	if !ok || name == "" || rest == "" {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "任务 ID 格式应为 plugin::name->outputs: %q", id)
	}
	return name, nil
}

// Pipeline 是单个插件的有序任务序列。
type Pipeline struct {
	Plugin string
	Tasks  []*Task
}

// New 校验并构造流水线：任务属于同一插件，ID 唯一，阶段不回退。
func New(pluginName string, tasks ...*Task) (*Pipeline, error) {
	seen := make(map[string]struct{}, len(tasks))
	rank := 0
	for i, t := range tasks {
		if t == nil || t.Action == nil {
			return nil, xerrors.Newf(CodeInvalid, "第 %d 个任务缺少动作", i+1)
		}
		if t.Plugin == "" {
			t.Plugin = pluginName
		}
		if t.Plugin != pluginName {
			return nil, xerrors.Newf(CodeInvalid, "任务 %s 不属于插件 %s", t.ID(), pluginName)
		}
		r := t.Kind.Rank()
		if r == 0 {
			return nil, xerrors.Newf(CodeInvalid, "任务 %s 的类型 %q 未知", t.ID(), t.Kind)
		}
		if r < rank {
			return nil, xerrors.Newf(CodeInvalid, "任务 %s (%s) 不能位于后续阶段之后", t.ID(), t.Kind)
		}
		rank = r
		id := t.ID()
		if _, dup := seen[id]; dup {
			return nil, xerrors.Newf(CodeInvalid, "任务 ID 重复: %s", id)
		}
		seen[id] = struct{}{}
		t.Status = StatusInit
	}
	return &Pipeline{Plugin: pluginName, Tasks: tasks}, nil
}

// OnlyExtract 返回只包含 extract 任务的副本。
func (p *Pipeline) OnlyExtract() *Pipeline {
	out := &Pipeline{Plugin: p.Plugin}
	for _, t := range p.Tasks {
		if t.Kind == plugin.StepExtract {
			out.Tasks = append(out.Tasks, t)
		}
	}
	return out
}

// Task 按 ID 查找任务。
func (p *Pipeline) Task(id string) (*Task, bool) {
	for _, t := range p.Tasks {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

// HasLoad 判断流水线是否包含 load 任务。
func (p *Pipeline) HasLoad() bool {
	for _, t := range p.Tasks {
		if t.Kind == plugin.StepLoad {
			return true
		}
	}
	return false
}

// TaskResult 记录单个任务的执行情况。
type TaskResult struct {
	ID       string          `json:"id"`
	Kind     plugin.StepKind `json:"kind"`
	Status   Status          `json:"status"`
	Ran      bool            `json:"ran"`
	Duration time.Duration   `json:"duration"`
	Error    string          `json:"error,omitempty"`
}

// Report 汇总一次运行。
type Report struct {
	Plugin string       `json:"plugin"`
	Mode   Mode         `json:"mode"`
	Tasks  []TaskResult `json:"tasks"`
	Rows   int          `json:"rows"`
}

// Runner 执行流水线。
type Runner struct {
	loader Loader
	now    func() time.Time
}

// NewRunner 创建执行器；没有 load 任务的流水线可以不提供 loader。
func NewRunner(loader Loader) *Runner {
	return &Runner{loader: loader, now: time.Now}
}

// Run 依次执行任务。任一任务失败时回滚 load 事务并返回错误，其余任务不再执行。
func (r *Runner) Run(ctx context.Context, p *Pipeline, mode Mode) (*Report, error) {
	log := logger.ForPlugin(p.Plugin).With(slog.String("mode", string(mode)))
	report := &Report{Plugin: p.Plugin, Mode: mode}
	if p.HasLoad() && r.loader == nil && mode != ModePretend {
		return report, xerrors.New(CodeInvalid, "流水线包含 load 任务但未配置集成库", xerrors.WithPlugin(p.Plugin))
	}

	var session Session
	rollback := func() {
		if session != nil {
			if err := session.Rollback(); err != nil {
				log.Error("回滚 load 事务失败", slog.Any("error", err))
			}
			session = nil
		}
	}

	for _, t := range p.Tasks {
		if err := ctx.Err(); err != nil {
			rollback()
			return report, xerrors.Wrap(xerrors.CodeTimeout, err, "流水线被取消", xerrors.WithPlugin(p.Plugin))
		}
		taskLog := log.With(slog.String("task", t.ID()))
		result := TaskResult{ID: t.ID(), Kind: t.Kind}

		if !t.Stale(mode) {
			taskLog.Debug("输出已是最新，跳过")
			t.Status = StatusDone
			result.Status = StatusDone
			report.Tasks = append(report.Tasks, result)
			continue
		}
		if mode == ModePretend {
			taskLog.Info("将执行任务")
			t.Status = StatusDone
			result.Status = StatusDone
			report.Tasks = append(report.Tasks, result)
			continue
		}
		if mode == ModeForce && t.Kind != plugin.StepLoad {
			for _, out := range t.Outputs {
				if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
					taskLog.Warn("删除旧输出失败", slog.String("path", out), slog.Any("error", err))
				}
			}
		}
		if t.Kind == plugin.StepLoad && session == nil {
			var err error
			session, err = r.loader.Begin(ctx, p.Plugin)
			if err != nil {
				return report, err
			}
		}

		started := r.now()
		t.Status = StatusWorking
		taskLog.Info("任务开始")
		rc := &Context{Task: t, Log: taskLog}
		if t.Kind == plugin.StepLoad {
			rc.Tx = session
		}
		err := t.Action(ctx, rc)
		result.Duration = r.now().Sub(started)
		result.Ran = true
		if err != nil {
			t.Status = StatusError
			result.Status = StatusError
			result.Error = err.Error()
			report.Tasks = append(report.Tasks, result)
			taskLog.Error("任务失败，ETL 终止", slog.Any("error", err))
			rollback()
			if _, ok := xerrors.From(err); ok {
				return report, err
			}
			return report, xerrors.Wrap(CodeTaskFailed, err, fmt.Sprintf("任务 %s 失败", t.ID()), xerrors.WithPlugin(p.Plugin))
		}
		t.Status = StatusDone
		result.Status = StatusDone
		report.Tasks = append(report.Tasks, result)
		taskLog.Info("任务完成", slog.Duration("duration", result.Duration))
	}

	if session != nil {
		rows := session.Rows()
		if err := session.Commit(); err != nil {
			return report, xerrors.Wrap(CodeLoadFailed, err, "提交 load 事务失败", xerrors.WithPlugin(p.Plugin))
		}
		report.Rows = rows
		log.Info("load 已提交", slog.Int("rows", rows))
	}
	return report, nil
}

// Stale 判断任务在 mode 下是否需要执行：输出缺失或早于任一输入。load 任务总是执行，写入按插件与表的范围覆盖。
func (t *Task) Stale(mode Mode) bool {
	if mode == ModeUnconditional || mode == ModeForce || t.Kind == plugin.StepLoad {
		return true
	}
	if len(t.Outputs) == 0 {
		return true
	}
	var oldest time.Time
	for _, out := range t.Outputs {
		info, err := os.Stat(out)
		if err != nil {
			return true
		}
		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
	}
	for _, in := range t.Inputs {
		info, err := os.Stat(in)
		if err != nil {
			continue
		}
		if info.ModTime().After(oldest) {
			return true
		}
	}
	return false
}

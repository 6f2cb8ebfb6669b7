package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/pipeline"
	"i-vis/internal/resource"
	"i-vis/pkg/logger"
)

// Task 在插件目标版本的流水线中查找任务，禁用的插件返回 CodePluginDisabled。
func (s *Service) Task(ctx context.Context, id string) (*pipeline.Task, string, error) {
	name, err := pipeline.TaskPlugin(id)
	if err != nil {
		return nil, "", err
	}
	spec, err := s.spec(name)
	if err != nil {
		return nil, "", err
	}
	v, err := s.target(ctx, name, "")
	if err != nil {
		return nil, "", err
	}
	p, err := s.build(spec, v)
	if err != nil {
		return nil, "", err
	}
	t, ok := p.Task(id)
	if !ok {
		return nil, "", xerrors.Newf(CodeTaskUnknown, "插件 %s 没有任务 %s", name, id)
	}
	return t, v, nil
}

// RunTask 无条件执行单个任务，不改变版本状态。load 任务写入的行标记为目标版本。
func (s *Service) RunTask(ctx context.Context, id string) (*pipeline.Report, error) {
	t, v, err := s.Task(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(t.Plugin, t)
	if err != nil {
		return nil, err
	}
	logger.ForPlugin(t.Plugin).Info("单独执行任务", slog.String("task", id), slog.String("version", v))
	return pipeline.NewRunner(s.loader(v)).Run(ctx, p, pipeline.ModeUnconditional)
}

// Files 返回插件各版本登记的下载文件。
func (s *Service) Files(ctx context.Context, name string) ([]resource.File, error) {
	if _, err := s.registry.Get(name); err != nil {
		return nil, xerrors.Wrap(CodePluginUnknown, err, fmt.Sprintf("plugin %s is not registered", name), xerrors.WithPlugin(name))
	}
	if s.db == nil {
		return nil, xerrors.New(CodeNoDatabase, "", xerrors.WithPlugin(name))
	}
	return resource.NewFileStore(s.db).List(ctx, name)
}

// ForceFile 认定 pending 版本目录中资源的本地文件正确，按其当前内容重新登记。返回此前是否没有登记。
func (s *Service) ForceFile(ctx context.Context, name, res string) (bool, error) {
	spec, err := s.registry.Get(name)
	if err != nil {
		return false, xerrors.Wrap(CodePluginUnknown, err, fmt.Sprintf("plugin %s is not registered", name), xerrors.WithPlugin(name))
	}
	rs, ok := spec.Resource(res)
	if !ok {
		return false, xerrors.Newf(xerrors.CodeInvalidArgument, "插件 %s 没有资源 %q", name, res)
	}
	if s.db == nil {
		return false, xerrors.New(CodeNoDatabase, "", xerrors.WithPlugin(name))
	}
	st, err := s.tracker.State(ctx, name)
	if err != nil {
		return false, err
	}
	if st.Pending == "" {
		return false, xerrors.New(CodeNoPending, "", xerrors.WithPlugin(name))
	}
	d := resource.FromSpec(name, rs)
	path := filepath.Join(s.versionDir(name, st.Pending), d.TargetName())
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return false, xerrors.Newf(xerrors.CodeInvalidArgument, "文件不存在: %s", path)
	}
	return resource.NewFileStore(s.db).Record(ctx, resource.File{Plugin: name, Version: st.Pending, Name: d.Name, Path: path})
}

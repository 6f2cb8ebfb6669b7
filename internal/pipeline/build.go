package pipeline

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/genome"
	"i-vis/internal/normalize"
	"i-vis/internal/resource"
	"i-vis/pkg/plugin"
)

// 目录中可用的步骤操作。
const (
	OpFetch     = "fetch"
	OpGunzip    = "gunzip"
	OpUnzip     = "unzip"
	OpConvert   = "convert"
	OpBuildDict = "build_dict"
	OpHarmonize = "harmonize"
	OpPositions = "validate_positions"
	OpLoadTable = "load_table"
)

var opKinds = map[string]plugin.StepKind{
	OpFetch:     plugin.StepExtract,
	OpGunzip:    plugin.StepTransform,
	OpUnzip:     plugin.StepTransform,
	OpConvert:   plugin.StepTransform,
	OpBuildDict: plugin.StepTransform,
	OpHarmonize: plugin.StepTransform,
	OpPositions: plugin.StepTransform,
	OpLoadTable: plugin.StepLoad,
}

// Env 提供构建任务所需的依赖。Dir 是本次版本的数据目录。
type Env struct {
	Dir        string
	Fetcher    resource.Fetcher
	Normalizer *normalize.Service
}

// Build 根据插件目录定义构造流水线。
func Build(spec plugin.Spec, env Env) (*Pipeline, error) {
	if env.Dir == "" {
		return nil, xerrors.New(CodeInvalid, "数据目录不能为空", xerrors.WithPlugin(spec.Name))
	}
	var (
		tasks []*Task
		prev  string
	)
	for _, step := range spec.Steps {
		t, err := buildTask(spec, step, env, prev)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
		if t.Kind != plugin.StepLoad && len(t.Outputs) > 0 {
			prev = t.Outputs[0]
		}
	}
	return New(spec.Name, tasks...)
}

func buildTask(spec plugin.Spec, step plugin.StepSpec, env Env, prev string) (*Task, error) {
	kind, ok := opKinds[step.Op]
	if !ok {
		return nil, xerrors.Newf(CodeInvalid, "步骤 %s 的操作 %q 未知", step.Name, step.Op)
	}
	if step.Kind != kind {
		return nil, xerrors.Newf(CodeInvalid, "步骤 %s 声明为 %s，但操作 %s 属于 %s", step.Name, step.Kind, step.Op, kind)
	}
	name := step.Name
	if name == "" {
		name = step.Op
	}
	arg := func(key, fallback string) string {
		if v := strings.TrimSpace(step.Args[key]); v != "" {
			return v
		}
		return fallback
	}
	path := func(name string) string {
		if filepath.IsAbs(name) {
			return name
		}
		return filepath.Join(env.Dir, name)
	}
	t := &Task{Plugin: spec.Name, Name: name, Kind: kind}

	if step.Op == OpFetch {
		rs, ok := spec.Resource(step.Resource)
		if !ok {
			return nil, xerrors.Newf(CodeInvalid, "步骤 %s 引用了未定义的资源 %q", name, step.Resource)
		}
		if env.Fetcher == nil {
			return nil, xerrors.New(CodeInvalid, "未配置下载器", xerrors.WithPlugin(spec.Name))
		}
		d := resource.FromSpec(spec.Name, rs)
		if err := d.Validate(); err != nil {
			return nil, err
		}
		dest := path(arg("output", d.TargetName()))
		t.Outputs = []string{dest}
		fetcher := env.Fetcher
		t.Action = func(ctx context.Context, rc *Context) error {
			return fetcher.Fetch(ctx, d, dest)
		}
		return t, nil
	}

	input := prev
	if v := arg("input", ""); v != "" {
		input = path(v)
	} else if step.Resource != "" {
		rs, ok := spec.Resource(step.Resource)
		if !ok {
			return nil, xerrors.Newf(CodeInvalid, "步骤 %s 引用了未定义的资源 %q", name, step.Resource)
		}
		input = path(resource.FromSpec(spec.Name, rs).TargetName())
	}
	if input == "" {
		return nil, xerrors.Newf(CodeInvalid, "步骤 %s 没有输入", name)
	}
	t.Inputs = []string{input}
	stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))

	delim, err := ParseDelimiter(arg("delimiter", "tsv"))
	if err != nil {
		return nil, err
	}

	switch step.Op {
	case OpGunzip:
		out := path(arg("output", strings.TrimSuffix(filepath.Base(input), ".gz")))
		if out == input {
			out = input + ".out"
		}
		t.Outputs = []string{out}
		t.Action = func(context.Context, *Context) error { return gunzipFile(input, out) }

	case OpUnzip:
		member := arg("member", "")
		if member == "" {
			return nil, xerrors.Newf(CodeInvalid, "步骤 %s 缺少 member 参数", name)
		}
		out := path(arg("output", filepath.Base(member)))
		t.Outputs = []string{out}
		t.Action = func(context.Context, *Context) error { return unzipMember(input, member, out) }

	case OpConvert:
		from, err := ParseDelimiter(arg("from", "csv"))
		if err != nil {
			return nil, err
		}
		to, err := ParseDelimiter(arg("to", "tsv"))
		if err != nil {
			return nil, err
		}
		out := path(arg("output", stem+".tsv"))
		if out == input {
			out = path(stem + ".converted.tsv")
		}
		t.Outputs = []string{out}
		t.Action = func(context.Context, *Context) error { return convertDelimiter(input, from, out, to) }

	case OpBuildDict:
		nameCol, idCol := arg("name_column", ""), arg("id_column", "")
		if nameCol == "" || idCol == "" {
			return nil, xerrors.Newf(CodeInvalid, "步骤 %s 需要 name_column 与 id_column", name)
		}
		out := path(arg("output", stem+".dict.tsv"))
		t.Outputs = []string{out}
		t.Action = func(context.Context, *Context) error { return buildDictionary(input, delim, nameCol, idCol, out) }

	case OpHarmonize:
		column := arg("column", "")
		if column == "" {
			return nil, xerrors.Newf(CodeInvalid, "步骤 %s 缺少 column 参数", name)
		}
		kind, err := normalize.ParseKind(arg("kind", ""))
		if err != nil {
			return nil, err
		}
		target := arg("target", column+"_"+string(kind))
		out := path(arg("output", stem+".harmonized.tsv"))
		t.Outputs = []string{out}
		t.Harmonize = &Harmonization{Kind: kind, Column: column, Target: target, Delimiter: delim}
		svc := env.Normalizer
		t.Action = func(ctx context.Context, rc *Context) error {
			missed, err := harmonizeColumn(ctx, svc, kind, input, delim, column, target, out)
			if err != nil {
				return err
			}
			if missed > 0 {
				rc.Log.Warn("部分值无法标准化", slog.String("column", column), slog.Int("missed", missed))
			}
			return nil
		}

	case OpPositions:
		cols := PositionColumns{Position: arg("position_column", "")}
		if cols.Position == "" {
			cols.Chrom, cols.Start, cols.End = arg("chrom_column", "chrom"), arg("start_column", "start"), arg("end_column", "")
		}
		assembly, err := genome.ParseAssembly(arg("assembly", string(genome.GRCh38)))
		if err != nil {
			return nil, err
		}
		strict := false
		switch v := arg("on_invalid", "drop"); v {
		case "drop":
		case "fail":
			strict = true
		default:
			return nil, xerrors.Newf(CodeInvalid, "步骤 %s 的 on_invalid 只能为 drop 或 fail: %q", name, v)
		}
		out := path(arg("output", stem+".positions.tsv"))
		t.Outputs = []string{out}
		t.Action = func(_ context.Context, rc *Context) error {
			dropped, err := validatePositions(input, delim, cols, assembly, strict, out)
			if err != nil {
				return err
			}
			if dropped > 0 {
				rc.Log.Warn("已丢弃坐标不合法的行", slog.Int("dropped", dropped))
			}
			return nil
		}

	case OpLoadTable:
		table := arg("table", name)
		t.Outputs = []string{table}
		t.Action = func(ctx context.Context, rc *Context) error {
			n, err := rc.Tx.LoadTable(ctx, table, input, delim)
			if err != nil {
				return err
			}
			rc.Log.Info("表已加载", slog.String("table", table), slog.Int("rows", n))
			return nil
		}
	}
	return t, nil
}

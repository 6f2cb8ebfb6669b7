package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/pipeline"
	"i-vis/internal/version"
)

// NewTaskCommand 创建 task 命令组，任务 ID 的格式为 plugin::name->outputs。
func NewTaskCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and run single pipeline tasks",
	}
	cmd.AddCommand(newTaskCheckCommand(app), newTaskDetailsCommand(app), newTaskRunCommand(app))
	return cmd
}

func newTaskCheckCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check [plugin...]",
		Short: "Show which tasks the next default run would execute",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			upg, err := app.Upgrader(ctx)
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = upg.Registry().Names(true)
			}
			var rows [][]string
			for _, name := range names {
				p, err := upg.Tasks(ctx, name, "")
				if xerrors.HasCode(err, version.CodeUnknownVersion) {
					continue
				}
				if err != nil {
					return err
				}
				for _, t := range p.Tasks {
					rows = append(rows, []string{t.ID(), yesNo(t.Stale(pipeline.ModeDefault))})
				}
			}
			renderTable(cmd.OutOrStdout(), "No tasks.", []string{"Task", "Run"}, rows)
			return nil
		},
	}
}

func newTaskDetailsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "details <task-id>",
		Short: "Show the kind, inputs and outputs of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upg, err := app.Upgrader(cmd.Context())
			if err != nil {
				return err
			}
			t, v, err := upg.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task:\t\t%s\n", t.ID())
			fmt.Fprintf(out, "Plugin:\t\t%s\n", t.Plugin)
			fmt.Fprintf(out, "Version:\t%s\n", v)
			fmt.Fprintf(out, "Kind:\t\t%s\n", t.Kind)
			fmt.Fprintf(out, "Requires:\t%s\n", strings.Join(t.Inputs, ","))
			fmt.Fprintf(out, "Offers:\t\t%s\n", strings.Join(t.Outputs, ","))
			return nil
		},
	}
}

func newTaskRunCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a single task of the target version",
		Long:  "Run a single task unconditionally. The version state is not changed; rows written by a load task carry the target version.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upg, err := app.Upgrader(cmd.Context())
			if err != nil {
				return err
			}
			report, err := upg.RunTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, r := range report.Tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s\n", r.ID, r.Status, r.Duration.Round(time.Millisecond))
			}
			if report.Rows > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d rows loaded\n", report.Rows)
			}
			return nil
		},
	}
}

// NewHarmonizationCommand 创建 harmonization 命令组。
func NewHarmonizationCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "harmonization",
		Aliases: []string{"harm"},
		Short:   "Show which columns a data source maps to canonical ids",
	}
	list := &cobra.Command{
		Use:   "list <plugin>",
		Short: "List the harmonize tasks of a data source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upg, err := app.Upgrader(cmd.Context())
			if err != nil {
				return err
			}
			p, err := upg.Tasks(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			var rows [][]string
			for _, t := range p.Tasks {
				if h := t.Harmonize; h != nil {
					rows = append(rows, []string{t.ID(), string(h.Kind), h.Column, h.Target})
				}
			}
			renderTable(cmd.OutOrStdout(), "No harmonizations.", []string{"Task", "Type", "Column", "Target"}, rows)
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a harmonize task and how many rows it matched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upg, err := app.Upgrader(cmd.Context())
			if err != nil {
				return err
			}
			t, _, err := upg.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			h := t.Harmonize
			if h == nil {
				return xerrors.Newf(xerrors.CodeInvalidArgument, "任务 %s 不是 harmonize 任务", args[0])
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task:\t\t%s\n", t.ID())
			fmt.Fprintf(out, "Type:\t\t%s\n", h.Kind)
			fmt.Fprintf(out, "Column:\t\t%s -> %s\n", h.Column, h.Target)
			fmt.Fprintf(out, "Input:\t\t%s\n", strings.Join(t.Inputs, ","))
			fmt.Fprintf(out, "Output:\t\t%s\n", strings.Join(t.Outputs, ","))
			if len(t.Outputs) == 0 || !outputsExist(t) {
				fmt.Fprintln(out, "Coverage:\tnot run yet")
				return nil
			}
			matched, missed, err := h.Coverage(t.Outputs[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Coverage:\t%d matched, %d unmatched\n", matched, missed)
			return nil
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

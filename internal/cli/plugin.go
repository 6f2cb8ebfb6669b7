package cli

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"i-vis/internal/job"
	"i-vis/internal/pipeline"
	"i-vis/internal/version"
	"i-vis/pkg/plugin"
)

// NewPluginCommand 创建 plugin 命令组。
func NewPluginCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "Check, upgrade and inspect plugins",
	}
	cmd.AddCommand(
		newPluginUpdateCommand(app),
		newPluginUpgradeCommand(app),
		newPluginStatusCommand(app),
		newPluginVersionsCommand(app),
		newPluginUpdatesCommand(app),
		newPluginTasksCommand(app),
		newPluginChooseCommand(app),
		newPluginFreezeCommand(app),
		newPluginDetailsCommand(app),
		newPluginResetCommand(app),
		newPluginJobsCommand(app),
	)
	return cmd
}

func newPluginUpdateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "update [plugin...]",
		Short: "Probe the newest remote version of plugins",
		Long:  "Probe the newest remote version of the named plugins, or of every enabled plugin. Only the newest known version is recorded.",
		RunE: func(cmd *cobra.Command, args []string) error {
			upg, err := app.Upgrader(cmd.Context())
			if err != nil {
				return err
			}
			results, err := upg.Update(cmd.Context(), args...)
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				outcome := string(r.Outcome)
				if r.Outcome == version.OutcomeAdded {
					outcome = okStyle.Render(outcome)
				} else if r.Outcome == version.OutcomeUnknown {
					outcome = warnStyle.Render(outcome)
				}
				rows = append(rows, []string{r.Plugin, orDash(r.Version), outcome})
			}
			renderTable(cmd.OutOrStdout(), "No plugins checked.", []string{"Plugin", "Version", "Outcome"}, rows)
			return err
		},
	}
}

func newPluginUpgradeCommand(app *App) *cobra.Command {
	var (
		opts    job.Options
		workers int
	)
	cmd := &cobra.Command{
		Use:   "upgrade [plugin...]",
		Short: "Install the newest (or chosen) version of plugins",
		Long: `Install the target version of the named plugins, or of every updateable enabled
plugin. Each plugin runs its pipeline in DATA_DIR/<plugin>/<version>; a failed
pipeline discards the pending version and keeps the installed one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := pipeline.ParseMode(opts.Mode); err != nil {
				return err
			}
			ctx := cmd.Context()
			upg, err := app.Upgrader(ctx)
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				for _, name := range upg.Registry().Names(true) {
					st, err := upg.Tracker().State(ctx, name)
					if err != nil {
						return err
					}
					if st.Updateable() {
						names = append(names, name)
					}
				}
			}
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All plugins are up to date.")
				return nil
			}

			jobs, err := app.runUpgradeJobs(ctx, names, opts, workers)
			rows := make([][]string, 0, len(jobs))
			failed := 0
			for _, j := range jobs {
				status := string(j.Status)
				if j.Status == job.StatusFailed {
					failed++
					status = warnStyle.Render(status)
				}
				rows = append(rows, []string{j.Plugin, status, strconv.Itoa(j.Attempts), orDash(j.Detail())})
			}
			renderTable(cmd.OutOrStdout(), "No upgrades ran.", []string{"Plugin", "Status", "Attempts", "Result"}, rows)
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d upgrades failed", failed, len(jobs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.OmitETL, "omit-etl", false, "only create the pending version, skip the pipeline")
	cmd.Flags().BoolVar(&opts.OnlyExtract, "only-extract", false, "run extract tasks only and keep the version pending")
	cmd.Flags().StringVar(&opts.Mode, "run", string(pipeline.ModeDefault), "run mode: default, pretend, unconditional or force")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "resume a pending upgrade left by an earlier run")
	cmd.Flags().StringVar(&opts.Version, "to", "", "install this version instead of the newest one")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of plugins upgraded concurrently (default from config)")
	cmd.MarkFlagsMutuallyExclusive("omit-etl", "only-extract")
	return cmd
}

func newPluginStatusCommand(app *App) *cobra.Command {
	var ignoreDisabled bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show version state of plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := app.Registry()
			if err != nil {
				return err
			}
			tracker, err := app.Tracker(ctx)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, name := range reg.Names(ignoreDisabled) {
				spec, err := reg.Get(name)
				if err != nil {
					return err
				}
				state, err := reg.State(name)
				if err != nil {
					return err
				}
				st, err := tracker.State(ctx, name)
				if err != nil {
					return err
				}
				var info []string
				if state == plugin.StateDisabled {
					info = append(info, "disabled")
				}
				if st.Frozen {
					info = append(info, "frozen")
				}
				if st.Chosen != "" {
					info = append(info, "chosen "+st.Chosen)
				}
				if st.Updateable() {
					info = append(info, okStyle.Render("updateable"))
				}
				rows = append(rows, []string{
					string(spec.Type), name, orDash(st.Installed), orDash(st.Pending), orDash(st.Newest), joinInfo(info),
				})
			}
			renderTable(cmd.OutOrStdout(), "No plugins registered.", []string{"Type", "Plugin", "Installed", "Pending", "Latest", "Info"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&ignoreDisabled, "ignore-disabled", "D", false, "do not show disabled plugins")
	return cmd
}

func newPluginVersionsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <plugin...>",
		Short: "List known remote versions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := requireRegistered(app, args...); err != nil {
				return err
			}
			tracker, err := app.Tracker(ctx)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, name := range args {
				known, err := tracker.Versions(ctx, name)
				if err != nil {
					return err
				}
				st, err := tracker.State(ctx, name)
				if err != nil {
					return err
				}
				for _, k := range known {
					var info []string
					if k.Version == st.Installed {
						info = append(info, "installed")
					}
					if k.Version == st.Pending {
						info = append(info, "pending")
					}
					if k.Version == st.Chosen {
						info = append(info, "chosen")
					}
					rows = append(rows, []string{name, k.Version, yesNo(k.Installable), k.CheckedAt.Format(time.RFC3339), joinInfo(info)})
				}
			}
			renderTable(cmd.OutOrStdout(), "No versions known, run `ivis plugin update` first.", []string{"Plugin", "Version", "Installable", "Checked", "Info"}, rows)
			return nil
		},
	}
}

func newPluginUpdatesCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "updates <plugin...>",
		Short: "List local upgrade attempts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := requireRegistered(app, args...); err != nil {
				return err
			}
			tracker, err := app.Tracker(ctx)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, name := range args {
				updates, err := tracker.Updates(ctx, name)
				if err != nil {
					return err
				}
				for _, u := range updates {
					finished := "-"
					if !u.FinishedAt.IsZero() {
						finished = u.FinishedAt.Format(time.RFC3339)
					}
					rows = append(rows, []string{name, u.Version, string(u.Status), u.StartedAt.Format(time.RFC3339), finished, orDash(u.Message)})
				}
			}
			renderTable(cmd.OutOrStdout(), "No upgrades recorded.", []string{"Plugin", "Version", "Status", "Started", "Finished", "Message"}, rows)
			return nil
		},
	}
}

func newPluginTasksCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <plugin...>",
		Short: "Show the pipeline tasks of the target version",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			upg, err := app.Upgrader(ctx)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, name := range args {
				p, err := upg.Tasks(ctx, name, "")
				if err != nil {
					return err
				}
				for _, t := range p.Tasks {
					rows = append(rows, []string{t.ID(), string(t.Kind), yesNo(outputsExist(t))})
				}
			}
			renderTable(cmd.OutOrStdout(), "No tasks.", []string{"Task", "Kind", "Outputs present"}, rows)
			return nil
		},
	}
}

func newPluginChooseCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "choose <plugin> <version>",
		Short: "Choose a known installable version as the next upgrade target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRegistered(app, args[0]); err != nil {
				return err
			}
			tracker, err := app.Tracker(cmd.Context())
			if err != nil {
				return err
			}
			changed, err := tracker.Choose(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already targets %s.\n", args[0], args[1])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s will upgrade to %s.\n", args[0], args[1])
			return nil
		},
	}
}

func newPluginFreezeCommand(app *App) *cobra.Command {
	var invert bool
	cmd := &cobra.Command{
		Use:   "freeze <plugin>",
		Short: "Freeze or unfreeze the installed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireRegistered(app, args[0]); err != nil {
				return err
			}
			tracker, err := app.Tracker(cmd.Context())
			if err != nil {
				return err
			}
			changed, err := tracker.Freeze(cmd.Context(), args[0], !invert)
			if err != nil {
				return err
			}
			verb := "frozen"
			if invert {
				verb = "unfrozen"
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already %s.\n", args[0], verb)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s.\n", args[0], verb)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&invert, "invert", "i", false, "unfreeze the plugin")
	return cmd
}

type pluginDetails struct {
	Name        string              `json:"pname"`
	FullName    string              `json:"fullname,omitempty"`
	URL         string              `json:"url,omitempty"`
	Description string              `json:"description,omitempty"`
	Type        plugin.Type         `json:"type"`
	State       plugin.State        `json:"state"`
	Caps        []plugin.Capability `json:"capabilities,omitempty"`
	Installed   string              `json:"current_version,omitempty"`
	Pending     string              `json:"pending_version,omitempty"`
	Newest      string              `json:"local_latest_version,omitempty"`
	Chosen      string              `json:"chosen_version,omitempty"`
	Frozen      bool                `json:"frozen"`
	Resources   []string            `json:"resources,omitempty"`
}

func newPluginDetailsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "details <plugin>",
		Short: "Show plugin metadata and version state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := requireRegistered(app, args[0]); err != nil {
				return err
			}
			reg, _ := app.Registry()
			spec, err := reg.Get(args[0])
			if err != nil {
				return err
			}
			state, err := reg.State(args[0])
			if err != nil {
				return err
			}
			tracker, err := app.Tracker(ctx)
			if err != nil {
				return err
			}
			st, err := tracker.State(ctx, args[0])
			if err != nil {
				return err
			}
			info := spec.Info()
			d := pluginDetails{
				Name:        info.Name,
				FullName:    info.FullName,
				URL:         info.URL,
				Description: info.Description,
				Type:        info.Type,
				State:       state,
				Caps:        info.Capabilities,
				Installed:   st.Installed,
				Pending:     st.Pending,
				Newest:      st.Newest,
				Chosen:      st.Chosen,
				Frozen:      st.Frozen,
			}
			for _, r := range spec.Resources {
				d.Resources = append(d.Resources, r.Name+" "+r.URL)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
}

func newPluginResetCommand(app *App) *cobra.Command {
	var deep bool
	cmd := &cobra.Command{
		Use:   "reset <plugin>",
		Short: "Discard a stale pending upgrade",
		Long:  "Discard a stale pending upgrade. With --deep the installed version, the plugin data directory and its rows in the integrated database are removed too.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upg, err := app.Upgrader(cmd.Context())
			if err != nil {
				return err
			}
			if err := upg.Reset(cmd.Context(), args[0], deep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s reset.\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&deep, "deep", false, "also remove the installed version and all plugin data")
	return cmd
}

// requireRegistered 确认插件在目录中登记，禁用的插件同样可以查询。
func requireRegistered(app *App, names ...string) error {
	reg, err := app.Registry()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if _, err := reg.Get(name); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

func outputsExist(t *pipeline.Task) bool {
	if t.Kind == plugin.StepLoad || len(t.Outputs) == 0 {
		return false
	}
	for _, out := range t.Outputs {
		if _, err := os.Stat(out); err != nil {
			return false
		}
	}
	return true
}

func joinInfo(info []string) string {
	if len(info) == 0 {
		return "-"
	}
	return strings.Join(info, ", ")
}

// Package cli 实现 ivis 命令行：插件版本管理、集成库初始化与备份、用户管理、映射草稿、实体标准化、单任务执行与守护进程。
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Version 由构建时的 ldflags 覆盖。
var Version = "dev"

// NewRootCommand 创建 ivis 根命令。
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "ivis",
		Short: "I-VIS ETL and plugin version manager",
		Long: `ivis manages the biomedical data source plugins of I-VIS: it checks remote
versions, upgrades plugins through their extract/transform/load pipelines and
keeps the integrated database consistent with the installed versions.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				app.ConfigPath = path
			}
			_, err := app.Config()
			return err
		},
	}
	root.PersistentFlags().String("config", "", "config file path (default $I_VIS_CONF)")

	root.AddCommand(NewPluginCommand(app))
	root.AddCommand(NewInitCommand(app))
	root.AddCommand(NewUserCommand(app))
	root.AddCommand(NewGuessCommand(app))
	root.AddCommand(NewNormalizeCommand(app))
	root.AddCommand(NewDaemonCommand(app))
	root.AddCommand(NewFileCommand(app))
	root.AddCommand(NewTaskCommand(app))
	root.AddCommand(NewHarmonizationCommand(app))
	root.AddCommand(NewBackupCommand(app))
	return root
}

// Execute 运行命令行并返回进程退出码：成功为 0，任何错误为 1。
func Execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	app := NewApp(out)
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if closeErr := app.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}
	return 0
}

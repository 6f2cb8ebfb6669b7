package cli

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"i-vis/internal/resource"
	"i-vis/internal/storage"
)

// NewFileCommand 创建 file 命令组。
func NewFileCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Show and repair recorded resource files",
	}
	cmd.AddCommand(newFileListCommand(app), newFileForceCommand(app))
	return cmd
}

// diffField 在登记值与本地值不同时输出 "db<DB::FS>fs"。
func diffField(db, fs string) string {
	if db != fs {
		return warnStyle.Render(db + "<DB::FS>" + fs)
	}
	return db
}

func newFileListCommand(app *App) *cobra.Command {
	var omitChecksum bool
	cmd := &cobra.Command{
		Use:   "list [plugin...]",
		Short: "Compare recorded resource files with the local copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			upg, err := app.Upgrader(ctx)
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = upg.Registry().Names(false)
			}
			var rows [][]string
			for _, name := range names {
				files, err := upg.Files(ctx, name)
				if err != nil {
					return err
				}
				for _, f := range files {
					rows = append(rows, fileRow(f, omitChecksum))
				}
			}
			renderTable(cmd.OutOrStdout(), "No files recorded.", []string{"Plugin", "Version", "File", "Size", "SHA-256", "Updated"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&omitChecksum, "omit-checksum", false, "skip hashing the local files")
	return cmd
}

func fileRow(f resource.File, omitChecksum bool) []string {
	recordedSize := strconv.FormatInt(f.Size, 10)
	size, sum := "0", "-"
	info, err := os.Stat(f.Path)
	switch {
	case err != nil:
	case omitChecksum:
		size = strconv.FormatInt(info.Size(), 10)
	default:
		if n, s, err := resource.Stat(f.Path); err == nil {
			size, sum = strconv.FormatInt(n, 10), s
		}
	}
	checksum := "-"
	if !omitChecksum {
		checksum = diffField(f.SHA256, sum)
	}
	return []string{f.Plugin, f.Version, f.Name, diffField(recordedSize, size), checksum, f.UpdatedAt.UTC().Format("2006-01-02 15:04:05")}
}

func newFileForceCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "force <plugin> <resource>",
		Short: "Accept the local file of a pending upgrade as correct",
		Long:  "Record the current size and checksum of the resource file in the pending version directory, for files that were fixed or downloaded by hand.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			upg, err := app.Upgrader(cmd.Context())
			if err != nil {
				return err
			}
			added, err := upg.ForceFile(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if added {
				fmt.Fprintln(cmd.OutOrStdout(), "File info have been added.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "File info have been updated.")
			}
			return nil
		},
	}
}

// NewBackupCommand 创建 backup 命令组。
func NewBackupCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up and restore version, job and user tables",
	}
	create := &cobra.Command{
		Use:   "create [directory]",
		Short: "Write one TSV file per table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := os.TempDir()
			if len(args) == 1 {
				dir = args[0]
			}
			db, err := app.DB(cmd.Context())
			if err != nil {
				return err
			}
			files, err := storage.Backup(cmd.Context(), db, dir)
			if err != nil {
				return err
			}
			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}

	var yes bool
	restore := &cobra.Command{
		Use:   "restore <directory>",
		Short: "Replace tables with the TSV files of a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "This will replace your database with content from files in '%s': YES/no ? ", args[0])
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if strings.TrimSpace(answer) != "YES" {
					fmt.Fprintln(cmd.OutOrStdout(), "Restore cancelled.")
					return nil
				}
			}
			db, err := app.DB(cmd.Context())
			if err != nil {
				return err
			}
			restored, err := storage.Restore(cmd.Context(), db, args[0])
			if err != nil {
				return err
			}
			tables := make([]string, 0, len(restored))
			for t := range restored {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			for _, t := range tables {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", t, restored[t])
			}
			return nil
		},
	}
	restore.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.AddCommand(create, restore)
	return cmd
}

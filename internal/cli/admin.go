package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/storage"
	"i-vis/internal/user"
)

// NewInitCommand 创建 init 命令组。
func NewInitCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize I-VIS resources",
	}
	var status bool
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Create the data directory and apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
			}
			db, err := storage.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if status {
				return printMigrationStatus(cmd, db)
			}
			applied, err := storage.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date.")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
	dbCmd.Flags().BoolVar(&status, "status", false, "list migrations and when they were applied, without applying any")
	cmd.AddCommand(dbCmd)
	return cmd
}

func printMigrationStatus(cmd *cobra.Command, db *storage.DB) error {
	all, err := storage.MigrationStatus(cmd.Context(), db)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(all))
	for _, m := range all {
		applied := warnStyle.Render("pending")
		if m.Applied() {
			applied = m.AppliedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{m.Version, m.Name, applied})
	}
	renderTable(cmd.OutOrStdout(), "No migrations.", []string{"Version", "File", "Applied"}, rows)
	return nil
}

// NewUserCommand 创建 user 命令组。
func NewUserCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}

	var (
		email    string
		password string
		roles    []string
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a user; a random password is generated unless --password is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.DB(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := user.NewService(db)
			if err != nil {
				return err
			}
			u, secret, err := svc.Create(cmd.Context(), user.NewUser{
				Username: args[0],
				Email:    email,
				Password: password,
				Roles:    roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User created, uid: %d\n", u.ID)
			if password == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Password: %s\n", secret)
			}
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "mail address of the user")
	create.Flags().StringVar(&password, "password", "", "initial password")
	create.Flags().StringSliceVar(&roles, "role", nil, "role granted to the user, repeatable")
	_ = create.MarkFlagRequired("email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.DB(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := user.NewService(db)
			if err != nil {
				return err
			}
			users, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(users))
			for _, u := range users {
				rows = append(rows, []string{fmt.Sprint(u.ID), u.Username, u.Email, joinInfo(u.Roles), yesNo(u.Disabled)})
			}
			renderTable(cmd.OutOrStdout(), "No users.", []string{"UID", "Name", "Mail", "Roles", "Disabled"}, rows)
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

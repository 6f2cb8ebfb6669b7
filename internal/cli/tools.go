package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"i-vis/internal/guess"
	"i-vis/internal/normalize"
)

// NewGuessCommand 创建 guess 命令组。
func NewGuessCommand(_ *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guess",
		Short: "Draft mappings for new resources",
	}
	var format string
	mapping := &cobra.Command{
		Use:   "mapping <file>",
		Short: "Print a column mapping draft for a TSV/CSV file",
		Long:  "Print one entry per header column with its normalized name and an unknown target field, for human review. Gzipped files are read transparently.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := guess.ParseFormat(format)
			if err != nil {
				return err
			}
			m, err := guess.MappingFile(args[0])
			if err != nil {
				return err
			}
			return guess.Write(cmd.OutOrStdout(), m, f)
		},
	}
	mapping.Flags().StringVarP(&format, "format", "f", string(guess.FormatYAML), "output format: yaml or json")
	cmd.AddCommand(mapping)
	return cmd
}

// NewNormalizeCommand 创建 normalize 命令。
func NewNormalizeCommand(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "normalize <kind> <identifier>",
		Short: "Map a raw gene, drug, cancer type or variant identifier to its canonical id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := normalize.ParseKind(args[0])
			if err != nil {
				return err
			}
			svc, err := app.Normalizer(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.Normalize(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Canonical)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result with match type and flags")
	return cmd
}

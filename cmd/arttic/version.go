package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand(root *rootCommand) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			info := map[string]string{
				"version":   version,
				"buildDate": buildDate,
				"gitCommit": gitCommit,
			}
			if done, err := printStructured(root.out, f, info); done {
				return err
			}
			fmt.Fprintf(root.out, "arttic version %s\n", version)
			fmt.Fprintf(root.out, "  Commit: %s\n", gitCommit)
			fmt.Fprintf(root.out, "  Built:  %s\n", buildDate)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

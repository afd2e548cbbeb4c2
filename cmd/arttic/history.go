package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/richinsley/arttic/history"
)

func newHistoryCommand(root *rootCommand) *cobra.Command {
	var (
		format string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			if !root.cfg.History.Enabled {
				return fmt.Errorf("history is disabled")
			}

			h, err := history.Open(root.cfg.History.Path)
			if err != nil {
				return err
			}
			defer h.Close()

			entries, err := h.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if done, err := printStructured(root.out, f, entries); done {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(root.out, "No generations recorded")
				return nil
			}

			table := newTable(root.out, "CREATED", "FILE", "MODEL", "SEED", "STEPS", "SIZE", "PROMPT")
			for _, e := range entries {
				table.Append([]string{
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Filename,
					e.Model,
					strconv.FormatInt(e.Seed, 10),
					strconv.Itoa(e.Steps),
					fmt.Sprintf("%dx%d", e.Width, e.Height),
					truncate(e.Prompt, 40),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of generations to show")
	cmd.Flags().String("data-dir", "", "Directory for the history database")
	return cmd
}

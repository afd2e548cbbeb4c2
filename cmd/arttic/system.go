package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

func newSystemCommand(root *rootCommand) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Show the ComfyUI engine's system and device stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseOutputFormat(format)
			if err != nil {
				return err
			}

			c, err := newComfyClient(root.cfg)
			if err != nil {
				return err
			}
			stats, err := c.GetSystemStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("get system stats from %s: %w", c.BaseURL(), err)
			}
			if done, err := printStructured(root.out, f, stats); done {
				return err
			}

			w := root.out
			fmt.Fprintf(w, "OS:       %s\n", stats.System.OS)
			fmt.Fprintf(w, "Python:   %s\n", stats.System.PythonVersion)
			if stats.System.ComfyUIVersion != "" {
				fmt.Fprintf(w, "ComfyUI:  %s\n", stats.System.ComfyUIVersion)
			}
			if stats.System.PytorchVersion != "" {
				fmt.Fprintf(w, "PyTorch:  %s\n", stats.System.PytorchVersion)
			}
			if q, err := c.GetQueueExecutionInfo(cmd.Context()); err == nil {
				fmt.Fprintf(w, "Queue:    %d pending\n", q.ExecInfo.QueueRemaining)
			} else {
				slog.Debug("queue info unavailable", "err", err)
			}
			fmt.Fprintln(w)

			table := newTable(w, "INDEX", "NAME", "TYPE", "VRAM FREE", "VRAM TOTAL")
			for _, d := range stats.Devices {
				table.Append([]string{
					strconv.Itoa(d.Index), d.Name, d.Type,
					humanBytes(d.VRAMFree), humanBytes(d.VRAMTotal),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.Flags().String("backend-url", "", "ComfyUI server URL")
	return cmd
}

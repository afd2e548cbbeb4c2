package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/client"
)

type modelRow struct {
	Name         string                  `json:"name" yaml:"name"`
	Architecture checkpoint.Architecture `json:"architecture" yaml:"architecture"`
	Size         int64                   `json:"size" yaml:"size"`
	Modified     string                  `json:"modified" yaml:"modified"`
}

func newModelsCommand(root *rootCommand) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:     "models [prefix]",
		Aliases: []string{"list", "ls"},
		Short:   "List checkpoints and their architecture",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			return listModels(root, f, args)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json, yaml)")
	cmd.Flags().String("models-dir", "", "Directory holding .safetensors checkpoints")
	return cmd
}

func listModels(root *rootCommand, format outputFormat, args []string) error {
	store := checkpoint.NewStore(root.cfg.Paths.Models)
	names, err := store.List()
	if err != nil {
		return err
	}

	rows := make([]modelRow, 0, len(names))
	for _, name := range names {
		if len(args) > 0 && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(args[0])) {
			continue
		}
		row := modelRow{Name: name, Architecture: checkpoint.SD15}
		info, err := store.Inspect(name)
		if err != nil {
			slog.Warn("Could not inspect checkpoint", "model", name, "error", err)
		} else {
			row.Architecture = info.Architecture
			row.Size = info.Size
			row.Modified = info.ModifiedAt.Format("2006-01-02 15:04")
		}
		rows = append(rows, row)
	}

	if done, err := printStructured(root.out, format, rows); done {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintf(root.out, "No checkpoints in %s\n", store.Dir())
		return nil
	}
	table := newTable(root.out, "NAME", "ARCHITECTURE", "SIZE", "MODIFIED")
	for _, r := range rows {
		table.Append([]string{r.Name, r.Architecture.String(), humanBytes(r.Size), r.Modified})
	}
	table.Render()
	return nil
}

func newInspectCommand(root *rootCommand) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Show the architecture of a checkpoint or the metadata of a PNG",
		Long: `Inspect a .safetensors checkpoint and report the detected architecture,
or read the text chunks embedded in a generated PNG.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseOutputFormat(format)
			if err != nil {
				return err
			}
			if strings.EqualFold(filepath.Ext(args[0]), ".png") {
				return inspectPNG(root, f, args[0])
			}
			return inspectCheckpoint(root, f, args[0])
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func inspectCheckpoint(root *rootCommand, format outputFormat, path string) error {
	info, err := checkpoint.InspectFile(path)
	if err != nil {
		return err
	}
	if done, err := printStructured(root.out, format, info); done {
		return err
	}

	w := root.out
	fmt.Fprintf(w, "Name:          %s\n", info.Name)
	fmt.Fprintf(w, "Architecture:  %s\n", info.Architecture)
	fmt.Fprintf(w, "Size:          %s\n", humanBytes(info.Size))
	fmt.Fprintf(w, "Tensors:       %d\n", info.Tensors)
	fmt.Fprintf(w, "Resolution:    %dx%d\n", info.Architecture.DefaultResolution(), info.Architecture.DefaultResolution())
	if len(info.Metadata) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, "METADATA", "VALUE")
		for _, k := range sortedKeys(info.Metadata) {
			table.Append([]string{k, truncate(info.Metadata[k], 80)})
		}
		table.Render()
	}
	return nil
}

func inspectPNG(root *rootCommand, format outputFormat, path string) error {
	meta, err := client.GetPngMetadataFile(path)
	if err != nil {
		return err
	}
	if done, err := printStructured(root.out, format, meta); done {
		return err
	}
	if len(meta) == 0 {
		fmt.Fprintln(root.out, "No text chunks")
		return nil
	}
	table := newTable(root.out, "KEY", "VALUE")
	for _, k := range sortedKeys(meta) {
		table.Append([]string{k, truncate(meta[k], 100)})
	}
	table.Render()
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

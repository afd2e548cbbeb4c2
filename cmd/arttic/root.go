package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/richinsley/arttic/config"
	"github.com/richinsley/arttic/logger"
)

type rootCommand struct {
	cmd     *cobra.Command
	cfgPath string
	cfg     *config.Config
	out     io.Writer
	logFile *os.File
}

func newRootCommand() *rootCommand {
	root := &rootCommand{out: os.Stdout}

	cmd := &cobra.Command{
		Use:   "arttic",
		Short: "ArtTic-LAB - Stable Diffusion studio backed by ComfyUI",
		Long: `ArtTic-LAB serves a web studio for Stable Diffusion family checkpoints
(SD 1.5, SD 2.x, SDXL, SD3 and FLUX.1). Checkpoints are classified from their
tensor layout and rendered by a ComfyUI server.`,
		SilenceUsage:       true,
		PersistentPreRunE:  root.persistentPreRunE,
		PersistentPostRunE: root.persistentPostRunE,
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVar(&root.cfgPath, "config", "", "Config file path (default: ./arttic.toml or ~/.arttic/arttic.toml)")
	pflags.String("log-level", "", "Log level (debug, info, warn, error)")
	pflags.String("log-format", "", "Log format (text, json)")
	pflags.String("log-file", "", "Append logs to this file instead of stderr")

	root.cmd = cmd
	root.addSubCommands()
	return root
}

func (r *rootCommand) addSubCommands() {
	r.cmd.AddCommand(
		newServeCommand(r),
		newModelsCommand(r),
		newInspectCommand(r),
		newGenerateCommand(r),
		newSystemCommand(r),
		newHistoryCommand(r),
		newConfigCommand(r),
		newVersionCommand(r),
	)
}

func (r *rootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(r.cfgPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	r.cfg = cfg

	lc := logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if cfg.Logging.File != "" {
		f, err := logger.OpenFile(cfg.Logging.File)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		r.logFile = f
		lc.Output = f
	}
	logger.Init(lc)
	return nil
}

func (r *rootCommand) persistentPostRunE(*cobra.Command, []string) error {
	if r.logFile != nil {
		return r.logFile.Close()
	}
	return nil
}

// SetOutput redirects command output, for tests.
func (r *rootCommand) SetOutput(w io.Writer) {
	r.out = w
	r.cmd.SetOut(w)
	r.cmd.SetErr(w)
}

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/pipeline"
)

type generateOptions struct {
	load       pipeline.LoadRequest
	req        pipeline.GenerateRequest
	seed       int64
	noProgress bool
}

func newGenerateCommand(root *rootCommand) *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate --model <name> <prompt>",
		Short: "Load a model and render one image",
		Long: `Load a checkpoint on the ComfyUI engine, render a single image and save it
to the outputs directory. Zero values take the architecture's defaults.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if r := opts.req.AspectRatio; r != "" && !slices.Contains(checkpoint.AspectRatioNames, r) {
				return fmt.Errorf("unknown aspect ratio %q (valid: %s)", r, strings.Join(checkpoint.AspectRatioNames, ", "))
			}
			opts.req.Prompt = strings.Join(args, " ")
			if cmd.Flags().Changed("seed") {
				opts.req.Seed = &opts.seed
			}
			return runGenerate(cmd, root, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.load.ModelName, "model", "m", "", "Checkpoint name (see 'arttic models')")
	flags.StringVar(&opts.load.Scheduler, "scheduler", pipeline.DefaultScheduler, "Scheduler: "+strings.Join(pipeline.SchedulerNames(), ", "))
	flags.BoolVar(&opts.load.VAETiling, "vae-tiling", false, "Decode the image in tiles")
	flags.BoolVar(&opts.load.CPUOffload, "cpu-offload", false, "Offload model weights to the CPU")
	flags.StringVarP(&opts.req.NegativePrompt, "negative", "n", "", "Negative prompt")
	flags.IntVar(&opts.req.Steps, "steps", 0, "Sampling steps")
	flags.Float64Var(&opts.req.Guidance, "guidance", 0, "Guidance scale")
	flags.Int64Var(&opts.seed, "seed", 0, "Seed (random when unset)")
	flags.IntVar(&opts.req.Width, "width", 0, "Image width")
	flags.IntVar(&opts.req.Height, "height", 0, "Image height")
	flags.StringVar(&opts.req.AspectRatio, "ratio", "", "Aspect ratio preset for unset width and height: "+strings.Join(checkpoint.AspectRatioNames, ", "))
	flags.BoolVar(&opts.noProgress, "no-progress", false, "Do not draw progress bars")
	flags.String("models-dir", "", "Directory holding .safetensors checkpoints")
	flags.String("outputs-dir", "", "Directory for generated images")
	flags.String("backend-url", "", "ComfyUI server URL")
	flags.Bool("allow-cpu", false, "Allow engines without a GPU")
	flags.Bool("history", true, "Record the generation in the history database")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

// progressBar renders a ProgressFunc as a 0-100 bar on w.
func progressBar(w io.Writer, description string) (*progressbar.ProgressBar, pipeline.ProgressFunc) {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
	return bar, func(fraction float64, description string) {
		bar.Describe(description)
		_ = bar.Set(int(fraction * 100))
	}
}

func runGenerate(cmd *cobra.Command, root *rootCommand, opts *generateOptions) error {
	ctx := cmd.Context()
	a, err := newApp(root.cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var progress pipeline.ProgressFunc
	var bar *progressbar.ProgressBar
	if !opts.noProgress {
		bar, progress = progressBar(os.Stderr, "Loading")
	}
	loaded, err := a.manager.Load(ctx, opts.load, progress)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(root.out, loaded.StatusMessage)

	if !opts.noProgress {
		bar, progress = progressBar(os.Stderr, "Sampling")
	}
	res, err := a.manager.Generate(ctx, opts.req, progress)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(root.out, res.Info)
	fmt.Fprintln(root.out, filepath.Join(a.manager.Gallery().Dir(), res.ImageFilename))
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/client"
	"github.com/richinsley/arttic/graphapi"
)

// Engine is the part of the ComfyUI client the backend drives.
type Engine interface {
	CheckConnection(ctx context.Context) error
	GetSystemStats(ctx context.Context) (*client.SystemStats, error)
	GetObjectInfo(ctx context.Context, class string) (*graphapi.NodeObject, error)
	QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*client.QueueItem, error)
	GetImage(ctx context.Context, image client.DataOutput) ([]byte, error)
	Interrupt(ctx context.Context) error
	Free(ctx context.Context, unloadModels, freeMemory bool) error
}

type ComfyOptions struct {
	// AllowCPU accepts engines that report no GPU device.
	AllowCPU bool
	// FilenamePrefix names the copies ComfyUI keeps in its own output folder.
	FilenamePrefix string
	// TileSize is the VAEDecodeTiled tile size when VAE tiling is on.
	TileSize int
}

// ComfyBackend runs generations as prompt graphs on a ComfyUI server.
type ComfyBackend struct {
	engine Engine
	opts   ComfyOptions
}

func NewComfyBackend(engine Engine, opts ComfyOptions) *ComfyBackend {
	if opts.FilenamePrefix == "" {
		opts.FilenamePrefix = "arttic"
	}
	return &ComfyBackend{engine: engine, opts: opts}
}

func (b *ComfyBackend) Check(ctx context.Context) error {
	if err := b.engine.CheckConnection(ctx); err != nil {
		return fmt.Errorf("connect to engine: %w", err)
	}
	stats, err := b.engine.GetSystemStats(ctx)
	if err != nil {
		return fmt.Errorf("query engine: %w", err)
	}
	for _, d := range stats.Devices {
		if d.Type != "cpu" {
			return nil
		}
	}
	if b.opts.AllowCPU {
		slog.Warn("Engine reports no GPU, running on CPU")
		return nil
	}
	return ErrNoGPU
}

// Load checks that the engine can see the checkpoint. ComfyUI loads weights
// lazily on the first prompt that needs them, so nothing is transferred here.
func (b *ComfyBackend) Load(ctx context.Context, spec LoadSpec, progress ProgressFunc) (Handle, error) {
	progress.report(0.2, "Locating checkpoint in engine...")
	loader, err := b.engine.GetObjectInfo(ctx, "CheckpointLoaderSimple")
	if err != nil {
		return nil, fmt.Errorf("query checkpoint loader: %w", err)
	}

	ckpt, ok := matchCheckpoint(loader.ComboOptions("ckpt_name"), spec.Name+checkpoint.Extension)
	if !ok {
		return nil, fmt.Errorf("%w: engine does not list %s", checkpoint.ErrModelNotFound, spec.Name+checkpoint.Extension)
	}

	progress.report(0.6, fmt.Sprintf("Configuring %s scheduler...", spec.Scheduler.Name))
	if spec.CPUOffload {
		slog.Info("CPU offload is managed by the engine's own memory settings", "model", spec.Name)
	}

	return &comfyHandle{backend: b, spec: spec, ckpt: ckpt}, nil
}

// matchCheckpoint finds file among the engine's checkpoint names, which may
// carry a subfolder.
func matchCheckpoint(options []string, file string) (string, bool) {
	for _, o := range options {
		if o == file || path.Base(strings.ReplaceAll(o, `\`, "/")) == file {
			return o, true
		}
	}
	return "", false
}

func (b *ComfyBackend) Free(ctx context.Context) error {
	return b.engine.Free(ctx, true, true)
}

type comfyHandle struct {
	backend *ComfyBackend
	spec    LoadSpec
	ckpt    string
}

func (h *comfyHandle) Close() error { return nil }

func (h *comfyHandle) params(g GenerateSpec) graphapi.TextToImageParams {
	p := graphapi.TextToImageParams{
		Checkpoint:     h.ckpt,
		Prompt:         g.Prompt,
		NegativePrompt: g.NegativePrompt,
		Seed:           g.Seed,
		Steps:          g.Steps,
		CFG:            g.Guidance,
		Sampler:        h.spec.Scheduler.Sampler,
		Scheduler:      h.spec.Scheduler.Schedule,
		Width:          g.Width,
		Height:         g.Height,
		VAETiling:      h.spec.VAETiling,
		TileSize:       h.backend.opts.TileSize,
		FilenamePrefix: h.backend.opts.FilenamePrefix,
	}
	switch {
	case h.spec.Architecture.IsFlux():
		p.Latent = graphapi.LatentSD3
		p.FluxGuidance = g.Guidance
	case h.spec.Architecture == checkpoint.SD3:
		p.Latent = graphapi.LatentSD3
	}
	return p
}

func (h *comfyHandle) Generate(ctx context.Context, g GenerateSpec, progress ProgressFunc) ([]byte, error) {
	builder, saveID, err := graphapi.TextToImage(h.params(g))
	if err != nil {
		return nil, err
	}
	prompt := builder.Prompt("")
	samplerID, _ := prompt.FindNode("KSampler")

	engine := h.backend.engine
	item, err := engine.QueuePrompt(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("queue prompt: %w", err)
	}

	var images []client.DataOutput
	handlers := &client.Handlers{
		Progress: func(m *client.PromptMessageProgress) {
			// only the sampler reports per-step progress
			if m.NodeID == "" || m.NodeID == samplerID {
				progress.Step(m.Value, m.Max)
			}
		},
		Data: func(m *client.PromptMessageData) {
			if m.NodeID == saveID {
				images = append(images, m.Data["images"]...)
			}
		},
	}

	if err := item.ProcessMessages(ctx, handlers); err != nil {
		if ctx.Err() != nil {
			h.interrupt()
		}
		return nil, err
	}
	if len(images) == 0 {
		return nil, errors.New("engine finished without producing an image")
	}
	return engine.GetImage(ctx, images[0])
}

func (h *comfyHandle) interrupt() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.backend.engine.Interrupt(ctx); err != nil {
		slog.Warn("Interrupting engine failed", "error", err)
	}
}

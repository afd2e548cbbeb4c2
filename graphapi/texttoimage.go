package graphapi

import "errors"

// Latent families for the empty latent image node.
const (
	LatentSD  = "EmptyLatentImage"
	LatentSD3 = "EmptySD3LatentImage"
)

// TextToImageParams describes a single txt2img run.
type TextToImageParams struct {
	Checkpoint     string
	Prompt         string
	NegativePrompt string
	Seed           int64
	Steps          int
	CFG            float64
	Sampler        string
	Scheduler      string
	Width          int
	Height         int
	BatchSize      int
	// Latent selects LatentSD or LatentSD3.
	Latent string
	// FluxGuidance, when > 0, adds a FluxGuidance node on the positive
	// conditioning and the sampler runs at CFG 1.
	FluxGuidance float64
	// VAETiling decodes with VAEDecodeTiled.
	VAETiling      bool
	TileSize       int
	FilenamePrefix string
}

var ErrNoCheckpoint = errors.New("checkpoint name is required")

// TextToImage builds the standard checkpoint → sampler → decode → save graph.
// It returns the builder and the id of the SaveImage node whose "executed"
// message carries the output images.
func TextToImage(p TextToImageParams) (*Builder, string, error) {
	if p.Checkpoint == "" {
		return nil, "", ErrNoCheckpoint
	}
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.Latent == "" {
		p.Latent = LatentSD
	}
	if p.Sampler == "" {
		p.Sampler = "euler"
	}
	if p.Scheduler == "" {
		p.Scheduler = "normal"
	}
	if p.FilenamePrefix == "" {
		p.FilenamePrefix = "arttic"
	}

	b := NewBuilder()
	ckpt := b.Add("CheckpointLoaderSimple", map[string]interface{}{
		"ckpt_name": p.Checkpoint,
	})
	model, clip, vae := Link{ckpt, 0}, Link{ckpt, 1}, Link{ckpt, 2}

	positive := Link{b.Add("CLIPTextEncode", map[string]interface{}{
		"text": p.Prompt,
		"clip": clip,
	}), 0}
	negative := Link{b.Add("CLIPTextEncode", map[string]interface{}{
		"text": p.NegativePrompt,
		"clip": clip,
	}), 0}

	cfg := p.CFG
	if p.FluxGuidance > 0 {
		positive = Link{b.Add("FluxGuidance", map[string]interface{}{
			"conditioning": positive,
			"guidance":     p.FluxGuidance,
		}), 0}
		cfg = 1.0
	}

	latent := Link{b.Add(p.Latent, map[string]interface{}{
		"width":      p.Width,
		"height":     p.Height,
		"batch_size": p.BatchSize,
	}), 0}

	sampled := Link{b.Add("KSampler", map[string]interface{}{
		"model":        model,
		"positive":     positive,
		"negative":     negative,
		"latent_image": latent,
		"seed":         p.Seed,
		"steps":        p.Steps,
		"cfg":          cfg,
		"sampler_name": p.Sampler,
		"scheduler":    p.Scheduler,
		"denoise":      1.0,
	}), 0}

	var decoded Link
	if p.VAETiling {
		tile := p.TileSize
		if tile <= 0 {
			tile = 512
		}
		decoded = Link{b.Add("VAEDecodeTiled", map[string]interface{}{
			"samples":   sampled,
			"vae":       vae,
			"tile_size": tile,
		}), 0}
	} else {
		decoded = Link{b.Add("VAEDecode", map[string]interface{}{
			"samples": sampled,
			"vae":     vae,
		}), 0}
	}

	save := b.Add("SaveImage", map[string]interface{}{
		"images":          decoded,
		"filename_prefix": p.FilenamePrefix,
	})

	return b, save, nil
}

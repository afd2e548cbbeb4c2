// Package checkpoint inspects Stable Diffusion family checkpoints on disk and
// classifies them by the tensor names found in their safetensors header.
package checkpoint

import (
	"log/slog"
	"strings"
)

type Architecture string

const (
	SD15        Architecture = "SD 1.5"
	SD2         Architecture = "SD 2.x"
	SDXL        Architecture = "SDXL"
	SD3         Architecture = "SD3"
	FluxDev     Architecture = "FLUX.1 DEV"
	FluxSchnell Architecture = "FLUX.1 Schnell"
)

// Architectures lists every known variant in detection order.
var Architectures = []Architecture{FluxDev, FluxSchnell, SD3, SDXL, SD2, SD15}

const (
	fluxKey       = "transformer.pos_embed.proj.weight"
	fluxDevPrefix = "transformer.levels.23."
	sd3Prefix     = "text_encoders.2.transformer."
	sdxlPrefix    = "conditioner.embedders.1"
	sd2AttnKey    = "model.diffusion_model.input_blocks.8.1.transformer_blocks.0.attn2.to_k.weight"
)

// Detect classifies a checkpoint from its tensor names. FLUX is checked first
// since its layout is the most distinct, anything unrecognised is SD 1.5.
func Detect(keys []string) Architecture {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}

	if _, ok := set[fluxKey]; ok {
		if hasPrefix(keys, fluxDevPrefix) {
			return FluxDev
		}
		return FluxSchnell
	}

	switch {
	case hasPrefix(keys, sd3Prefix):
		return SD3
	case hasPrefix(keys, sdxlPrefix):
		return SDXL
	}

	if _, ok := set[sd2AttnKey]; ok {
		return SD2
	}

	return SD15
}

func hasPrefix(keys []string, prefix string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// DetectFile reads the header at path and classifies it. When the header
// cannot be read the error is returned alongside the SD 1.5 fallback so the
// caller may decide whether to continue.
func DetectFile(path string) (Architecture, error) {
	h, err := ReadHeaderFile(path)
	if err != nil {
		slog.Error("could not inspect checkpoint, assuming SD 1.5", "path", path, "error", err)
		return SD15, err
	}
	return Detect(h.Keys()), nil
}

func (a Architecture) String() string { return string(a) }

func (a Architecture) IsFlux() bool {
	return a == FluxDev || a == FluxSchnell
}

// DefaultResolution is the native square edge length of the family.
func (a Architecture) DefaultResolution() int {
	switch a {
	case SD2:
		return 768
	case SDXL, SD3, FluxDev, FluxSchnell:
		return 1024
	default:
		return 512
	}
}

// SupportsNegativePrompt is false for FLUX Schnell, which was distilled
// without classifier-free guidance.
func (a Architecture) SupportsNegativePrompt() bool {
	return a != FluxSchnell
}

// SupportsScheduler reports whether a user-selected sampler is applied.
// SD3 keeps its native flow-matching scheduler.
func (a Architecture) SupportsScheduler() bool {
	return a != SD3
}

func (a Architecture) DefaultSteps() int {
	switch a {
	case FluxSchnell:
		return 4
	case FluxDev, SD3:
		return 28
	default:
		return 30
	}
}

func (a Architecture) DefaultGuidance() float64 {
	switch a {
	case FluxSchnell:
		return 1.0
	case FluxDev:
		return 3.5
	case SD3:
		return 4.5
	default:
		return 7.5
	}
}

// Aspect ratio keys understood by Dimensions.
const (
	Ratio1x1  = "1:1"
	Ratio4x3  = "4:3"
	Ratio3x2  = "3:2"
	Ratio16x9 = "16:9"
)

// AspectRatioNames lists the presets in display order.
var AspectRatioNames = []string{Ratio1x1, Ratio4x3, Ratio3x2, Ratio16x9}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var (
	ratiosSD15 = map[string]Size{
		Ratio1x1:  {512, 512},
		Ratio4x3:  {576, 448},
		Ratio3x2:  {608, 416},
		Ratio16x9: {672, 384},
	}
	ratiosSD2 = map[string]Size{
		Ratio1x1:  {768, 768},
		Ratio4x3:  {864, 640},
		Ratio3x2:  {960, 640},
		Ratio16x9: {1024, 576},
	}
	ratiosXL = map[string]Size{
		Ratio1x1:  {1024, 1024},
		Ratio4x3:  {1152, 896},
		Ratio3x2:  {1216, 832},
		Ratio16x9: {1344, 768},
	}
)

// AspectRatios returns the preset sizes for the family. The map is shared,
// callers must not modify it.
func (a Architecture) AspectRatios() map[string]Size {
	switch a {
	case SD2:
		return ratiosSD2
	case SDXL, SD3, FluxDev, FluxSchnell:
		return ratiosXL
	default:
		return ratiosSD15
	}
}

// Dimensions returns the preset for ratio, or the default square.
func (a Architecture) Dimensions(ratio string) Size {
	if s, ok := a.AspectRatios()[ratio]; ok {
		return s
	}
	r := a.DefaultResolution()
	return Size{r, r}
}

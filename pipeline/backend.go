package pipeline

import (
	"context"
	"errors"

	"github.com/richinsley/arttic/checkpoint"
)

// ErrNoGPU is returned by Backend.Check when the engine has no accelerator.
var ErrNoGPU = errors.New("no GPU available to the inference engine")

// LoadSpec is everything a backend needs to prepare a checkpoint.
type LoadSpec struct {
	Name         string
	Path         string
	Architecture checkpoint.Architecture
	Scheduler    Scheduler
	VAETiling    bool
	CPUOffload   bool
}

// GenerateSpec is a fully resolved generation request.
type GenerateSpec struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	Guidance       float64
	Seed           int64
	Width          int
	Height         int
}

// Backend is the inference engine doing the actual work.
type Backend interface {
	// Check fails with ErrNoGPU when the engine cannot run models.
	Check(ctx context.Context) error
	Load(ctx context.Context, spec LoadSpec, progress ProgressFunc) (Handle, error)
	// Free releases engine memory held for unloaded models.
	Free(ctx context.Context) error
}

// Handle is a loaded model.
type Handle interface {
	// Generate returns the encoded PNG.
	Generate(ctx context.Context, spec GenerateSpec, progress ProgressFunc) ([]byte, error)
	Close() error
}

// Package pipeline owns the single active model: loading, unloading and
// generating images with it through a Backend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/gallery"
	"github.com/richinsley/arttic/history"
)

type State string

const (
	StateUnloaded   State = "unloaded"
	StateLoading    State = "loading"
	StateReady      State = "ready"
	StateGenerating State = "generating"
)

const (
	NoModelMessage = "No model loaded."
	maxSeed        = 1<<32 - 1
)

var (
	ErrNoModelSelected  = errors.New("Please select a model from the dropdown.")
	ErrNoModelLoaded    = errors.New("Cannot generate, no model is loaded.")
	ErrBusy             = errors.New("another operation is in progress")
	ErrUnknownScheduler = errors.New("unknown scheduler")
	ErrInvalidRequest   = errors.New("invalid request")
)

// LoadError reports a failed load. It unwraps to the cause.
type LoadError struct {
	Model string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("Failed to load model '%s'. Check logs for details.", e.Model)
}

func (e *LoadError) Unwrap() error { return e.Err }

type LoadRequest struct {
	ModelName  string `json:"model_name"`
	Scheduler  string `json:"scheduler_name"`
	VAETiling  bool   `json:"vae_tiling"`
	CPUOffload bool   `json:"cpu_offload"`
}

type LoadResult struct {
	StatusMessage string                     `json:"status_message"`
	ModelType     checkpoint.Architecture    `json:"model_type"`
	Width         int                        `json:"width"`
	Height        int                        `json:"height"`
	AspectRatios  map[string]checkpoint.Size `json:"aspect_ratios"`
}

// GenerateRequest parameters left at zero take the architecture defaults.
// A zero Width or Height comes from AspectRatio when one is named. A nil
// Seed picks a random one.
type GenerateRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	Guidance       float64 `json:"guidance"`
	Seed           *int64  `json:"seed"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	AspectRatio    string  `json:"aspect_ratio"`
}

type GenerateResult struct {
	ImageFilename string        `json:"image_filename"`
	Info          string        `json:"info"`
	Seed          int64         `json:"seed"`
	Duration      time.Duration `json:"-"`
}

type Status struct {
	State         State                   `json:"state"`
	Model         string                  `json:"model,omitempty"`
	Architecture  checkpoint.Architecture `json:"architecture,omitempty"`
	Scheduler     string                  `json:"scheduler,omitempty"`
	VAETiling     bool                    `json:"vae_tiling"`
	CPUOffload    bool                    `json:"cpu_offload"`
	StatusMessage string                  `json:"status_message"`
}

// Recorder stores finished generations.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (string, error)
}

// Manager serializes load, unload and generate against one backend. At most
// one model is loaded and at most one operation runs at a time; a second
// caller gets ErrBusy rather than waiting.
type Manager struct {
	store    *checkpoint.Store
	backend  Backend
	gallery  *gallery.Gallery
	recorder Recorder
	tracker  *Tracker
	now      func() time.Time
	seed     func() int64

	mu        sync.Mutex
	state     State
	busy      string
	handle    Handle
	model     string
	arch      checkpoint.Architecture
	scheduler Scheduler
	vaeTiling bool
	offload   bool
	message   string
}

type Option func(*Manager)

// WithRecorder stores every generation in r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSeedSource replaces the random seed generator.
func WithSeedSource(seed func() int64) Option {
	return func(m *Manager) { m.seed = seed }
}

func NewManager(store *checkpoint.Store, backend Backend, g *gallery.Gallery, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		backend: backend,
		gallery: g,
		tracker: NewTracker(),
		now:     time.Now,
		state:   StateUnloaded,
		message: NoModelMessage,
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rngMu sync.Mutex
	m.seed = func() int64 {
		rngMu.Lock()
		defer rngMu.Unlock()
		return rng.Int63n(maxSeed + 1)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() *checkpoint.Store  { return m.store }
func (m *Manager) Gallery() *gallery.Gallery { return m.gallery }

// Progress returns the latest progress of the running or last accepted
// operation.
func (m *Manager) Progress() Snapshot { return m.tracker.Snapshot() }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:         m.state,
		Model:         m.model,
		Architecture:  m.arch,
		VAETiling:     m.vaeTiling,
		CPUOffload:    m.offload,
		StatusMessage: m.message,
	}
	if m.handle != nil {
		s.Scheduler = m.scheduler.Name
	}
	return s
}

// begin claims the manager for op. Callers must call end.
func (m *Manager) begin(op string) error {
	if m.busy != "" {
		return fmt.Errorf("%w: %s", ErrBusy, m.busy)
	}
	m.busy = op
	return nil
}

// resetLocked forgets the loaded model.
func (m *Manager) resetLocked() {
	m.state = StateUnloaded
	m.handle = nil
	m.model = ""
	m.arch = ""
	m.scheduler = Scheduler{}
	m.vaeTiling = false
	m.offload = false
	m.message = NoModelMessage
}

// Load makes req.ModelName the active model, unloading any previous one.
func (m *Manager) Load(ctx context.Context, req LoadRequest, progress ProgressFunc) (*LoadResult, error) {
	if req.ModelName == "" {
		return nil, ErrNoModelSelected
	}
	sched, ok := LookupScheduler(req.Scheduler)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheduler, req.Scheduler)
	}

	m.mu.Lock()
	if err := m.begin("load"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	prev, prevName := m.handle, m.model
	m.resetLocked()
	m.state = StateLoading
	m.message = fmt.Sprintf("Loading %s...", req.ModelName)
	track, done := m.tracker.Start("load")
	m.mu.Unlock()
	defer done()
	progress = Tee(track, progress)

	if prev != nil {
		m.release(ctx, prev, prevName)
	}

	slog.Info("Loading model", "model", req.ModelName, "scheduler", sched.Name,
		"vae_tiling", req.VAETiling, "cpu_offload", req.CPUOffload)
	h, arch, err := m.load(ctx, req, sched, progress)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = ""
	if err != nil {
		slog.Error("Failed to load model", "model", req.ModelName, "error", err)
		m.resetLocked()
		return nil, &LoadError{Model: req.ModelName, Err: err}
	}

	m.state = StateReady
	m.handle = h
	m.model = req.ModelName
	m.arch = arch
	m.scheduler = sched
	m.vaeTiling = req.VAETiling
	m.offload = req.CPUOffload
	m.message = fmt.Sprintf("Ready: %s (%s)", req.ModelName, arch)
	if req.CPUOffload {
		m.message += " (CPU Offload)"
	}
	slog.Info("Model ready", "model", req.ModelName, "architecture", arch)

	size := arch.DefaultResolution()
	return &LoadResult{
		StatusMessage: m.message,
		ModelType:     arch,
		Width:         size,
		Height:        size,
		AspectRatios:  maps.Clone(arch.AspectRatios()),
	}, nil
}

func (m *Manager) load(ctx context.Context, req LoadRequest, sched Scheduler, progress ProgressFunc) (Handle, checkpoint.Architecture, error) {
	progress.report(0, fmt.Sprintf("Getting pipeline for %s...", req.ModelName))

	path, err := m.store.Path(req.ModelName)
	if err != nil {
		return nil, "", err
	}
	// unreadable headers fall back to SD 1.5 and are logged by DetectFile
	arch, _ := checkpoint.DetectFile(path)
	if !arch.SupportsScheduler() {
		sched = sd3Scheduler
	}

	if err := m.backend.Check(ctx); err != nil {
		return nil, "", err
	}

	h, err := m.backend.Load(ctx, LoadSpec{
		Name:         req.ModelName,
		Path:         path,
		Architecture: arch,
		Scheduler:    sched,
		VAETiling:    req.VAETiling,
		CPUOffload:   req.CPUOffload,
	}, progress)
	if err != nil {
		return nil, "", err
	}

	progress.report(1, "Model Ready!")
	return h, arch, nil
}

// release closes h and asks the backend to free its memory. Failures are
// logged only; the model is gone from the manager either way.
func (m *Manager) release(ctx context.Context, h Handle, name string) {
	slog.Info("Unloading model", "model", name)
	if err := h.Close(); err != nil {
		slog.Warn("Closing model failed", "model", name, "error", err)
	}
	if err := m.backend.Free(ctx); err != nil {
		slog.Warn("Freeing engine memory failed", "model", name, "error", err)
	}
}

// Unload drops the active model. With nothing loaded it only returns
// NoModelMessage.
func (m *Manager) Unload(ctx context.Context) (string, error) {
	m.mu.Lock()
	if err := m.begin("unload"); err != nil {
		m.mu.Unlock()
		return "", err
	}
	h, name := m.handle, m.model
	m.resetLocked()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.busy = ""
		m.mu.Unlock()
	}()

	if h == nil {
		slog.Info("Unload requested but no model is loaded")
		return NoModelMessage, nil
	}
	m.release(ctx, h, name)
	slog.Info("Model unloaded", "model", name)
	return NoModelMessage, nil
}

// Generate runs one txt2img generation on the active model and saves the
// result into the gallery.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest, progress ProgressFunc) (*GenerateResult, error) {
	m.mu.Lock()
	if m.busy != "" {
		op := m.busy
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, op)
	}
	if m.handle == nil {
		m.mu.Unlock()
		return nil, ErrNoModelLoaded
	}
	spec, err := m.resolve(req)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.busy = "generate"
	m.state = StateGenerating
	h, model, arch, sched := m.handle, m.model, m.arch, m.scheduler
	track, done := m.tracker.Start("generate")
	m.mu.Unlock()
	defer done()
	progress = Tee(track, progress)

	defer func() {
		m.mu.Lock()
		m.busy = ""
		if m.handle == h {
			m.state = StateReady
		}
		m.mu.Unlock()
	}()

	slog.Info("Starting image generation", "model", model, "seed", spec.Seed,
		"steps", spec.Steps, "width", spec.Width, "height", spec.Height)
	start := m.now()
	data, err := h.Generate(ctx, spec, progress)
	if err != nil {
		slog.Error("Generation failed", "model", model, "error", err)
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	elapsed := m.now().Sub(start)
	slog.Info("Generation completed", "model", model, "seconds", fmt.Sprintf("%.2f", elapsed.Seconds()))

	filename, err := m.gallery.Save(data, model, spec.Seed, m.now())
	if err != nil {
		return nil, fmt.Errorf("save image: %w", err)
	}

	if m.recorder != nil {
		_, err := m.recorder.Record(ctx, history.Entry{
			Filename:       filename,
			Model:          model,
			Architecture:   arch.String(),
			Scheduler:      sched.Name,
			Prompt:         spec.Prompt,
			NegativePrompt: spec.NegativePrompt,
			Steps:          spec.Steps,
			Guidance:       spec.Guidance,
			Seed:           spec.Seed,
			Width:          spec.Width,
			Height:         spec.Height,
			Duration:       elapsed.Milliseconds(),
		})
		if err != nil {
			slog.Warn("Recording generation failed", "filename", filename, "error", err)
		}
	}

	return &GenerateResult{
		ImageFilename: filename,
		Info:          fmt.Sprintf("Generated in %.2fs on '%s' with seed %d.", elapsed.Seconds(), model, spec.Seed),
		Seed:          spec.Seed,
		Duration:      elapsed,
	}, nil
}

// resolve fills defaults for the loaded architecture. Caller holds m.mu.
func (m *Manager) resolve(req GenerateRequest) (GenerateSpec, error) {
	spec := GenerateSpec{
		Prompt:   req.Prompt,
		Steps:    req.Steps,
		Guidance: req.Guidance,
		Width:    req.Width,
		Height:   req.Height,
	}

	switch {
	case req.Steps < 0:
		return spec, fmt.Errorf("%w: steps must be positive", ErrInvalidRequest)
	case req.Guidance < 0:
		return spec, fmt.Errorf("%w: guidance must not be negative", ErrInvalidRequest)
	case req.Width < 0 || req.Height < 0:
		return spec, fmt.Errorf("%w: width and height must be positive", ErrInvalidRequest)
	case req.Seed != nil && (*req.Seed < 0 || *req.Seed > maxSeed):
		return spec, fmt.Errorf("%w: seed must be between 0 and %d", ErrInvalidRequest, int64(maxSeed))
	}
	if req.AspectRatio != "" {
		if _, ok := m.arch.AspectRatios()[req.AspectRatio]; !ok {
			return spec, fmt.Errorf("%w: unknown aspect ratio %q", ErrInvalidRequest, req.AspectRatio)
		}
	}

	if spec.Steps == 0 {
		spec.Steps = m.arch.DefaultSteps()
	}
	if spec.Guidance == 0 {
		spec.Guidance = m.arch.DefaultGuidance()
	}
	size := m.arch.Dimensions(req.AspectRatio)
	if spec.Width == 0 {
		spec.Width = size.Width
	}
	if spec.Height == 0 {
		spec.Height = size.Height
	}

	if strings.TrimSpace(req.NegativePrompt) != "" && m.arch.SupportsNegativePrompt() {
		spec.NegativePrompt = req.NegativePrompt
	}

	if req.Seed != nil {
		spec.Seed = *req.Seed
	} else {
		spec.Seed = m.seed()
	}
	return spec, nil
}

package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/gallery"
	"github.com/richinsley/arttic/history"
)

var archKeys = map[checkpoint.Architecture][]string{
	checkpoint.SD15:        {"model.diffusion_model.input_blocks.0.0.weight"},
	checkpoint.SDXL:        {"conditioner.embedders.1.model.ln_final.weight"},
	checkpoint.SD3:         {"text_encoders.2.transformer.encoder.final_layer_norm.weight"},
	checkpoint.FluxSchnell: {"transformer.pos_embed.proj.weight"},
}

func writeCheckpoint(t *testing.T, dir, name string, arch checkpoint.Architecture) {
	t.Helper()
	header := map[string]interface{}{}
	for _, k := range archKeys[arch] {
		header[k] = map[string]interface{}{"dtype": "F16", "shape": []int{1}, "data_offsets": []int{0, 2}}
	}
	data, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int64(len(data))))
	buf.Write(data)
	buf.Write([]byte{0, 0})
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+checkpoint.Extension), buf.Bytes(), 0o644))
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

type fakeBackend struct {
	mu       sync.Mutex
	checkErr error
	loadErr  error
	loads    []LoadSpec
	frees    int
	handles  []*fakeHandle
	png      []byte
	block    chan struct{}
	genErr   error
}

func (b *fakeBackend) Check(context.Context) error { return b.checkErr }

func (b *fakeBackend) Load(_ context.Context, spec LoadSpec, progress ProgressFunc) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads = append(b.loads, spec)
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	progress.report(0.5, "loading weights")
	h := &fakeHandle{backend: b}
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *fakeBackend) Free(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frees++
	return nil
}

type fakeHandle struct {
	backend *fakeBackend
	mu      sync.Mutex
	closed  bool
	specs   []GenerateSpec
}

func (h *fakeHandle) Generate(ctx context.Context, spec GenerateSpec, progress ProgressFunc) ([]byte, error) {
	h.mu.Lock()
	h.specs = append(h.specs, spec)
	h.mu.Unlock()

	if h.backend.block != nil {
		select {
		case <-h.backend.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.backend.genErr != nil {
		return nil, h.backend.genErr
	}
	for i := 1; i <= spec.Steps; i++ {
		progress.Step(i, spec.Steps)
	}
	return h.backend.png, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type fakeRecorder struct {
	entries []history.Entry
}

func (r *fakeRecorder) Record(_ context.Context, e history.Entry) (string, error) {
	r.entries = append(r.entries, e)
	return fmt.Sprintf("id-%d", len(r.entries)), nil
}

type progressLog struct {
	mu      sync.Mutex
	updates []string
	last    float64
}

func (p *progressLog) fn(fraction float64, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, fmt.Sprintf("%.2f %s", fraction, description))
	p.last = fraction
}

type fixture struct {
	manager  *Manager
	backend  *fakeBackend
	recorder *fakeRecorder
	outputs  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	models := t.TempDir()
	writeCheckpoint(t, models, "dreamshaper", checkpoint.SD15)
	writeCheckpoint(t, models, "juggernaut", checkpoint.SDXL)
	writeCheckpoint(t, models, "sd3_medium", checkpoint.SD3)
	writeCheckpoint(t, models, "flux_schnell", checkpoint.FluxSchnell)
	require.NoError(t, os.WriteFile(filepath.Join(models, "broken.safetensors"), []byte("garbage"), 0o644))

	outputs := filepath.Join(t.TempDir(), "outputs")
	f := &fixture{
		backend:  &fakeBackend{png: encodePNG(t)},
		recorder: &fakeRecorder{},
		outputs:  outputs,
	}

	t0 := time.Date(2024, 6, 1, 10, 30, 0, 0, time.Local)
	calls := 0
	clock := func() time.Time {
		calls++
		if calls == 1 {
			return t0
		}
		return t0.Add(1500 * time.Millisecond)
	}

	f.manager = NewManager(checkpoint.NewStore(models), f.backend, gallery.New(outputs),
		WithRecorder(f.recorder),
		WithClock(clock),
		WithSeedSource(func() int64 { return 4242 }),
	)
	return f
}

func int64p(v int64) *int64 { return &v }

func TestLoadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Load(ctx, LoadRequest{}, nil)
	assert.ErrorIs(t, err, ErrNoModelSelected)
	assert.Equal(t, "Please select a model from the dropdown.", err.Error())

	_, err = f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper", Scheduler: "Heun"}, nil)
	assert.ErrorIs(t, err, ErrUnknownScheduler)

	_, err = f.manager.Load(ctx, LoadRequest{ModelName: "missing"}, nil)
	assert.ErrorIs(t, err, checkpoint.ErrModelNotFound)
	assert.Equal(t, "Failed to load model 'missing'. Check logs for details.", err.Error())
	assert.Empty(t, f.backend.loads)
	assert.Equal(t, StateUnloaded, f.manager.Status().State)
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	var p progressLog

	res, err := f.manager.Load(context.Background(), LoadRequest{ModelName: "juggernaut", Scheduler: "DDIM", VAETiling: true}, p.fn)
	require.NoError(t, err)
	assert.Equal(t, &LoadResult{
		StatusMessage: "Ready: juggernaut (SDXL)",
		ModelType:     checkpoint.SDXL,
		Width:         1024,
		Height:        1024,
		AspectRatios:  checkpoint.SDXL.AspectRatios(),
	}, res)
	assert.Equal(t, []string{
		"0.00 Getting pipeline for juggernaut...",
		"0.50 loading weights",
		"1.00 Model Ready!",
	}, p.updates)

	require.Len(t, f.backend.loads, 1)
	spec := f.backend.loads[0]
	assert.Equal(t, checkpoint.SDXL, spec.Architecture)
	assert.Equal(t, "ddim", spec.Scheduler.Sampler)
	assert.True(t, spec.VAETiling)

	st := f.manager.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "juggernaut", st.Model)
	assert.Equal(t, "DDIM", st.Scheduler)
}

func TestLoadCPUOffloadMessage(t *testing.T) {
	f := newFixture(t)
	res, err := f.manager.Load(context.Background(), LoadRequest{ModelName: "dreamshaper", CPUOffload: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ready: dreamshaper (SD 1.5) (CPU Offload)", res.StatusMessage)
	assert.Equal(t, 512, res.Width)
	assert.Equal(t, DefaultScheduler, f.manager.Status().Scheduler)
}

func TestLoadSD3IgnoresScheduler(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Load(context.Background(), LoadRequest{ModelName: "sd3_medium", Scheduler: "LMS"}, nil)
	require.NoError(t, err)
	assert.Equal(t, sd3Scheduler, f.backend.loads[0].Scheduler)
}

func TestLoadCorruptedFallsBackToSD15(t *testing.T) {
	f := newFixture(t)
	res, err := f.manager.Load(context.Background(), LoadRequest{ModelName: "broken"}, nil)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.SD15, res.ModelType)
}

func TestLoadReplacesPreviousModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)
	_, err = f.manager.Load(ctx, LoadRequest{ModelName: "juggernaut"}, nil)
	require.NoError(t, err)

	require.Len(t, f.backend.handles, 2)
	assert.True(t, f.backend.handles[0].closed)
	assert.False(t, f.backend.handles[1].closed)
	assert.Equal(t, 1, f.backend.frees)
	assert.Equal(t, "juggernaut", f.manager.Status().Model)
}

func TestLoadFailureResetsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)

	cause := errors.New("engine exploded")
	f.backend.loadErr = cause
	_, err = f.manager.Load(ctx, LoadRequest{ModelName: "juggernaut"}, nil)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "juggernaut", loadErr.Model)
	assert.ErrorIs(t, err, cause)

	st := f.manager.Status()
	assert.Equal(t, StateUnloaded, st.State)
	assert.Empty(t, st.Model)
	assert.Equal(t, NoModelMessage, st.StatusMessage)
	assert.True(t, f.backend.handles[0].closed)
}

func TestLoadNoGPU(t *testing.T) {
	f := newFixture(t)
	f.backend.checkErr = ErrNoGPU
	_, err := f.manager.Load(context.Background(), LoadRequest{ModelName: "dreamshaper"}, nil)
	assert.ErrorIs(t, err, ErrNoGPU)
	assert.Empty(t, f.backend.loads)
}

func TestUnload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.manager.Unload(ctx)
	require.NoError(t, err)
	assert.Equal(t, "No model loaded.", msg)
	assert.Zero(t, f.backend.frees)

	_, err = f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)
	msg, err = f.manager.Unload(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoModelMessage, msg)
	assert.True(t, f.backend.handles[0].closed)
	assert.Equal(t, 1, f.backend.frees)
	assert.Equal(t, StateUnloaded, f.manager.Status().State)

	_, err = f.manager.Generate(ctx, GenerateRequest{Prompt: "x"}, nil)
	assert.ErrorIs(t, err, ErrNoModelLoaded)
}

func TestGenerateWithoutModel(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Generate(context.Background(), GenerateRequest{Prompt: "a cat"}, nil)
	assert.ErrorIs(t, err, ErrNoModelLoaded)
	assert.Equal(t, "Cannot generate, no model is loaded.", err.Error())
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)

	var p progressLog
	res, err := f.manager.Generate(ctx, GenerateRequest{
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "blurry",
		Steps:          4,
		Guidance:       6,
		Seed:           int64p(42),
		Width:          640,
		Height:         448,
	}, p.fn)
	require.NoError(t, err)

	assert.Equal(t, "20240601-103001_dreamshaper_42.png", res.ImageFilename)
	assert.Equal(t, "Generated in 1.50s on 'dreamshaper' with seed 42.", res.Info)
	assert.Equal(t, int64(42), res.Seed)
	assert.FileExists(t, filepath.Join(f.outputs, res.ImageFilename))

	assert.Equal(t, []string{
		"0.25 Sampling... 1/4",
		"0.50 Sampling... 2/4",
		"0.75 Sampling... 3/4",
		"1.00 Sampling... 4/4",
	}, p.updates)

	h := f.backend.handles[0]
	require.Len(t, h.specs, 1)
	assert.Equal(t, GenerateSpec{
		Prompt:         "a lighthouse at dusk",
		NegativePrompt: "blurry",
		Steps:          4,
		Guidance:       6,
		Seed:           42,
		Width:          640,
		Height:         448,
	}, h.specs[0])

	require.Len(t, f.recorder.entries, 1)
	e := f.recorder.entries[0]
	assert.Equal(t, res.ImageFilename, e.Filename)
	assert.Equal(t, "SD 1.5", e.Architecture)
	assert.Equal(t, "Euler A", e.Scheduler)
	assert.Equal(t, int64(1500), e.Duration)

	assert.Equal(t, StateReady, f.manager.Status().State)
}

func TestGenerateDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "flux_schnell"}, nil)
	require.NoError(t, err)

	res, err := f.manager.Generate(ctx, GenerateRequest{Prompt: "x", NegativePrompt: "ugly"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4242), res.Seed)

	spec := f.backend.handles[0].specs[0]
	assert.Empty(t, spec.NegativePrompt, "schnell has no negative prompt")
	assert.Equal(t, 4, spec.Steps)
	assert.Equal(t, 1.0, spec.Guidance)
	assert.Equal(t, 1024, spec.Width)
	assert.Equal(t, 1024, spec.Height)
}

func TestGenerateAspectRatio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)

	_, err = f.manager.Generate(ctx, GenerateRequest{Prompt: "x", AspectRatio: checkpoint.Ratio16x9}, nil)
	require.NoError(t, err)
	_, err = f.manager.Generate(ctx, GenerateRequest{Prompt: "x", AspectRatio: checkpoint.Ratio4x3, Height: 512}, nil)
	require.NoError(t, err)

	specs := f.backend.handles[0].specs
	require.Len(t, specs, 2)
	assert.Equal(t, 672, specs[0].Width)
	assert.Equal(t, 384, specs[0].Height)
	assert.Equal(t, 576, specs[1].Width, "explicit sizes win over the preset")
	assert.Equal(t, 512, specs[1].Height)

	snap := f.manager.Progress()
	assert.False(t, snap.Active)
	assert.Equal(t, "generate", snap.Operation)
}

func TestGenerateBlankNegativePrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)

	_, err = f.manager.Generate(ctx, GenerateRequest{Prompt: "x", NegativePrompt: "   \n"}, nil)
	require.NoError(t, err)
	assert.Empty(t, f.backend.handles[0].specs[0].NegativePrompt)
}

func TestGenerateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)

	for _, req := range []GenerateRequest{
		{Steps: -1},
		{Guidance: -2},
		{Width: -8},
		{Seed: int64p(-1)},
		{Seed: int64p(1 << 32)},
		{AspectRatio: "21:9"},
	} {
		_, err := f.manager.Generate(ctx, req, nil)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Empty(t, f.backend.handles[0].specs)
	assert.Equal(t, StateReady, f.manager.Status().State)
}

func TestGenerateFailureReturnsToReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)

	f.backend.genErr = errors.New("out of memory")
	_, err = f.manager.Generate(ctx, GenerateRequest{Prompt: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
	assert.Equal(t, StateReady, f.manager.Status().State)
	assert.Empty(t, f.recorder.entries)
}

func TestBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Load(ctx, LoadRequest{ModelName: "dreamshaper"}, nil)
	require.NoError(t, err)

	f.backend.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Generate(ctx, GenerateRequest{Prompt: "slow", Steps: 1}, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.manager.Status().State == StateGenerating
	}, time.Second, 5*time.Millisecond)

	_, err = f.manager.Generate(ctx, GenerateRequest{Prompt: "second"}, nil)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.manager.Load(ctx, LoadRequest{ModelName: "juggernaut"}, nil)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.manager.Unload(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	close(f.backend.block)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, f.manager.Status().State)
}

func TestSchedulers(t *testing.T) {
	assert.Equal(t, []string{"Euler A", "DPM++ 2M", "DDIM", "UniPC", "Euler", "LMS"}, SchedulerNames())

	s, ok := LookupScheduler("")
	require.True(t, ok)
	assert.Equal(t, "euler_ancestral", s.Sampler)

	_, ok = LookupScheduler("euler a")
	assert.False(t, ok)
}

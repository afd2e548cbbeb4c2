package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// encodeHeader builds a header-only safetensors payload with the given keys.
func encodeHeader(t *testing.T, keys []string, metadata map[string]string) []byte {
	t.Helper()

	header := make(map[string]interface{}, len(keys)+1)
	for i, k := range keys {
		header[k] = TensorInfo{
			DType:   "F16",
			Shape:   []uint64{1},
			Offsets: []int64{int64(i * 2), int64(i*2 + 2)},
		}
	}
	if metadata != nil {
		header["__metadata__"] = metadata
	}

	data, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int64(len(data))); err != nil {
		t.Fatal(err)
	}
	buf.Write(data)
	buf.Write(make([]byte, len(keys)*2))
	return buf.Bytes()
}

func writeSafetensors(t *testing.T, dir, name string, keys []string) string {
	t.Helper()
	p := filepath.Join(dir, name+Extension)
	if err := os.WriteFile(p, encodeHeader(t, keys, nil), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		keys []string
		want Architecture
	}{
		{
			name: "sd15 fallback",
			keys: []string{"model.diffusion_model.input_blocks.0.0.weight", "first_stage_model.decoder.conv_in.weight"},
			want: SD15,
		},
		{
			name: "empty",
			keys: nil,
			want: SD15,
		},
		{
			name: "sd2",
			keys: []string{"model.diffusion_model.input_blocks.8.1.transformer_blocks.0.attn2.to_k.weight"},
			want: SD2,
		},
		{
			name: "sdxl",
			keys: []string{"conditioner.embedders.1.model.ln_final.weight", "model.diffusion_model.input_blocks.8.1.transformer_blocks.0.attn2.to_k.weight"},
			want: SDXL,
		},
		{
			name: "sd3",
			keys: []string{"text_encoders.2.transformer.encoder.block.0.weight", "conditioner.embedders.1.model.ln_final.weight"},
			want: SD3,
		},
		{
			name: "flux schnell",
			keys: []string{"transformer.pos_embed.proj.weight", "transformer.levels.0.attn.weight"},
			want: FluxSchnell,
		},
		{
			name: "flux dev",
			keys: []string{"transformer.pos_embed.proj.weight", "transformer.levels.23.attn.weight"},
			want: FluxDev,
		},
		{
			name: "flux wins over sd3",
			keys: []string{"text_encoders.2.transformer.x", "transformer.pos_embed.proj.weight"},
			want: FluxSchnell,
		},
		{
			name: "level 23 without flux key",
			keys: []string{"transformer.levels.23.attn.weight"},
			want: SD15,
		},
		{
			name: "sd2 key must match exactly",
			keys: []string{"model.diffusion_model.input_blocks.8.1.transformer_blocks.0.attn2.to_k.weight.extra"},
			want: SD15,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.keys); got != tt.want {
				t.Errorf("Detect() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadHeader(t *testing.T) {
	data := encodeHeader(t, []string{"b", "a"}, map[string]string{"format": "pt"})

	h, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	keys := h.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if h.Metadata["format"] != "pt" {
		t.Errorf("expected metadata format=pt, got %v", h.Metadata)
	}
	if h.Tensors["a"].DType != "F16" {
		t.Errorf("expected dtype F16, got %q", h.Tensors["a"].DType)
	}
}

func TestReadHeaderErrors(t *testing.T) {
	tooBig := make([]byte, 8)
	binary.LittleEndian.PutUint64(tooBig, uint64(maxHeaderSize+1))

	truncated := make([]byte, 8)
	binary.LittleEndian.PutUint64(truncated, 64)
	truncated = append(truncated, []byte(`{"a":`)...)

	notJSON := make([]byte, 8)
	binary.LittleEndian.PutUint64(notJSON, 4)
	notJSON = append(notJSON, []byte("nope")...)

	cases := map[string][]byte{
		"empty":     {},
		"short":     {1, 2, 3},
		"zero":      make([]byte, 8),
		"too big":   tooBig,
		"truncated": truncated,
		"not json":  notJSON,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadHeader(bytes.NewReader(data))
			if !errors.Is(err, ErrInvalidHeader) {
				t.Fatalf("expected ErrInvalidHeader, got %v", err)
			}
		})
	}
}

func TestDetectFile(t *testing.T) {
	dir := t.TempDir()

	p := writeSafetensors(t, dir, "xl", []string{"conditioner.embedders.1.model.x"})
	arch, err := DetectFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if arch != SDXL {
		t.Errorf("expected SDXL, got %s", arch)
	}

	broken := filepath.Join(dir, "broken"+Extension)
	if err := os.WriteFile(broken, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	arch, err = DetectFile(broken)
	if err == nil {
		t.Fatal("expected error for corrupted checkpoint")
	}
	if arch != SD15 {
		t.Errorf("expected SD 1.5 fallback, got %s", arch)
	}
}

func TestArchitectureDefaults(t *testing.T) {
	cases := []struct {
		arch     Architecture
		res      int
		negative bool
		sampler  bool
	}{
		{SD15, 512, true, true},
		{SD2, 768, true, true},
		{SDXL, 1024, true, true},
		{SD3, 1024, true, false},
		{FluxDev, 1024, true, true},
		{FluxSchnell, 1024, false, true},
	}

	for _, tt := range cases {
		if got := tt.arch.DefaultResolution(); got != tt.res {
			t.Errorf("%s: resolution %d, want %d", tt.arch, got, tt.res)
		}
		if got := tt.arch.SupportsNegativePrompt(); got != tt.negative {
			t.Errorf("%s: negative prompt %v, want %v", tt.arch, got, tt.negative)
		}
		if got := tt.arch.SupportsScheduler(); got != tt.sampler {
			t.Errorf("%s: scheduler %v, want %v", tt.arch, got, tt.sampler)
		}
	}
}

func TestDimensions(t *testing.T) {
	if got := SD15.Dimensions(Ratio16x9); got != (Size{672, 384}) {
		t.Errorf("SD15 16:9 = %v", got)
	}
	if got := SD2.Dimensions(Ratio4x3); got != (Size{864, 640}) {
		t.Errorf("SD2 4:3 = %v", got)
	}
	if got := SD3.Dimensions(Ratio3x2); got != (Size{1216, 832}) {
		t.Errorf("SD3 3:2 = %v", got)
	}
	if got := SDXL.Dimensions("21:9"); got != (Size{1024, 1024}) {
		t.Errorf("SDXL unknown ratio = %v", got)
	}
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	writeSafetensors(t, dir, "zeta", []string{"transformer.pos_embed.proj.weight"})
	writeSafetensors(t, dir, "alpha", nil)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"+Extension), 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewStore(dir)
	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("unexpected names %v", names)
	}

	info, err := s.Inspect("zeta")
	if err != nil {
		t.Fatal(err)
	}
	if info.Architecture != FluxSchnell || info.Tensors != 1 || info.Name != "zeta" {
		t.Errorf("unexpected info %+v", info)
	}

	for _, name := range []string{"missing", "", "../zeta", "sub"} {
		if _, err := s.Path(name); !errors.Is(err, ErrModelNotFound) {
			t.Errorf("Path(%q): expected ErrModelNotFound, got %v", name, err)
		}
	}
}

func TestStoreMissingDir(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope"))
	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("expected no models, got %v", names)
	}
}

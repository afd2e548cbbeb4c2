package gallery

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richinsley/arttic/client"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local)
	assert.Equal(t, "20240309-070501_dreamshaper_8_1234.png", FileName(ts, "dreamshaper_8", 1234))
	assert.Equal(t, "20240309-070501_a_b_0.png", FileName(ts, "a/b", 0))
}

func TestSaveAndList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outputs")
	g := New(dir)

	names, err := g.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	data := testPNG(t)
	first, err := g.Save(data, "model", 1, time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local))
	require.NoError(t, err)
	second, err := g.Save(data, "model", 2, time.Date(2024, 1, 1, 0, 0, 1, 0, time.Local))
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, second), old, old))

	// non-png files and directories are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	names, err = g.List()
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, names)

	saved, err := os.ReadFile(filepath.Join(dir, first))
	require.NoError(t, err)
	assert.Equal(t, data, saved)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestSaveRejectsNonPNG(t *testing.T) {
	g := New(t.TempDir())
	_, err := g.Save([]byte("GIF89a"), "m", 1, time.Now())
	assert.ErrorIs(t, err, client.ErrNotPNG)
}

func TestPath(t *testing.T) {
	g := New(t.TempDir())
	name, err := g.Save(testPNG(t), "m", 7, time.Now())
	require.NoError(t, err)

	p, err := g.Path(name)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(g.Dir(), name), p)

	for _, bad := range []string{"", "../etc/passwd", "a/b.png", "missing.png", "x.jpg"} {
		_, err := g.Path(bad)
		assert.ErrorIs(t, err, ErrNotFound, bad)
	}
}

func TestMetadata(t *testing.T) {
	g := New(t.TempDir())
	name, err := g.Save(testPNG(t), "m", 7, time.Now())
	require.NoError(t, err)

	meta, err := g.Metadata(name)
	require.NoError(t, err)
	assert.Empty(t, meta)

	_, err = g.Metadata("nope.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

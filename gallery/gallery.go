// Package gallery manages the directory of generated images.
package gallery

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/richinsley/arttic/client"
)

const (
	Extension  = ".png"
	timeLayout = "20060102-150405"
)

var (
	ErrNotFound = errors.New("image not found")
	pngMagic    = []byte{137, 80, 78, 71, 13, 10, 26, 10}
)

// Image is a file in the gallery.
type Image struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

type Gallery struct {
	dir string
}

func New(dir string) *Gallery {
	return &Gallery{dir: dir}
}

func (g *Gallery) Dir() string { return g.dir }

// FileName returns the name an image generated at t gets:
// YYYYMMDD-HHMMSS_<model>_<seed>.png
func FileName(t time.Time, model string, seed int64) string {
	model = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, model)
	return fmt.Sprintf("%s_%s_%d%s", t.Format(timeLayout), model, seed, Extension)
}

// Save writes a PNG into the gallery and returns its file name. The file
// appears under its final name only once fully written.
func (g *Gallery) Save(data []byte, model string, seed int64, t time.Time) (string, error) {
	if !bytes.HasPrefix(data, pngMagic) {
		return "", client.ErrNotPNG
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	name := FileName(t, model, seed)
	tmp, err := os.CreateTemp(g.dir, ".arttic-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(g.dir, name)); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return name, nil
}

// Images returns the gallery contents, newest first.
func (g *Gallery) Images() ([]Image, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Image{}, nil
		}
		return nil, err
	}

	images := make([]Image, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// removed while listing
			continue
		}
		images = append(images, Image{Name: e.Name(), Size: fi.Size(), ModifiedAt: fi.ModTime()})
	}

	sort.SliceStable(images, func(i, j int) bool {
		if images[i].ModifiedAt.Equal(images[j].ModifiedAt) {
			return images[i].Name > images[j].Name
		}
		return images[i].ModifiedAt.After(images[j].ModifiedAt)
	})
	return images, nil
}

// List returns the image file names, newest first.
func (g *Gallery) List() ([]string, error) {
	images, err := g.Images()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(images))
	for i, img := range images {
		names[i] = img.Name
	}
	return names, nil
}

// Path resolves name inside the gallery.
func (g *Gallery) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || !strings.HasSuffix(name, Extension) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	p := filepath.Join(g.dir, name)
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", err
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Metadata returns the text chunks the engine embedded in an image.
func (g *Gallery) Metadata(name string) (map[string]string, error) {
	p, err := g.Path(name)
	if err != nil {
		return nil, err
	}
	return client.GetPngMetadataFile(p)
}

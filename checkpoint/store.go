package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const Extension = ".safetensors"

var ErrModelNotFound = errors.New("model not found")

// Info describes a checkpoint found in the models directory.
type Info struct {
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	Size         int64             `json:"size"`
	ModifiedAt   time.Time         `json:"modified_at"`
	Architecture Architecture      `json:"architecture"`
	Tensors      int               `json:"tensors"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Store resolves model names against a directory of .safetensors files.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// List returns the names of the available checkpoints without extension.
// A missing directory yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names, nil
}

// Path returns the file path for name after checking it exists.
func (s *Store) Path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid name %q", ErrModelNotFound, name)
	}

	p := filepath.Join(s.dir, name+Extension)
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrModelNotFound, name)
		}
		return "", err
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrModelNotFound, name)
	}
	return p, nil
}

// Inspect reads the checkpoint header and classifies it.
func (s *Store) Inspect(name string) (*Info, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	return InspectFile(p)
}

// InspectFile is Inspect for an arbitrary path.
func InspectFile(path string) (*Info, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	h, err := ReadHeaderFile(path)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", filepath.Base(path), err)
	}

	return &Info{
		Name:         strings.TrimSuffix(filepath.Base(path), Extension),
		Path:         path,
		Size:         fi.Size(),
		ModifiedAt:   fi.ModTime(),
		Architecture: Detect(h.Keys()),
		Tensors:      len(h.Tensors),
		Metadata:     h.Metadata,
	}, nil
}

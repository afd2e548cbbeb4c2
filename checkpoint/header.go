package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxHeaderSize caps the JSON header we are willing to read. Real checkpoints
// stay well below a few MiB even with thousands of tensors.
const maxHeaderSize = 100 << 20

var ErrInvalidHeader = errors.New("invalid safetensors header")

type TensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// Header is the parsed JSON header at the start of a safetensors file.
type Header struct {
	Tensors  map[string]TensorInfo
	Metadata map[string]string
	Size     int64
}

// Keys returns the tensor names in sorted order.
func (h *Header) Keys() []string {
	keys := make([]string, 0, len(h.Tensors))
	for k := range h.Tensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ReadHeader parses the header of a safetensors stream. Only the header is
// consumed; tensor data is never touched.
func ReadHeader(r io.Reader) (*Header, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: read length: %v", ErrInvalidHeader, err)
	}
	if n <= 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrInvalidHeader, n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrInvalidHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(b).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	h := &Header{
		Tensors: make(map[string]TensorInfo, len(raw)),
		Size:    n,
	}
	for k, v := range raw {
		if k == "__metadata__" {
			if err := json.Unmarshal(v, &h.Metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
			}
			continue
		}

		var ti TensorInfo
		if err := json.Unmarshal(v, &ti); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidHeader, k, err)
		}
		h.Tensors[k] = ti
	}

	return h, nil
}

// ReadHeaderFile opens path and parses its safetensors header.
func ReadHeaderFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadHeader(f)
}

package client

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// ErrNotPNG is returned by GetPngMetadata for data without a PNG signature.
var ErrNotPNG = errors.New("not a valid PNG file")

// GetPngMetadata returns the tEXt and uncompressed iTXt entries of a PNG.
// ComfyUI stores the executed prompt under "prompt" and any extra_pnginfo
// entries under their own keys.
func GetPngMetadata(r io.Reader) (map[string]string, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header, pngSignature) {
		return nil, ErrNotPNG
	}

	txtChunks := make(map[string]string)
	for {
		var length uint32
		err := binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		if _, err := io.ReadFull(r, chunkType); err != nil {
			return nil, err
		}

		switch string(chunkType) {
		case "tEXt", "iTXt":
			chunkData := make([]byte, length)
			if _, err := io.ReadFull(r, chunkData); err != nil {
				return nil, err
			}
			keyword, text, err := parseTextChunk(string(chunkType), chunkData)
			if err != nil {
				return nil, err
			}
			if keyword != "" {
				txtChunks[keyword] = text
			}
		case "IEND":
			return txtChunks, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return nil, err
			}
		}

		// Skip the CRC
		if _, err := io.CopyN(io.Discard, r, 4); err != nil {
			return nil, err
		}
	}

	return txtChunks, nil
}

// GetPngMetadataFile is GetPngMetadata for a file on disk.
func GetPngMetadataFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return GetPngMetadata(f)
}

func parseTextChunk(kind string, data []byte) (string, string, error) {
	keywordEnd := bytes.IndexByte(data, 0)
	if keywordEnd == -1 {
		return "", "", errors.New("malformed " + kind + " chunk")
	}
	keyword := string(data[:keywordEnd])
	rest := data[keywordEnd+1:]
	if kind == "tEXt" {
		return keyword, string(rest), nil
	}

	// iTXt: compression flag, compression method, language\0, translated keyword\0, text
	if len(rest) < 2 {
		return "", "", errors.New("malformed iTXt chunk")
	}
	if rest[0] != 0 {
		// compressed text is not decoded
		return "", "", nil
	}
	rest = rest[2:]
	for i := 0; i < 2; i++ {
		end := bytes.IndexByte(rest, 0)
		if end == -1 {
			return "", "", errors.New("malformed iTXt chunk")
		}
		rest = rest[end+1:]
	}
	return keyword, string(rest), nil
}

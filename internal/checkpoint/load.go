// Package checkpoint reads and writes state dicts in the weight formats
// published model zoos ship: safetensors, GGUF, PyTorch pickles, OneFlow
// parameter directories and zip archives of any of those.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/tensor"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
	ErrUnsupportedDType  = errors.New("unsupported tensor dtype")
	ErrCorrupt           = errors.New("corrupt checkpoint")
)

// Format names a checkpoint encoding.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatGGUF        Format = "gguf"
	FormatTorch       Format = "torch"
	FormatOneFlow     Format = "oneflow"
	FormatZip         Format = "zip"
)

var zipMagic = []byte("PK\x03\x04")

// Detect guesses the format of path from its extension, falling back to
// magic bytes.
func Detect(path string) (Format, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if st.IsDir() {
		return FormatOneFlow, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return FormatSafetensors, nil
	case ".gguf":
		return FormatGGUF, nil
	case ".pth", ".pt", ".bin", ".pkl":
		return FormatTorch, nil
	case ".zip":
		return FormatZip, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, 8)
	n, _ := f.Read(head)
	head = head[:n]
	switch {
	case n >= 4 && binary.LittleEndian.Uint32(head) == GGUFMagic:
		return FormatGGUF, nil
	case bytes.HasPrefix(head, zipMagic):
		// torch.save writes zip archives too; loadZip tells them apart.
		return FormatZip, nil
	case n >= 2 && head[0] == 0x80:
		return FormatTorch, nil
	case n == 8 && binary.LittleEndian.Uint64(head) < maxSafetensorsHeader:
		return FormatSafetensors, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// Load reads a state dict from a file, archive or directory.
func Load(path string) (*tensor.StateDict, error) {
	start := time.Now()
	path, format, err := resolve(path)
	if err != nil {
		metrics.RecordCheckpointLoad("unknown", 0, err)
		return nil, err
	}
	sd, err := loadFormat(path, format)
	metrics.RecordCheckpointLoad(string(format), sd.Len(), err)
	if err != nil {
		return nil, fmt.Errorf("loading %s checkpoint %s: %w", format, path, err)
	}
	logger.Log.Timed("loaded checkpoint", start, "path", path, "format", string(format), "tensors", sd.Len())
	return sd, nil
}

// resolve picks the checkpoint inside a directory and detects its format.
func resolve(path string) (string, Format, error) {
	format, err := Detect(path)
	if err != nil || format != FormatOneFlow {
		return path, format, err
	}
	found, err := FindCheckpoint(path)
	if err != nil {
		return "", "", err
	}
	if st, err := os.Stat(found); err == nil && st.IsDir() {
		return found, FormatOneFlow, nil
	}
	format, err = Detect(found)
	return found, format, err
}

func loadFormat(path string, format Format) (*tensor.StateDict, error) {
	switch format {
	case FormatSafetensors:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return parseSafetensors(data)
	case FormatGGUF:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		f, err := parseGGUF(data)
		if err != nil {
			return nil, err
		}
		return f.StateDict()
	case FormatTorch:
		return loadTorch(path)
	case FormatOneFlow:
		return loadOneflow(path)
	case FormatZip:
		return loadZip(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// FindCheckpoint walks root and returns the first loadable file, or the
// first directory laid out as OneFlow parameters.
func FindCheckpoint(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && isOneflowParamDir(p) {
				found = filepath.Dir(p)
				return fs.SkipAll
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".safetensors", ".gguf", ".pth", ".pt", ".bin":
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: nothing loadable under %s", ErrUnsupportedFormat, root)
	}
	return found, nil
}

// Save writes sd in the format named by the extension of path.
func Save(path string, sd *tensor.StateDict) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return SaveSafetensors(path, sd, map[string]string{"format": "pt"})
	case ".gguf":
		return SaveGGUF(path, sd, map[string]interface{}{"general.architecture": "vit"}, false)
	}
	return fmt.Errorf("%w: cannot write %q (use .safetensors or .gguf)", ErrUnsupportedFormat, filepath.Ext(path))
}

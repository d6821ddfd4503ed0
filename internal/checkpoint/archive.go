package checkpoint

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

// isTorchArchive reports whether the zip was written by torch.save.
func isTorchArchive(r *zip.Reader) bool {
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/data.pkl") || f.Name == "data.pkl" {
			return true
		}
	}
	return false
}

func loadZip(path string) (*tensor.StateDict, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	torch := isTorchArchive(&zr.Reader)
	zr.Close()
	if torch {
		return loadTorch(path)
	}

	dir, err := os.MkdirTemp("", "vit-ckpt-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	if err := Unzip(path, dir); err != nil {
		return nil, err
	}
	inner, format, err := resolve(dir)
	if err != nil {
		return nil, err
	}
	return loadFormat(inner, format)
}

// Unzip extracts archive into dest, refusing entries that would land
// outside it.
func Unzip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, f.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: zip entry %q escapes destination", ErrCorrupt, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

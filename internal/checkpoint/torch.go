package checkpoint

import (
	"fmt"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

// nestedStateKeys are the wrappers training scripts commonly put around a
// state dict, checked in order.
var nestedStateKeys = []string{"state_dict", "model", "model_ema", "module"}

func loadTorch(path string) (*tensor.StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unpickling %s: %w", path, err)
	}
	return torchStateDict(obj)
}

type pickleEntry struct {
	key   string
	value interface{}
}

// pickleEntries lists a Dict or OrderedDict in its stored order.
func pickleEntries(obj interface{}) ([]pickleEntry, bool) {
	var out []pickleEntry
	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out = append(out, pickleEntry{ks, d.MustGet(k)})
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			ks, ok := entry.Key.(string)
			if !ok {
				continue
			}
			out = append(out, pickleEntry{ks, entry.Value})
		}
	default:
		return nil, false
	}
	return out, true
}

func torchStateDict(obj interface{}) (*tensor.StateDict, error) {
	entries, ok := pickleEntries(obj)
	if !ok {
		return nil, fmt.Errorf("%w: pickle root is %T, not a dict", ErrUnsupportedFormat, obj)
	}

	hasTensor := false
	for _, e := range entries {
		if _, ok := e.value.(*pytorch.Tensor); ok {
			hasTensor = true
			break
		}
	}
	if !hasTensor {
		for _, key := range nestedStateKeys {
			for _, e := range entries {
				if e.key == key {
					if _, ok := pickleEntries(e.value); ok {
						return torchStateDict(e.value)
					}
				}
			}
		}
		return nil, fmt.Errorf("%w: no tensors in pickle dict", ErrUnsupportedFormat)
	}

	sd := tensor.NewStateDict()
	for _, e := range entries {
		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			continue
		}
		t, err := torchTensor(pt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.key, err)
		}
		sd.Set(strings.TrimPrefix(e.key, "module."), t)
	}
	return sd, nil
}

// torchTensor gathers a possibly strided view into a dense tensor.
func torchTensor(pt *pytorch.Tensor) (*tensor.Tensor, error) {
	var src []float32
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.BFloat16Storage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: torch storage %T", ErrUnsupportedDType, s)
	}

	shape := pt.Size
	out := tensor.New(shape...)
	dst := out.Data()
	if len(dst) == 0 {
		return out, nil
	}
	stride := pt.Stride
	if len(stride) != len(shape) {
		return nil, fmt.Errorf("%w: stride %v for shape %v", ErrCorrupt, stride, shape)
	}

	idx := make([]int, len(shape))
	for i := range dst {
		off := pt.StorageOffset
		for d, j := range idx {
			off += j * stride[d]
		}
		if off < 0 || off >= len(src) {
			return nil, fmt.Errorf("%w: view reads element %d of %d-element storage", ErrCorrupt, off, len(src))
		}
		dst[i] = src[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

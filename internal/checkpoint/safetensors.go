package checkpoint

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// maxSafetensorsHeader bounds the JSON header to reject garbage lengths.
const maxSafetensorsHeader = 100 << 20

func parseSafetensors(data []byte) (*tensor.StateDict, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: safetensors file too short", ErrCorrupt)
	}
	n := binary.LittleEndian.Uint64(data)
	if n > maxSafetensorsHeader || 8+n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: safetensors header length %d", ErrCorrupt, n)
	}

	var headers map[string]safetensorMetadata
	if err := json.Unmarshal(data[8:8+n], &headers); err != nil {
		return nil, fmt.Errorf("%w: safetensors header: %v", ErrCorrupt, err)
	}

	type entry struct {
		name string
		meta safetensorMetadata
	}
	var entries []entry
	for name, meta := range headers {
		// __metadata__ decodes with an empty dtype.
		if meta.Type == "" {
			continue
		}
		if len(meta.Offsets) != 2 {
			return nil, fmt.Errorf("%w: %s has %d data offsets", ErrCorrupt, name, len(meta.Offsets))
		}
		entries = append(entries, entry{name, meta})
	}
	// Writers lay tensors out in state-dict order, so offsets recover it.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].meta.Offsets[0] < entries[j].meta.Offsets[0]
	})

	body := data[8+n:]
	sd := tensor.NewStateDict()
	for _, e := range entries {
		begin, end := e.meta.Offsets[0], e.meta.Offsets[1]
		if begin < 0 || end < begin || end > int64(len(body)) {
			return nil, fmt.Errorf("%w: %s offsets [%d, %d) outside %d-byte body", ErrCorrupt, e.name, begin, end, len(body))
		}
		values, err := decodeFloats(e.meta.Type, body[begin:end])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
		t, err := tensor.FromData(values, e.meta.Shape...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
		sd.Set(e.name, t)
	}
	return sd, nil
}

// decodeFloats widens little-endian F32/F16/BF16/F64 bytes to float32.
func decodeFloats(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("%w: F32 payload of %d bytes", ErrCorrupt, len(raw))
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("%w: F16 payload of %d bytes", ErrCorrupt, len(raw))
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, fmt.Errorf("%w: BF16 payload of %d bytes", ErrCorrupt, len(raw))
		}
		return bfloat16.DecodeFloat32(raw), nil
	case "F64":
		if len(raw)%8 != 0 {
			return nil, fmt.Errorf("%w: F64 payload of %d bytes", ErrCorrupt, len(raw))
		}
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDType, dtype)
	}
}

// SaveSafetensors writes sd as F32 safetensors in state-dict order.
func SaveSafetensors(path string, sd *tensor.StateDict, metadata map[string]string) error {
	header := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		header.Set("__metadata__", metadata)
	}
	var offset int64
	for name, t := range sd.All() {
		size := int64(t.Len()) * 4
		header.Set(name, safetensorMetadata{
			Type:    "F32",
			Shape:   t.Shape(),
			Offsets: []int64{offset, offset + size},
		})
		offset += size
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	return writeAtomic(path, func(w *bufio.Writer) error {
		if err := binary.Write(w, binary.LittleEndian, uint64(len(hb))); err != nil {
			return err
		}
		if _, err := w.Write(hb); err != nil {
			return err
		}
		for _, t := range sd.All() {
			if err := binary.Write(w, binary.LittleEndian, t.Data()); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeAtomic writes through a temp file in the target directory and
// renames it into place.
func writeAtomic(path string, fill func(*bufio.Writer) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

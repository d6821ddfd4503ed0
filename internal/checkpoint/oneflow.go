package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

// OneFlow's legacy save layout is one directory per parameter holding a
// serialized VariableMetaInfo ("meta") and the raw little-endian values
// ("out").
const (
	oneflowMetaFile = "meta"
	oneflowDataFile = "out"
)

// OneFlow DataType enum values for the floating point types we read.
const (
	oneflowFloat   = 2
	oneflowDouble  = 3
	oneflowFloat16 = 9
)

type oneflowMeta struct {
	shape    []int
	dataType int
}

// parseOneflowMeta decodes VariableMetaInfo{shape: ShapeProto{dim...} = 1,
// data_type = 2}.
func parseOneflowMeta(b []byte) (oneflowMeta, error) {
	var m oneflowMeta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			shape, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			dims, err := parseShapeProto(shape)
			if err != nil {
				return m, err
			}
			m.shape = dims
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.dataType = int(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func parseShapeProto(b []byte) ([]int, error) {
	dims := []int{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != 1 {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dims = append(dims, int(int64(v)))
			b = b[n:]
		case protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				dims = append(dims, int(int64(v)))
				packed = packed[m:]
			}
			b = b[n:]
		default:
			return nil, fmt.Errorf("%w: shape dim wire type %d", ErrCorrupt, typ)
		}
	}
	return dims, nil
}

func isOneflowParamDir(dir string) bool {
	for _, f := range []string{oneflowMetaFile, oneflowDataFile} {
		st, err := os.Stat(filepath.Join(dir, f))
		if err != nil || st.IsDir() {
			return false
		}
	}
	return true
}

// loadOneflow reads every parameter directory under root, sorted by name.
func loadOneflow(root string) (*tensor.StateDict, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && isOneflowParamDir(filepath.Join(root, e.Name())) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no parameter directories in %s", ErrUnsupportedFormat, root)
	}
	sort.Strings(names)

	sd := tensor.NewStateDict()
	for _, name := range names {
		t, err := loadOneflowParam(filepath.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		sd.Set(name, t)
	}
	return sd, nil
}

func loadOneflowParam(dir string) (*tensor.Tensor, error) {
	mb, err := os.ReadFile(filepath.Join(dir, oneflowMetaFile))
	if err != nil {
		return nil, err
	}
	meta, err := parseOneflowMeta(mb)
	if err != nil {
		return nil, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, oneflowDataFile))
	if err != nil {
		return nil, err
	}

	var values []float32
	switch meta.dataType {
	case oneflowFloat:
		values = make([]float32, len(raw)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case oneflowDouble:
		values = make([]float32, len(raw)/8)
		for i := range values {
			values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case oneflowFloat16:
		values = make([]float32, len(raw)/2)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	default:
		return nil, fmt.Errorf("%w: oneflow data type %d", ErrUnsupportedDType, meta.dataType)
	}
	return tensor.FromData(values, meta.shape...)
}

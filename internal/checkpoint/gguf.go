package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	ggufDefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeBF16 GGMLType = 30
)

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}

func (t GGMLType) elemSize() int {
	switch t {
	case GGMLTypeF32:
		return 4
	case GGMLTypeF16, GGMLTypeBF16:
		return 2
	default:
		return 0
	}
}

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type GGUFTensorInfo struct {
	Name string
	// Dimensions are innermost first, the reverse of the row-major shape.
	Dimensions []uint64
	Type       GGMLType
	Offset     uint64
}

// Shape returns the row-major shape.
func (t *GGUFTensorInfo) Shape() []int {
	shape := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		shape[len(shape)-1-i] = int(d)
	}
	return shape
}

// numElements reports false when the element count overflows uint64.
func (t *GGUFTensorInfo) numElements() (uint64, bool) {
	n := uint64(1)
	for _, d := range t.Dimensions {
		if d != 0 && n > math.MaxUint64/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*GGUFTensorInfo
	DataOffset uint64
	data       []byte
}

// parseGGUF decodes the header, metadata and tensor table of an in-memory
// GGUF file.
func parseGGUF(data []byte) (*GGUFFile, error) {
	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}
	file := &GGUFFile{data: data, KV: make(map[string]interface{})}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n
		if err := need(data, offset, 4); err != nil {
			return nil, err
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", k, err)
		}
		offset += n
		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n
		if err := need(data, offset, 4); err != nil {
			return nil, err
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		if err := need(data, offset, uint64(dims)*8+12); err != nil {
			return nil, err
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}
		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		file.Tensors = append(file.Tensors, &GGUFTensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		})
	}

	alignment := uint64(ggufDefaultAlignment)
	switch v := file.KV["general.alignment"].(type) {
	case uint32:
		alignment = uint64(v)
	case uint64:
		alignment = v
	}
	if alignment == 0 {
		alignment = ggufDefaultAlignment
	}
	if rem := offset % alignment; rem != 0 {
		offset += alignment - rem
	}
	file.DataOffset = offset
	return file, nil
}

// TensorData returns the float32 contents of one tensor.
func (f *GGUFFile) TensorData(t *GGUFTensorInfo) ([]float32, error) {
	size := t.Type.elemSize()
	if size == 0 {
		return nil, fmt.Errorf("%w: GGUF %s tensor %s", ErrUnsupportedDType, t.Type, t.Name)
	}
	start := f.DataOffset + t.Offset
	n, ok := t.numElements()
	if !ok || start < f.DataOffset || start > uint64(len(f.data)) || n > (uint64(len(f.data))-start)/uint64(size) {
		return nil, fmt.Errorf("%w: tensor %s dims %v at offset %d exceed %d-byte file", ErrCorrupt, t.Name, t.Dimensions, t.Offset, len(f.data))
	}
	raw := f.data[start : start+n*uint64(size)]
	switch t.Type {
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case GGMLTypeBF16:
		return bfloat16.DecodeFloat32(raw), nil
	default:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	}
}

// StateDict decodes every tensor, in tensor-table order.
func (f *GGUFFile) StateDict() (*tensor.StateDict, error) {
	sd := tensor.NewStateDict()
	for _, ti := range f.Tensors {
		values, err := f.TensorData(ti)
		if err != nil {
			return nil, err
		}
		t, err := tensor.FromData(values, ti.Shape()...)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", ti.Name, err)
		}
		sd.Set(ti.Name, t)
	}
	return sd, nil
}

func need(data []byte, offset, n uint64) error {
	if offset+n > uint64(len(data)) || offset+n < offset {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if err := need(data, offset, 8); err != nil {
		return "", 0, err
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if err := need(data, offset+8, length); err != nil {
		return "", 0, err
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	fixed := map[GGUFMetadataValueType]uint64{
		GGUFMetadataValueTypeUint8: 1, GGUFMetadataValueTypeInt8: 1, GGUFMetadataValueTypeBool: 1,
		GGUFMetadataValueTypeUint16: 2, GGUFMetadataValueTypeInt16: 2,
		GGUFMetadataValueTypeUint32: 4, GGUFMetadataValueTypeInt32: 4, GGUFMetadataValueTypeFloat32: 4,
		GGUFMetadataValueTypeUint64: 8, GGUFMetadataValueTypeInt64: 8, GGUFMetadataValueTypeFloat64: 8,
	}
	if n, ok := fixed[typ]; ok {
		if err := need(data, offset, n); err != nil {
			return nil, 0, err
		}
	}
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		if err := need(data, offset, 12); err != nil {
			return nil, 0, err
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		currentOff := offset + 12

		var arr []interface{}
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, currentOff, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			currentOff += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

// SaveGGUF writes sd as a version 3 GGUF file with F32 tensors (or F16 when
// half is set) and string/uint32/float32 metadata.
func SaveGGUF(path string, sd *tensor.StateDict, kv map[string]interface{}, half bool) error {
	typ := GGMLTypeF32
	if half {
		typ = GGMLTypeF16
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return writeAtomic(path, func(w *bufio.Writer) error {
		cw := &countingWriter{w: w}
		le := func(v interface{}) {
			if cw.err == nil {
				cw.err = binary.Write(cw, binary.LittleEndian, v)
			}
		}
		str := func(s string) {
			le(uint64(len(s)))
			if cw.err == nil {
				_, cw.err = cw.Write([]byte(s))
			}
		}

		le(uint32(GGUFMagic))
		le(uint32(GGUFVersion))
		le(uint64(sd.Len()))
		le(uint64(len(keys)))
		for _, k := range keys {
			str(k)
			switch v := kv[k].(type) {
			case string:
				le(uint32(GGUFMetadataValueTypeString))
				str(v)
			case uint32:
				le(uint32(GGUFMetadataValueTypeUint32))
				le(v)
			case int:
				le(uint32(GGUFMetadataValueTypeInt64))
				le(int64(v))
			case float32:
				le(uint32(GGUFMetadataValueTypeFloat32))
				le(v)
			case bool:
				le(uint32(GGUFMetadataValueTypeBool))
				if v {
					le(uint8(1))
				} else {
					le(uint8(0))
				}
			default:
				return fmt.Errorf("unsupported GGUF metadata %s of type %T", k, v)
			}
		}

		var offset uint64
		for name, t := range sd.All() {
			str(name)
			shape := t.Shape()
			le(uint32(len(shape)))
			for i := len(shape) - 1; i >= 0; i-- {
				le(uint64(shape[i]))
			}
			le(uint32(typ))
			le(offset)
			offset += alignUp(uint64(t.Len()*typ.elemSize()), ggufDefaultAlignment)
		}
		pad := func() {
			if rem := cw.n % ggufDefaultAlignment; rem != 0 && cw.err == nil {
				_, cw.err = cw.Write(make([]byte, ggufDefaultAlignment-rem))
			}
		}
		pad()
		for _, t := range sd.All() {
			if half {
				h := make([]uint16, t.Len())
				for i, v := range t.Data() {
					h[i] = float16.Fromfloat32(v).Bits()
				}
				le(h)
			} else {
				le(t.Data())
			}
			pad()
		}
		return cw.err
	})
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) / a * a
}

type countingWriter struct {
	w   io.Writer
	n   uint64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

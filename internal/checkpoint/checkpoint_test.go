package checkpoint

import (
	"archive/zip"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

func sampleStateDict() *tensor.StateDict {
	sd := tensor.NewStateDict()
	sd.Set("cls_token", tensor.MustFromData([]float32{0.5, -0.25, 1, 2}, 1, 1, 4))
	sd.Set("patch_embed.proj.weight", tensor.MustFromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	sd.Set("head.bias", tensor.MustFromData([]float32{-1.5, 0.125}, 2))
	return sd
}

func requireSameStateDict(t *testing.T, want, got *tensor.StateDict) {
	t.Helper()
	if diff := cmp.Diff(want.Keys(), got.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	for name, w := range want.All() {
		g, _ := got.Get(name)
		if diff := cmp.Diff(w.Shape(), g.Shape()); diff != "" {
			t.Errorf("%s shape mismatch (-want +got):\n%s", name, diff)
		}
		if diff := cmp.Diff(w.Data(), g.Data()); diff != "" {
			t.Errorf("%s data mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestSafetensorsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	want := sampleStateDict()
	if err := Save(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	requireSameStateDict(t, want, got)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := binary.LittleEndian.Uint64(raw); n%8 != 0 {
		t.Errorf("header length %d is not 8-byte aligned", n)
	}
}

func safetensorsBytes(header string, body []byte) []byte {
	out := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	out = append(out, header...)
	return append(out, body...)
}

func TestSafetensorsHalfPrecision(t *testing.T) {
	var body []byte
	for _, v := range []float32{1, -2, 0.5} {
		body = binary.LittleEndian.AppendUint16(body, float16.Fromfloat32(v).Bits())
	}
	// bfloat16 is the top half of a float32.
	for _, v := range []float32{3, -0.75} {
		body = binary.LittleEndian.AppendUint16(body, uint16(math.Float32bits(v)>>16))
	}
	header := `{"__metadata__":{"format":"pt"},` +
		`"a":{"dtype":"F16","shape":[3],"data_offsets":[0,6]},` +
		`"b":{"dtype":"BF16","shape":[2,1],"data_offsets":[6,10]}}`

	sd, err := parseSafetensors(safetensorsBytes(header, body))
	if err != nil {
		t.Fatalf("parseSafetensors failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, sd.Keys()); diff != "" {
		t.Errorf("order should follow data offsets (-want +got):\n%s", diff)
	}
	a, _ := sd.Get("a")
	if diff := cmp.Diff([]float32{1, -2, 0.5}, a.Data()); diff != "" {
		t.Errorf("F16 mismatch (-want +got):\n%s", diff)
	}
	b, _ := sd.Get("b")
	if diff := cmp.Diff([]float32{3, -0.75}, b.Data()); diff != "" {
		t.Errorf("BF16 mismatch (-want +got):\n%s", diff)
	}
}

func TestSafetensorsErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", []byte{1, 2}, ErrCorrupt},
		{"huge header", binary.LittleEndian.AppendUint64(nil, 1<<40), ErrCorrupt},
		{"bad json", safetensorsBytes("{nope", nil), ErrCorrupt},
		{"offsets outside body", safetensorsBytes(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, []byte{0, 0, 0, 0}), ErrCorrupt},
		{"int dtype", safetensorsBytes(`{"a":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8)), ErrUnsupportedDType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseSafetensors(tt.data); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGGUFRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := sampleStateDict()

	path := filepath.Join(dir, "model.gguf")
	if err := Save(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	requireSameStateDict(t, want, got)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := parseGGUF(data)
	if err != nil {
		t.Fatal(err)
	}
	if f.KV["general.architecture"] != "vit" {
		t.Errorf("expected architecture metadata, got %v", f.KV)
	}
	if diff := cmp.Diff([]uint64{3, 2}, f.Tensors[1].Dimensions); diff != "" {
		t.Errorf("GGUF dimensions are innermost first (-want +got):\n%s", diff)
	}

	// Exact in half precision for these values.
	half := filepath.Join(dir, "half.gguf")
	kv := map[string]interface{}{"vit.depth": uint32(12), "vit.eps": float32(1e-6), "vit.distilled": true, "vit.classes": 1000}
	if err := SaveGGUF(half, want, kv, true); err != nil {
		t.Fatalf("SaveGGUF failed: %v", err)
	}
	got, err = Load(half)
	if err != nil {
		t.Fatalf("Load half failed: %v", err)
	}
	requireSameStateDict(t, want, got)
}

func TestGGUFHeaderErrors(t *testing.T) {
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data, 0xdeadbeef)
	var magicErr ErrInvalidMagic
	if _, err := parseGGUF(data); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	binary.LittleEndian.PutUint32(data, GGUFMagic)
	binary.LittleEndian.PutUint32(data[4:], 9)
	var verErr ErrUnsupportedVersion
	if _, err := parseGGUF(data); !errors.As(err, &verErr) || verErr.Version != 9 {
		t.Errorf("expected ErrUnsupportedVersion{9}, got %v", err)
	}

	binary.LittleEndian.PutUint32(data[4:], GGUFVersion)
	binary.LittleEndian.PutUint64(data[8:], 1)
	if _, err := parseGGUF(data); err == nil {
		t.Error("expected an error for a truncated tensor table")
	}
}

// rawGGUF encodes a single F32 tensor named "w" with the given dims and four
// bytes of data.
func rawGGUF(dims ...uint64) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, GGUFMagic)
	b = binary.LittleEndian.AppendUint32(b, GGUFVersion)
	b = binary.LittleEndian.AppendUint64(b, 1)
	b = binary.LittleEndian.AppendUint64(b, 0)
	b = binary.LittleEndian.AppendUint64(b, 1)
	b = append(b, 'w')
	b = binary.LittleEndian.AppendUint32(b, uint32(len(dims)))
	for _, d := range dims {
		b = binary.LittleEndian.AppendUint64(b, d)
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(GGMLTypeF32))
	b = binary.LittleEndian.AppendUint64(b, 0)
	for len(b)%ggufDefaultAlignment != 0 {
		b = append(b, 0)
	}
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(1))
}

func TestGGUFTensorBounds(t *testing.T) {
	tests := []struct {
		name string
		dims []uint64
	}{
		{"byte count wraps", []uint64{1 << 62, 1}},
		{"element count wraps", []uint64{1 << 32, 1 << 32}},
		{"past end of file", []uint64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.gguf")
			if err := os.WriteFile(path, rawGGUF(tt.dims...), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}

	path := filepath.Join(t.TempDir(), "ok.gguf")
	if err := os.WriteFile(path, rawGGUF(1), 0o644); err != nil {
		t.Fatal(err)
	}
	sd, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if w, ok := sd.Get("w"); !ok || w.Data()[0] != 1 {
		t.Errorf("expected tensor w = [1], got %v", w)
	}
}

func TestTorchStateDict(t *testing.T) {
	// A transposed 2x3 view over a 3x2 storage, offset by one element.
	storage := &pytorch.FloatStorage{Data: []float32{99, 1, 4, 2, 5, 3, 6}}
	transposed := &pytorch.Tensor{Source: storage, StorageOffset: 1, Size: []int{2, 3}, Stride: []int{1, 2}}
	bias := &pytorch.Tensor{Source: &pytorch.DoubleStorage{Data: []float64{0.5, 1.5}}, Size: []int{2}, Stride: []int{1}}

	inner := types.NewOrderedDict()
	inner.Set("module.head.weight", transposed)
	inner.Set("module.head.bias", bias)
	outer := types.NewDict()
	outer.Set("epoch", 300)
	outer.Set("model", inner)

	sd, err := torchStateDict(outer)
	if err != nil {
		t.Fatalf("torchStateDict failed: %v", err)
	}
	if diff := cmp.Diff([]string{"head.weight", "head.bias"}, sd.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	w, _ := sd.Get("head.weight")
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, w.Data()); diff != "" {
		t.Errorf("strided gather mismatch (-want +got):\n%s", diff)
	}
	b, _ := sd.Get("head.bias")
	if diff := cmp.Diff([]float32{0.5, 1.5}, b.Data()); diff != "" {
		t.Errorf("double storage mismatch (-want +got):\n%s", diff)
	}
}

func TestTorchStateDictErrors(t *testing.T) {
	if _, err := torchStateDict([]interface{}{1}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat for a list, got %v", err)
	}
	empty := types.NewDict()
	empty.Set("epoch", 1)
	if _, err := torchStateDict(empty); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat without tensors, got %v", err)
	}
	bad := types.NewDict()
	bad.Set("w", &pytorch.Tensor{Source: &pytorch.FloatStorage{Data: []float32{1}}, Size: []int{4}, Stride: []int{1}})
	if _, err := torchStateDict(bad); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for an out-of-range view, got %v", err)
	}
}

func writeOneflowParam(t *testing.T, root, name string, shape []int, dtype int, raw []byte) {
	t.Helper()
	var dims []byte
	for _, d := range shape {
		dims = protowire.AppendTag(dims, 1, protowire.VarintType)
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	var meta []byte
	meta = protowire.AppendTag(meta, 1, protowire.BytesType)
	meta = protowire.AppendBytes(meta, dims)
	meta = protowire.AppendTag(meta, 2, protowire.VarintType)
	meta = protowire.AppendVarint(meta, uint64(dtype))

	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, oneflowMetaFile), meta, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, oneflowDataFile), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func float32Bytes(vs ...float32) []byte {
	var b []byte
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

func TestLoadOneflowDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vit_tiny")
	writeOneflowParam(t, root, "norm.weight", []int{2}, oneflowFloat, float32Bytes(1, 1))
	writeOneflowParam(t, root, "cls_token", []int{1, 1, 2}, oneflowFloat, float32Bytes(0.25, -4))
	half := binary.LittleEndian.AppendUint16(nil, float16.Fromfloat32(0.5).Bits())
	writeOneflowParam(t, root, "head.bias", []int{1}, oneflowFloat16, half)

	sd, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff([]string{"cls_token", "head.bias", "norm.weight"}, sd.Keys()); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
	cls, _ := sd.Get("cls_token")
	if diff := cmp.Diff([]int{1, 1, 2}, cls.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	hb, _ := sd.Get("head.bias")
	if diff := cmp.Diff([]float32{0.5}, hb.Data()); diff != "" {
		t.Errorf("f16 mismatch (-want +got):\n%s", diff)
	}

	writeOneflowParam(t, root, "z", []int{1}, 5, []byte{1, 2, 3, 4})
	if _, err := Load(root); !errors.Is(err, ErrUnsupportedDType) {
		t.Errorf("expected ErrUnsupportedDType, got %v", err)
	}
}

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadZipArchive(t *testing.T) {
	dir := t.TempDir()
	st := filepath.Join(dir, "inner.safetensors")
	want := sampleStateDict()
	if err := SaveSafetensors(st, want, nil); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(st)
	if err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(dir, "vit_tiny_patch16_224.zip")
	writeZip(t, archive, map[string][]byte{"vit_tiny_patch16_224/model.safetensors": data})
	got, err := Load(archive)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	requireSameStateDict(t, want, got)
}

func TestUnzipRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string][]byte{"../escape.txt": []byte("x")})
	if err := Unzip(archive, filepath.Join(dir, "out")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); err == nil {
		t.Error("traversal entry was written")
	}
}

func TestDetect(t *testing.T) {
	dir := t.TempDir()
	gguf := filepath.Join(dir, "weights")
	if err := SaveGGUF(gguf, sampleStateDict(), nil, false); err != nil {
		t.Fatal(err)
	}
	if f, err := Detect(gguf); err != nil || f != FormatGGUF {
		t.Errorf("Detect by magic = %q, %v; want gguf", f, err)
	}
	if f, err := Detect(dir); err != nil || f != FormatOneFlow {
		t.Errorf("Detect(dir) = %q, %v; want oneflow", f, err)
	}
	if err := Save(filepath.Join(dir, "model.onnx"), sampleStateDict()); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat from Save, got %v", err)
	}
	empty := filepath.Join(dir, "empty")
	if err := os.Mkdir(empty, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(empty); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat for an empty dir, got %v", err)
	}
}

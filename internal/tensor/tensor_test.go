package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestNewAndReshape(t *testing.T) {
	x := New(2, 3, 4)
	if x.Len() != 24 {
		t.Fatalf("expected 24 elements, got %d", x.Len())
	}
	if x.Rows() != 6 || x.Cols() != 4 {
		t.Errorf("expected 6x4 rows/cols, got %dx%d", x.Rows(), x.Cols())
	}

	v, err := x.Reshape(-1, 4)
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if diff := cmp.Diff([]int{6, 4}, v.Shape()); diff != "" {
		t.Errorf("unexpected shape (-want +got):\n%s", diff)
	}
	v.Data()[0] = 7
	if x.Data()[0] != 7 {
		t.Error("expected reshape to share storage")
	}

	if _, err := x.Reshape(5, 5); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := x.Reshape(-1, -1); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for two inferred dims, got %v", err)
	}
}

func TestFromData(t *testing.T) {
	if _, err := FromData([]float32{1, 2, 3}, 2, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	x := MustFromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if diff := cmp.Diff([]float32{4, 5, 6}, x.Row(1)); diff != "" {
		t.Errorf("Row(1) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{4, 5, 6}, x.Sub(1).Data()); diff != "" {
		t.Errorf("Sub(1) mismatch (-want +got):\n%s", diff)
	}
	c := x.Clone()
	c.Data()[0] = 100
	if x.Data()[0] != 1 {
		t.Error("Clone must not share storage")
	}
}

func TestMatMulTransB(t *testing.T) {
	a := MustFromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := MustFromData([]float32{1, 0, 1, 0, 1, 0}, 2, 3)

	out, err := MatMulTransB(a, b)
	if err != nil {
		t.Fatalf("MatMulTransB failed: %v", err)
	}
	if diff := cmp.Diff([]float32{4, 2, 10, 5}, out.Data(), approx); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 2}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}

	batched := MustFromData([]float32{1, 2, 3, 4, 5, 6, 1, 2, 3, 4, 5, 6}, 2, 2, 3)
	out, err = MatMulTransB(batched, b)
	if err != nil {
		t.Fatalf("batched MatMulTransB failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 2, 2}, out.Shape()); diff != "" {
		t.Errorf("batched shape mismatch (-want +got):\n%s", diff)
	}

	if _, err := MatMulTransB(a, MustFromData([]float32{1, 2}, 1, 2)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestMatMul(t *testing.T) {
	a := MustFromData([]float32{1, 2, 3, 4}, 2, 2)
	b := MustFromData([]float32{5, 6, 7, 8}, 2, 2)
	out, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	if diff := cmp.Diff([]float32{19, 22, 43, 50}, out.Data(), approx); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := New(1, 10)
	for i := range x.Data() {
		x.Data()[i] = float32(1000 + i)
	}
	SoftmaxRows(x)

	sum := float32(0)
	for _, v := range x.Data() {
		if v < 0 || v > 1 {
			t.Fatalf("softmax value out of range: %v", v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax doesn't sum to 1: %v", sum)
	}
}

func TestLayerNormRows(t *testing.T) {
	rows := 70
	x := New(rows, 4)
	for r := 0; r < rows; r++ {
		copy(x.Row(r), []float32{1, 2, 3, 4})
	}
	out, err := LayerNormRows(x, []float32{1, 1, 1, 1}, []float32{0, 0, 0, 1}, 1e-6)
	if err != nil {
		t.Fatalf("LayerNormRows failed: %v", err)
	}
	// mean 2.5, biased variance 1.25
	s := float32(1 / math.Sqrt(1.25+1e-6))
	want := []float32{-1.5 * s, -0.5 * s, 0.5 * s, 1.5*s + 1}
	for r := 0; r < rows; r++ {
		if diff := cmp.Diff(want, out.Row(r), approx); diff != "" {
			t.Fatalf("row %d mismatch (-want +got):\n%s", r, diff)
		}
	}
	if x.Data()[0] != 1 {
		t.Error("LayerNormRows must not modify its input")
	}

	if _, err := LayerNormRows(x, []float32{1}, []float32{0}, 1e-6); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestGELU(t *testing.T) {
	x := MustFromData([]float32{-3, -1, 0, 1, 3}, 1, 5)
	GELU(x)
	// 0.5·x·(1 + erf(x/√2))
	want := []float32{-0.00404951, -0.15865525, 0, 0.84134475, 2.99595049}
	if diff := cmp.Diff(want, x.Data(), approx); diff != "" {
		t.Errorf("GELU mismatch (-want +got):\n%s", diff)
	}
}

func TestTanhAndScale(t *testing.T) {
	x := MustFromData([]float32{0, 1}, 2)
	x.Scale(2)
	Tanh(x)
	want := []float32{0, float32(math.Tanh(2))}
	if diff := cmp.Diff(want, x.Data(), approx); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAddBroadcastRow(t *testing.T) {
	x := MustFromData([]float32{1, 2, 3, 4}, 2, 2)
	if err := AddBroadcastRow(x, []float32{10, 20}); err != nil {
		t.Fatalf("AddBroadcastRow failed: %v", err)
	}
	if diff := cmp.Diff([]float32{11, 22, 13, 24}, x.Data()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if err := AddBroadcastRow(x, []float32{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if err := AddInPlace(x, New(3)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestConcatRows(t *testing.T) {
	cls := MustFromData([]float32{9, 9}, 1, 2)
	patches := MustFromData([]float32{1, 2, 3, 4}, 2, 2)
	out, err := ConcatRows(cls, patches)
	if err != nil {
		t.Fatalf("ConcatRows failed: %v", err)
	}
	if diff := cmp.Diff([]float32{9, 9, 1, 2, 3, 4}, out.Data()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3, 2}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	if _, err := ConcatRows(cls, New(1, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCountNonFinite(t *testing.T) {
	nan, inf := CountNonFinite([]float32{1, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))})
	if nan != 1 || inf != 2 {
		t.Errorf("expected 1 NaN and 2 Inf, got %d/%d", nan, inf)
	}
}

func TestAllocatedBytesTracksNew(t *testing.T) {
	before := AllocatedBytes()
	x := New(256)
	if AllocatedBytes()-before < 1024 {
		t.Errorf("expected at least 1024 tracked bytes, got %d", AllocatedBytes()-before)
	}
	_ = x.Len()
}

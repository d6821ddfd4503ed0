package tensor

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-vit/internal/metrics"
)

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// MatMulTransB computes a·bᵀ where a is [..., K] and b is [N, K]. The
// result has a's leading dimensions and N columns.
func MatMulTransB(a, b *Tensor) (*Tensor, error) {
	if b.NDim() != 2 || a.Cols() != b.Cols() {
		return nil, fmt.Errorf("%w: matmul %v x %vᵀ", ErrShapeMismatch, a.shape, b.shape)
	}
	start := time.Now()
	m, k, n := a.Rows(), a.Cols(), b.Dim(0)
	outShape := append(a.Shape()[:a.NDim()-1], n)
	out := New(outShape...)
	if m > 0 && n > 0 && k > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(a.data, m, k), general(b.data, n, k), 0, general(out.data, m, n))
	}
	metrics.RecordKernelDuration("matmul_tb", time.Since(start))
	return out, nil
}

// MatMul computes a·b for a [M, K] and b [K, N].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if b.NDim() != 2 || a.Cols() != b.Dim(0) {
		return nil, fmt.Errorf("%w: matmul %v x %v", ErrShapeMismatch, a.shape, b.shape)
	}
	start := time.Now()
	m, k, n := a.Rows(), a.Cols(), b.Dim(1)
	outShape := append(a.Shape()[:a.NDim()-1], n)
	out := New(outShape...)
	if m > 0 && n > 0 && k > 0 {
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a.data, m, k), general(b.data, k, n), 0, general(out.data, m, n))
	}
	metrics.RecordKernelDuration("matmul", time.Since(start))
	return out, nil
}

// AddInPlace adds src to dst element-wise.
func AddInPlace(dst, src *Tensor) error {
	if len(dst.data) != len(src.data) {
		return fmt.Errorf("%w: add %v + %v", ErrShapeMismatch, dst.shape, src.shape)
	}
	for i, v := range src.data {
		dst.data[i] += v
	}
	return nil
}

// AddBroadcastRow adds row to every row of dst.
func AddBroadcastRow(dst *Tensor, row []float32) error {
	if dst.Cols() != len(row) {
		return fmt.Errorf("%w: broadcast %d over %v", ErrShapeMismatch, len(row), dst.shape)
	}
	c := len(row)
	for i := 0; i < len(dst.data); i += c {
		r := dst.data[i : i+c]
		for j, v := range row {
			r[j] += v
		}
	}
	return nil
}

func (t *Tensor) Scale(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Softmax normalizes x in place, subtracting the max first.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// SoftmaxRows applies Softmax to every row of t.
func SoftmaxRows(t *Tensor) {
	c := t.Cols()
	parallelRows(t.Rows(), func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			Softmax(t.data[row*c : (row+1)*c])
		}
	})
}

// LayerNormRows normalizes every row of x to zero mean and unit (biased)
// variance, then applies weight and bias. x is left untouched.
func LayerNormRows(x *Tensor, weight, bias []float32, eps float32) (*Tensor, error) {
	size := x.Cols()
	if len(weight) != size || len(bias) != size {
		return nil, fmt.Errorf("%w: layer norm of %v with %d/%d affine", ErrShapeMismatch, x.shape, len(weight), len(bias))
	}
	out := New(x.Shape()...)
	parallelRows(x.Rows(), func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			in := x.data[row*size : (row+1)*size]
			o := out.data[row*size : (row+1)*size]
			var mean float64
			for _, v := range in {
				mean += float64(v)
			}
			mean /= float64(size)
			var variance float64
			for _, v := range in {
				d := float64(v) - mean
				variance += d * d
			}
			variance /= float64(size)
			inv := 1 / math.Sqrt(variance+float64(eps))
			for j, v := range in {
				o[j] = float32((float64(v)-mean)*inv)*weight[j] + bias[j]
			}
		}
	})
	return out, nil
}

// GELU applies the exact erf form in place.
func GELU(t *Tensor) {
	parallelRows(t.Rows(), func(rowStart, rowEnd int) {
		c := t.Cols()
		for i := rowStart * c; i < rowEnd*c; i++ {
			x := float64(t.data[i])
			t.data[i] = float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
		}
	})
}

func Tanh(t *Tensor) {
	for i, v := range t.data {
		t.data[i] = float32(math.Tanh(float64(v)))
	}
}

// ConcatRows stacks tensors along the first dimension. All inputs must
// share their trailing dimensions.
func ConcatRows(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat of nothing", ErrShapeMismatch)
	}
	inner := ts[0].shape[1:]
	rows := 0
	for _, t := range ts {
		if t.NDim() != len(inner)+1 {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShapeMismatch, ts[0].shape, t.shape)
		}
		for i, d := range inner {
			if t.shape[i+1] != d {
				return nil, fmt.Errorf("%w: concat %v with %v", ErrShapeMismatch, ts[0].shape, t.shape)
			}
		}
		rows += t.shape[0]
	}
	out := New(append([]int{rows}, inner...)...)
	off := 0
	for _, t := range ts {
		off += copy(out.data[off:], t.data)
	}
	return out, nil
}

// CountNonFinite returns the number of NaN and ±Inf values in data.
func CountNonFinite(data []float32) (nan, inf int) {
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			nan++
		case math.IsInf(f, 0):
			inf++
		}
	}
	return nan, inf
}

// Package tensor is a forward-only float32 N-d array with the handful of
// kernels a vision transformer needs.
package tensor

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-vit/internal/metrics"
)

var ErrShapeMismatch = errors.New("shape mismatch")

var allocatedBytes int64

func traceAlloc(delta int64) {
	atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordTensorMemory(delta)
}

// AllocatedBytes reports bytes held by tensors created with New or Clone
// that have not been collected yet.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Tensor is a dense row-major float32 array. Views created by Reshape share
// the backing slice.
type Tensor struct {
	data  []float32
	shape []int
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
		}
	}
	n := numel(shape)
	t := &Tensor{data: make([]float32, n), shape: append([]int(nil), shape...)}
	track(t, int64(n)*4)
	return t
}

func track(t *Tensor, size int64) {
	if size == 0 {
		return
	}
	traceAlloc(size)
	runtime.AddCleanup(t, func(n int64) { traceAlloc(-n) }, size)
}

// FromData wraps data without copying.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if n := numel(shape); n != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v (want %d)", ErrShapeMismatch, len(data), shape, n)
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...)}, nil
}

// MustFromData is FromData for literals in tests and tables.
func MustFromData(data []float32, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) NDim() int { return len(t.shape) }

func (t *Tensor) Len() int { return len(t.data) }

func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Clone() *Tensor {
	c := &Tensor{data: append([]float32(nil), t.data...), shape: t.Shape()}
	track(c, int64(len(c.data))*4)
	return c
}

// Reshape returns a view with a new shape. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("%w: more than one inferred dimension in %v", ErrShapeMismatch, shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 && known > 0 {
		shape[infer] = len(t.data) / known
	}
	if numel(shape) != len(t.data) {
		return nil, fmt.Errorf("%w: cannot view %v as %v", ErrShapeMismatch, t.shape, shape)
	}
	return &Tensor{data: t.data, shape: shape}, nil
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// Cols is the size of the last dimension; Rows is everything before it.
func (t *Tensor) Cols() int {
	if len(t.shape) == 0 {
		return 1
	}
	return t.shape[len(t.shape)-1]
}

func (t *Tensor) Rows() int {
	c := t.Cols()
	if c == 0 {
		return 0
	}
	return len(t.data) / c
}

// Row returns the i-th slice along the last dimension (shared storage).
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.data[i*c : (i+1)*c]
}

// Sub returns the i-th sub-tensor along the first dimension (shared storage).
func (t *Tensor) Sub(i int) *Tensor {
	inner := t.shape[1:]
	n := numel(inner)
	return &Tensor{data: t.data[i*n : (i+1)*n], shape: append([]int(nil), inner...)}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

// parallelRows splits [0, rows) into one chunk per CPU.
func parallelRows(rows int, fn func(rowStart, rowEnd int)) {
	if rows <= 0 {
		return
	}
	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	if rows < 64 {
		fn(0, rows)
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := i + chunkSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

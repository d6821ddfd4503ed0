// Package nn holds the layers a vision transformer is assembled from. Every
// layer owns its parameters as tensors and registers them in a StateDict
// under PyTorch-style dotted names.
package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

// Pass carries per-forward state. A nil Rand is only valid in eval mode.
type Pass struct {
	Training bool
	Rand     *rand.Rand
}

// Linear computes y = x·Wᵀ + b with W shaped [out, in].
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

func NewLinear(r *rand.Rand, in, out int, bias bool) *Linear {
	l := &Linear{Weight: tensor.New(out, in)}
	kaimingDefault(r, l.Weight.Data(), in)
	if bias {
		l.Bias = tensor.New(out)
		kaimingDefault(r, l.Bias.Data(), in)
	}
	return l
}

func (l *Linear) In() int  { return l.Weight.Dim(1) }
func (l *Linear) Out() int { return l.Weight.Dim(0) }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.MatMulTransB(x, l.Weight)
	if err != nil {
		return nil, err
	}
	if l.Bias != nil {
		if err := tensor.AddBroadcastRow(y, l.Bias.Data()); err != nil {
			return nil, err
		}
	}
	return y, nil
}

func (l *Linear) Register(prefix string, sd *tensor.StateDict) {
	sd.Set(prefix+".weight", l.Weight)
	if l.Bias != nil {
		sd.Set(prefix+".bias", l.Bias)
	}
}

type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

func NewLayerNorm(dim int, eps float32) *LayerNorm {
	ln := &LayerNorm{Weight: tensor.New(dim), Bias: tensor.New(dim), Eps: eps}
	ln.Reset()
	return ln
}

// Reset restores weight to ones and bias to zeros.
func (ln *LayerNorm) Reset() {
	Ones(ln.Weight.Data())
	Zeros(ln.Bias.Data())
}

func (ln *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNormRows(x, ln.Weight.Data(), ln.Bias.Data(), ln.Eps)
}

func (ln *LayerNorm) Register(prefix string, sd *tensor.StateDict) {
	sd.Set(prefix+".weight", ln.Weight)
	sd.Set(prefix+".bias", ln.Bias)
}

// Mlp is fc1 → GELU → dropout → fc2 → dropout.
type Mlp struct {
	FC1  *Linear
	FC2  *Linear
	Drop float64
}

func NewMlp(r *rand.Rand, in, hidden, out int, drop float64) *Mlp {
	return &Mlp{
		FC1:  NewLinear(r, in, hidden, true),
		FC2:  NewLinear(r, hidden, out, true),
		Drop: drop,
	}
}

func (m *Mlp) Forward(x *tensor.Tensor, pass Pass) (*tensor.Tensor, error) {
	h, err := m.FC1.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("fc1: %w", err)
	}
	tensor.GELU(h)
	Dropout(h, m.Drop, pass)
	out, err := m.FC2.Forward(h)
	if err != nil {
		return nil, fmt.Errorf("fc2: %w", err)
	}
	Dropout(out, m.Drop, pass)
	return out, nil
}

func (m *Mlp) Register(prefix string, sd *tensor.StateDict) {
	m.FC1.Register(prefix+".fc1", sd)
	m.FC2.Register(prefix+".fc2", sd)
}

// Dropout zeroes elements with probability p and rescales survivors by
// 1/(1-p). It is a no-op outside training.
func Dropout(x *tensor.Tensor, p float64, pass Pass) {
	if !pass.Training || p <= 0 {
		return
	}
	scale := float32(1 / (1 - p))
	data := x.Data()
	for i := range data {
		if pass.Rand.Float64() < p {
			data[i] = 0
		} else {
			data[i] *= scale
		}
	}
}

// DropPath drops the whole residual branch x of one sample with
// probability p, scaling it by 1/(1-p) when kept.
func DropPath(x *tensor.Tensor, p float64, pass Pass) {
	if !pass.Training || p <= 0 {
		return
	}
	keep := 1 - p
	if pass.Rand.Float64() >= keep {
		x.Fill(0)
		return
	}
	x.Scale(float32(1 / keep))
}

package vit

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/23skdu/longbow-vit/internal/nn"
	"github.com/23skdu/longbow-vit/internal/tensor"
)

// Attention is multi-head self-attention over one sample's tokens. The qkv
// projection emits, per token, all queries, then all keys, then all values,
// each split into heads of D/H contiguous features.
type Attention struct {
	QKV      *nn.Linear
	Proj     *nn.Linear
	NumHeads int
	Scale    float32
	AttnDrop float64
	ProjDrop float64
}

func NewAttention(r *rand.Rand, dim, numHeads int, qkvBias bool, attnDrop, projDrop float64) *Attention {
	headDim := dim / numHeads
	return &Attention{
		QKV:      nn.NewLinear(r, dim, dim*3, qkvBias),
		Proj:     nn.NewLinear(r, dim, dim, true),
		NumHeads: numHeads,
		Scale:    float32(1 / math.Sqrt(float64(headDim))),
		AttnDrop: attnDrop,
		ProjDrop: projDrop,
	}
}

// Forward maps [N, D] tokens to [N, D].
func (a *Attention) Forward(x *tensor.Tensor, pass nn.Pass) (*tensor.Tensor, error) {
	n, dim := x.Rows(), x.Cols()
	hd := dim / a.NumHeads
	qkv, err := a.QKV.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("qkv: %w", err)
	}
	merged := tensor.New(n, dim)
	q := tensor.New(n, hd)
	k := tensor.New(n, hd)
	v := tensor.New(n, hd)
	for h := 0; h < a.NumHeads; h++ {
		for t := 0; t < n; t++ {
			row := qkv.Row(t)
			copy(q.Row(t), row[h*hd:(h+1)*hd])
			copy(k.Row(t), row[dim+h*hd:dim+(h+1)*hd])
			copy(v.Row(t), row[2*dim+h*hd:2*dim+(h+1)*hd])
		}
		scores, err := tensor.MatMulTransB(q, k)
		if err != nil {
			return nil, err
		}
		scores.Scale(a.Scale)
		tensor.SoftmaxRows(scores)
		nn.Dropout(scores, a.AttnDrop, pass)
		ctx, err := tensor.MatMul(scores, v)
		if err != nil {
			return nil, err
		}
		for t := 0; t < n; t++ {
			copy(merged.Row(t)[h*hd:(h+1)*hd], ctx.Row(t))
		}
	}
	out, err := a.Proj.Forward(merged)
	if err != nil {
		return nil, fmt.Errorf("proj: %w", err)
	}
	nn.Dropout(out, a.ProjDrop, pass)
	return out, nil
}

func (a *Attention) Register(prefix string, sd *tensor.StateDict) {
	a.QKV.Register(prefix+".qkv", sd)
	a.Proj.Register(prefix+".proj", sd)
}

// Block is a pre-norm transformer encoder layer.
type Block struct {
	Norm1    *nn.LayerNorm
	Attn     *Attention
	DropPath float64
	Norm2    *nn.LayerNorm
	Mlp      *nn.Mlp
}

func NewBlock(r *rand.Rand, dim, numHeads int, mlpHidden int, qkvBias bool, drop, attnDrop, dropPath float64, eps float32) *Block {
	return &Block{
		Norm1:    nn.NewLayerNorm(dim, eps),
		Attn:     NewAttention(r, dim, numHeads, qkvBias, attnDrop, drop),
		DropPath: dropPath,
		Norm2:    nn.NewLayerNorm(dim, eps),
		Mlp:      nn.NewMlp(r, dim, mlpHidden, dim, drop),
	}
}

// Forward updates the residual stream x in place.
func (b *Block) Forward(x *tensor.Tensor, pass nn.Pass) error {
	h, err := b.Norm1.Forward(x)
	if err != nil {
		return err
	}
	if h, err = b.Attn.Forward(h, pass); err != nil {
		return fmt.Errorf("attn: %w", err)
	}
	nn.DropPath(h, b.DropPath, pass)
	if err := tensor.AddInPlace(x, h); err != nil {
		return err
	}

	if h, err = b.Norm2.Forward(x); err != nil {
		return err
	}
	if h, err = b.Mlp.Forward(h, pass); err != nil {
		return fmt.Errorf("mlp: %w", err)
	}
	nn.DropPath(h, b.DropPath, pass)
	return tensor.AddInPlace(x, h)
}

func (b *Block) Register(prefix string, sd *tensor.StateDict) {
	b.Norm1.Register(prefix+".norm1", sd)
	b.Attn.Register(prefix+".attn", sd)
	b.Norm2.Register(prefix+".norm2", sd)
	b.Mlp.Register(prefix+".mlp", sd)
}

// dropPathSchedule spreads rate linearly from 0 at the first block to rate
// at the last.
func dropPathSchedule(rate float64, depth int) []float64 {
	out := make([]float64, depth)
	if depth == 1 {
		return out
	}
	for i := range out {
		out[i] = rate * float64(i) / float64(depth-1)
	}
	return out
}

func blockPrefix(i int) string {
	return "blocks." + strconv.Itoa(i)
}

// Package vit implements the Vision Transformer and its distilled (DeiT)
// variant as a forward-only module.
package vit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/nn"
	"github.com/23skdu/longbow-vit/internal/tensor"
)

type VisionTransformer struct {
	// Name labels metrics and logs; the registry sets it to the catalog name.
	Name string

	PatchEmbed *nn.PatchEmbed
	ClsToken   *tensor.Tensor // [1, 1, D]
	DistToken  *tensor.Tensor // [1, 1, D], nil unless distilled
	PosEmbed   *tensor.Tensor // [1, N+T, D]
	Blocks     []*Block
	Norm       *nn.LayerNorm
	PreLogits  *nn.Linear // nil without a representation layer
	Head       *nn.Linear // nil means identity
	HeadDist   *nn.Linear

	cfg config.Model

	mu       sync.Mutex
	rng      *rand.Rand
	training bool
}

// Output holds the result of Forward. DistLogits is only set for distilled
// models in training mode; in eval mode Logits is already the average of
// both heads.
type Output struct {
	Logits     *tensor.Tensor
	DistLogits *tensor.Tensor
}

// Features holds the pooled token(s) fed to the heads. Dist is only set
// for distilled models.
type Features struct {
	Cls  *tensor.Tensor
	Dist *tensor.Tensor
}

// New builds a model in eval mode and initializes it with cfg.WeightInit.
func New(cfg config.Model) (*VisionTransformer, error) {
	if err := validMode(cfg.WeightInit); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := nn.NewRand(cfg.Seed)
	d := cfg.EmbedDim

	v := &VisionTransformer{
		Name:       "vit",
		PatchEmbed: nn.NewPatchEmbed(r, cfg.ImgSize, cfg.PatchSize, cfg.InChans, d),
		ClsToken:   tensor.New(1, 1, d),
		PosEmbed:   tensor.New(1, cfg.NumPatches()+cfg.NumTokens(), d),
		Norm:       nn.NewLayerNorm(d, cfg.LayerNormEps),
		cfg:        cfg,
		rng:        r,
	}
	if cfg.Distilled {
		v.DistToken = tensor.New(1, 1, d)
	}

	dpr := dropPathSchedule(cfg.DropPathRate, cfg.Depth)
	v.Blocks = make([]*Block, cfg.Depth)
	for i := range v.Blocks {
		v.Blocks[i] = NewBlock(r, d, cfg.NumHeads, cfg.MLPHiddenDim(), cfg.QKVBias,
			cfg.DropRate, cfg.AttnDropRate, dpr[i], cfg.LayerNormEps)
	}

	if cfg.HasPreLogits() {
		v.PreLogits = nn.NewLinear(r, d, cfg.RepresentationSize, true)
	}
	if cfg.NumClasses > 0 {
		v.Head = nn.NewLinear(r, cfg.NumFeatures(), cfg.NumClasses, true)
		if cfg.Distilled {
			v.HeadDist = nn.NewLinear(r, d, cfg.NumClasses, true)
		}
	}

	if err := v.InitWeights(cfg.WeightInit); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VisionTransformer) Config() config.Model { return v.cfg }

func (v *VisionTransformer) NumTokens() int { return v.cfg.NumTokens() }

func (v *VisionTransformer) NumFeatures() int { return v.cfg.NumFeatures() }

// Train enables dropout and stochastic depth.
func (v *VisionTransformer) Train() {
	v.mu.Lock()
	v.training = true
	v.mu.Unlock()
}

func (v *VisionTransformer) Eval() {
	v.mu.Lock()
	v.training = false
	v.mu.Unlock()
}

func (v *VisionTransformer) Training() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.training
}

// passes hands each sample its own generator so parallel samples never
// share random state.
func (v *VisionTransformer) passes(batch int) []nn.Pass {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]nn.Pass, batch)
	for i := range out {
		out[i].Training = v.training
		if v.training {
			out[i].Rand = nn.NewRand(v.rng.Uint64())
		}
	}
	return out
}

// ForwardFeatures runs the encoder on [B, C, H, W] images.
func (v *VisionTransformer) ForwardFeatures(ctx context.Context, x *tensor.Tensor) (*Features, error) {
	patches, err := v.PatchEmbed.Forward(x)
	if err != nil {
		metrics.RecordValidationError("forward", "input_shape")
		return nil, fmt.Errorf("patch embed: %w", err)
	}
	b, d := patches.Dim(0), v.cfg.EmbedDim
	passes := v.passes(b)

	cls := tensor.New(b, d)
	var dist *tensor.Tensor
	if v.DistToken != nil {
		dist = tensor.New(b, d)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := 0; i < b; i++ {
		g.Go(func() error {
			tokens, err := v.encode(ctx, patches.Sub(i), passes[i])
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			copy(cls.Row(i), tokens.Row(0))
			if dist != nil {
				copy(dist.Row(i), tokens.Row(1))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if v.PreLogits != nil {
		pooled, err := v.PreLogits.Forward(cls)
		if err != nil {
			return nil, fmt.Errorf("pre_logits: %w", err)
		}
		tensor.Tanh(pooled)
		cls = pooled
	}
	return &Features{Cls: cls, Dist: dist}, nil
}

// encode runs one sample's [N, D] patch tokens through the encoder and
// returns the normalized [N+T, D] sequence.
func (v *VisionTransformer) encode(ctx context.Context, patches *tensor.Tensor, pass nn.Pass) (*tensor.Tensor, error) {
	prefix := []*tensor.Tensor{mustRows(v.ClsToken)}
	if v.DistToken != nil {
		prefix = append(prefix, mustRows(v.DistToken))
	}
	x, err := tensor.ConcatRows(append(prefix, patches)...)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddInPlace(x, v.PosEmbed); err != nil {
		return nil, fmt.Errorf("pos_embed: %w", err)
	}
	nn.Dropout(x, v.cfg.DropRate, pass)

	for i, blk := range v.Blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := blk.Forward(x, pass); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return v.Norm.Forward(x)
}

// mustRows views a [1, 1, D] token as [1, D].
func mustRows(t *tensor.Tensor) *tensor.Tensor {
	r, err := t.Reshape(1, -1)
	if err != nil {
		panic(err)
	}
	return r
}

// Forward classifies [B, C, H, W] images.
func (v *VisionTransformer) Forward(ctx context.Context, x *tensor.Tensor) (*Output, error) {
	start := time.Now()
	feats, err := v.ForwardFeatures(ctx, x)
	if err != nil {
		return nil, err
	}

	logits, err := applyHead(v.Head, feats.Cls)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	out := &Output{Logits: logits}

	if feats.Dist != nil {
		distLogits, err := applyHead(v.HeadDist, feats.Dist)
		if err != nil {
			return nil, fmt.Errorf("head_dist: %w", err)
		}
		if v.Training() {
			out.DistLogits = distLogits
		} else {
			avg := logits.Clone()
			if err := tensor.AddInPlace(avg, distLogits); err != nil {
				return nil, err
			}
			avg.Scale(0.5)
			out.Logits = avg
		}
	}

	if nan, inf := tensor.CountNonFinite(out.Logits.Data()); nan+inf > 0 {
		metrics.RecordNumericalInstability("logits", nan, inf)
		logger.Log.Warn("non-finite logits", "model", v.Name, "nan", nan, "inf", inf)
	}
	metrics.RecordForward(v.Name, x.Dim(0), time.Since(start))
	logger.Log.Timed("forward", start, "model", v.Name, "batch", x.Dim(0))
	return out, nil
}

// applyHead treats a nil head as identity.
func applyHead(head *nn.Linear, x *tensor.Tensor) (*tensor.Tensor, error) {
	if head == nil {
		return x, nil
	}
	return head.Forward(x)
}

// NumParams counts the elements of every parameter.
func (v *VisionTransformer) NumParams() int64 {
	return v.StateDict().NumElements()
}

package config

import (
	"fmt"
	"strings"
)

// Weight init schemes accepted by Model.WeightInit.
const (
	WeightInitDefault = ""
	WeightInitJAX     = "jax"
	WeightInitJAXNLHB = "jax_nlhb"
	WeightInitNLHB    = "nlhb"
)

// Model holds the hyperparameters of a VisionTransformer.
type Model struct {
	ImgSize   int
	PatchSize int
	InChans   int

	NumClasses int
	EmbedDim   int
	Depth      int
	NumHeads   int
	MLPRatio   float64
	QKVBias    bool

	// RepresentationSize enables the tanh pre-logits layer when > 0 and the
	// model is not distilled.
	RepresentationSize int
	Distilled          bool

	DropRate     float64
	AttnDropRate float64
	DropPathRate float64
	WeightInit   string
	LayerNormEps float32

	// Seed drives parameter initialization and dropout masks.
	Seed uint64
}

func Default() Model {
	return Model{
		ImgSize:      224,
		PatchSize:    16,
		InChans:      3,
		NumClasses:   1000,
		EmbedDim:     768,
		Depth:        12,
		NumHeads:     12,
		MLPRatio:     4.0,
		QKVBias:      true,
		LayerNormEps: 1e-6,
	}
}

func (c *Model) Validate() error {
	if c.ImgSize <= 0 {
		return fmt.Errorf("invalid img_size: %d (must be positive)", c.ImgSize)
	}
	if c.PatchSize <= 0 {
		return fmt.Errorf("invalid patch_size: %d (must be positive)", c.PatchSize)
	}
	if c.PatchSize > c.ImgSize {
		return fmt.Errorf("invalid patch_size: %d (must not exceed img_size %d)", c.PatchSize, c.ImgSize)
	}
	if c.InChans <= 0 {
		return fmt.Errorf("invalid in_chans: %d (must be positive)", c.InChans)
	}
	if c.NumClasses < 0 {
		return fmt.Errorf("invalid num_classes: %d (must be non-negative)", c.NumClasses)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("invalid embed_dim: %d (must be positive)", c.EmbedDim)
	}
	if c.Depth <= 0 {
		return fmt.Errorf("invalid depth: %d (must be positive)", c.Depth)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("embed_dim %d is not divisible by num_heads %d", c.EmbedDim, c.NumHeads)
	}
	if c.MLPRatio <= 0 {
		return fmt.Errorf("invalid mlp_ratio: %v (must be positive)", c.MLPRatio)
	}
	if c.RepresentationSize < 0 {
		return fmt.Errorf("invalid representation_size: %d (must be non-negative)", c.RepresentationSize)
	}
	for name, p := range map[string]float64{
		"drop_rate":      c.DropRate,
		"attn_drop_rate": c.AttnDropRate,
		"drop_path_rate": c.DropPathRate,
	} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("invalid %s: %v (must be in [0, 1))", name, p)
		}
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("invalid layer_norm_eps: %v (must be positive)", c.LayerNormEps)
	}
	switch c.WeightInit {
	case WeightInitDefault, WeightInitJAX, WeightInitJAXNLHB, WeightInitNLHB:
	default:
		return fmt.Errorf("invalid weight_init: %q", c.WeightInit)
	}
	return nil
}

// NumTokens is the number of prefix tokens (class, plus distillation when distilled).
func (c *Model) NumTokens() int {
	if c.Distilled {
		return 2
	}
	return 1
}

// GridSize is the patch grid side; pixels past the last full patch are
// dropped, as a stride-P convolution does.
func (c *Model) GridSize() int {
	return c.ImgSize / c.PatchSize
}

func (c *Model) NumPatches() int {
	g := c.GridSize()
	return g * g
}

// HasPreLogits reports whether the representation layer is built.
func (c *Model) HasPreLogits() bool {
	return c.RepresentationSize > 0 && !c.Distilled
}

// NumFeatures is the width of the features fed to the main head.
func (c *Model) NumFeatures() int {
	if c.HasPreLogits() {
		return c.RepresentationSize
	}
	return c.EmbedDim
}

func (c *Model) MLPHiddenDim() int {
	return int(float64(c.EmbedDim) * c.MLPRatio)
}

// NumParams counts parameters without allocating the model.
func (c *Model) NumParams() int64 {
	d := int64(c.EmbedDim)
	hidden := int64(c.MLPHiddenDim())
	linear := func(in, out int64, bias bool) int64 {
		n := in * out
		if bias {
			n += out
		}
		return n
	}

	p := int64(c.InChans*c.PatchSize*c.PatchSize)*d + d // patch_embed.proj
	p += d                                                // cls_token
	if c.Distilled {
		p += d
	}
	p += int64(c.NumPatches()+c.NumTokens()) * d // pos_embed

	block := 2*d + linear(d, 3*d, c.QKVBias) + linear(d, d, true) +
		2*d + linear(d, hidden, true) + linear(hidden, d, true)
	p += int64(c.Depth) * block
	p += 2 * d // norm

	if c.HasPreLogits() {
		p += linear(d, int64(c.RepresentationSize), true)
	}
	if c.NumClasses > 0 {
		p += linear(int64(c.NumFeatures()), int64(c.NumClasses), true)
		if c.Distilled {
			p += linear(d, int64(c.NumClasses), true)
		}
	}
	return p
}

// IsJAXInit reports whether WeightInit selects one of the jax schemes.
func (c *Model) IsJAXInit() bool {
	return strings.HasPrefix(c.WeightInit, WeightInitJAX)
}

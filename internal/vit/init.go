package vit

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/nn"
)

var ErrInvalidWeightInit = errors.New("invalid weight init mode")

func validMode(mode string) error {
	switch mode {
	case config.WeightInitDefault, config.WeightInitJAX, config.WeightInitJAXNLHB, config.WeightInitNLHB:
		return nil
	}
	return fmt.Errorf("%w: %q (want one of \"\", jax, jax_nlhb, nlhb)", ErrInvalidWeightInit, mode)
}

type namedLinear struct {
	name string
	l    *nn.Linear
}

func (v *VisionTransformer) linears() []namedLinear {
	var out []namedLinear
	for i, b := range v.Blocks {
		p := blockPrefix(i)
		out = append(out,
			namedLinear{p + ".attn.qkv", b.Attn.QKV},
			namedLinear{p + ".attn.proj", b.Attn.Proj},
			namedLinear{p + ".mlp.fc1", b.Mlp.FC1},
			namedLinear{p + ".mlp.fc2", b.Mlp.FC2},
		)
	}
	if v.PreLogits != nil {
		out = append(out, namedLinear{"pre_logits.fc", v.PreLogits})
	}
	if v.Head != nil {
		out = append(out, namedLinear{"head", v.Head})
	}
	if v.HeadDist != nil {
		out = append(out, namedLinear{"head_dist", v.HeadDist})
	}
	return out
}

func (v *VisionTransformer) layerNorms() []*nn.LayerNorm {
	out := make([]*nn.LayerNorm, 0, 2*len(v.Blocks)+1)
	for _, b := range v.Blocks {
		out = append(out, b.Norm1, b.Norm2)
	}
	return append(out, v.Norm)
}

// InitWeights re-initializes every parameter.
//
// Position and distillation tokens always get a 0.02 truncated normal and
// LayerNorms reset to ones/zeros. The jax modes leave the class token at
// zero, zero the heads with a constant bias of -ln(num_classes) for
// jax_nlhb, use lecun normal for the representation layer and the patch
// projection, and xavier uniform elsewhere with a tiny normal bias on MLP
// layers. The other modes draw the class token and every linear weight
// from a 0.02 truncated normal with zero biases and keep the patch
// projection as constructed, so nlhb behaves like the default.
func (v *VisionTransformer) InitWeights(mode string) error {
	if err := validMode(mode); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	r := v.rng
	v.cfg.WeightInit = mode

	headBias := 0.0
	if strings.Contains(mode, "nlhb") && v.cfg.NumClasses > 0 {
		headBias = -math.Log(float64(v.cfg.NumClasses))
	}

	nn.TruncNormalStd(r, v.PosEmbed.Data(), 0.02)
	if v.DistToken != nil {
		nn.TruncNormalStd(r, v.DistToken.Data(), 0.02)
	}

	jax := v.cfg.IsJAXInit()
	if jax {
		nn.Zeros(v.ClsToken.Data())
	} else {
		nn.TruncNormalStd(r, v.ClsToken.Data(), 0.02)
	}

	for _, nl := range v.linears() {
		w := nl.l.Weight.Data()
		var b []float32
		if nl.l.Bias != nil {
			b = nl.l.Bias.Data()
		}
		switch {
		case !jax:
			nn.TruncNormalStd(r, w, 0.02)
			nn.Zeros(b)
		case strings.HasPrefix(nl.name, "head"):
			nn.Zeros(w)
			nn.Constant(b, float32(headBias))
		case strings.HasPrefix(nl.name, "pre_logits"):
			nn.LecunNormal(r, w, nl.l.In())
			nn.Zeros(b)
		default:
			nn.XavierUniform(r, w, nl.l.In(), nl.l.Out())
			if strings.Contains(nl.name, "mlp") {
				nn.Normal(r, b, 0, 1e-6)
			} else {
				nn.Zeros(b)
			}
		}
	}

	if jax {
		nn.LecunNormal(r, v.PatchEmbed.Weight.Data(), v.PatchEmbed.FanIn())
		nn.Zeros(v.PatchEmbed.Bias.Data())
	}

	for _, ln := range v.layerNorms() {
		ln.Reset()
	}
	return nil
}

package vit

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/tensor"
)

// StateDict returns the live parameters in module order. Writing into the
// returned tensors updates the model.
func (v *VisionTransformer) StateDict() *tensor.StateDict {
	sd := tensor.NewStateDict()
	sd.Set("cls_token", v.ClsToken)
	if v.DistToken != nil {
		sd.Set("dist_token", v.DistToken)
	}
	sd.Set("pos_embed", v.PosEmbed)
	v.PatchEmbed.Register("patch_embed", sd)
	for i, b := range v.Blocks {
		b.Register(blockPrefix(i), sd)
	}
	v.Norm.Register("norm", sd)
	if v.PreLogits != nil {
		v.PreLogits.Register("pre_logits.fc", sd)
	}
	if v.Head != nil {
		v.Head.Register("head", sd)
	}
	if v.HeadDist != nil {
		v.HeadDist.Register("head_dist", sd)
	}
	return sd
}

type LoadOptions struct {
	// NonStrict tolerates missing and unexpected keys.
	NonStrict bool
	// SkipMismatchedHead keeps the fresh head when a checkpoint was trained
	// for a different number of classes.
	SkipMismatchedHead bool
	// DisablePosEmbedResize reports a differently sized pos_embed as a
	// mismatch instead of interpolating it.
	DisablePosEmbedResize bool
}

type ShapeMismatch struct {
	Name string
	Want []int
	Got  []int
}

// LoadError lists every problem found while matching a state dict.
type LoadError struct {
	Missing    []string
	Unexpected []string
	Mismatched []ShapeMismatch
}

func (e *LoadError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing keys: %s", strings.Join(e.Missing, ", ")))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("unexpected keys: %s", strings.Join(e.Unexpected, ", ")))
	}
	for _, m := range e.Mismatched {
		parts = append(parts, fmt.Sprintf("size mismatch for %s: checkpoint %v, model %v", m.Name, m.Got, m.Want))
	}
	return "error(s) in loading state dict: " + strings.Join(parts, "; ")
}

func isHead(name string) bool {
	return strings.HasPrefix(name, "head.") || strings.HasPrefix(name, "head_dist.")
}

// LoadStateDict copies checkpoint tensors into the model. Nothing is
// modified when an error is returned.
func (v *VisionTransformer) LoadStateDict(sd *tensor.StateDict, opts LoadOptions) error {
	own := v.StateDict()
	lerr := &LoadError{}
	staged := make(map[string]*tensor.Tensor, own.Len())

	for name, dst := range own.All() {
		src, ok := sd.Get(name)
		if !ok {
			lerr.Missing = append(lerr.Missing, name)
			continue
		}
		if src.Len() == dst.Len() && (src.SameShape(dst) || name == "cls_token" || name == "dist_token") {
			staged[name] = src
			continue
		}
		switch {
		case name == "pos_embed" && !opts.DisablePosEmbedResize && src.NDim() == 3 && src.Dim(2) == dst.Dim(2):
			g := v.PatchEmbed.GridSize()
			resized, err := ResizePosEmbed(src, dst.Dim(1), v.NumTokens(), [2]int{g, g})
			if err != nil {
				return fmt.Errorf("resize pos_embed: %w", err)
			}
			staged[name] = resized
		case opts.SkipMismatchedHead && isHead(name):
			logger.Log.Info("skipping head with mismatched shape", "key", name, "checkpoint", src.Shape(), "model", dst.Shape())
		default:
			lerr.Mismatched = append(lerr.Mismatched, ShapeMismatch{Name: name, Want: dst.Shape(), Got: src.Shape()})
		}
	}
	for name := range sd.All() {
		if !own.Has(name) {
			lerr.Unexpected = append(lerr.Unexpected, name)
		}
	}

	if len(lerr.Mismatched) > 0 {
		return lerr
	}
	if !opts.NonStrict && (len(lerr.Missing) > 0 || len(lerr.Unexpected) > 0) {
		return lerr
	}
	if len(lerr.Missing) > 0 || len(lerr.Unexpected) > 0 {
		logger.Log.Warn("partial state dict load", "model", v.Name,
			"missing", lerr.Missing, "unexpected", lerr.Unexpected)
	}

	for name, src := range staged {
		dst, _ := own.Get(name)
		copy(dst.Data(), src.Data())
	}
	logger.Log.Debug("state dict loaded", "model", v.Name, "tensors", len(staged))
	return nil
}

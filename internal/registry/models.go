package registry

import (
	"github.com/23skdu/longbow-vit/internal/config"
	"github.com/23skdu/longbow-vit/internal/imageproc"
)

// DefaultBaseURL hosts the published checkpoints, one zip per model.
const DefaultBaseURL = "https://oneflow-public.oss-cn-beijing.aliyuncs.com/model_zoo/flowvision/classification/VisionTransformer"

// Default holds every built-in architecture.
var Default = New()

func init() {
	registerDefaults(Default)
}

type arch struct {
	img, patch, dim, depth, heads int
}

var (
	tiny16     = arch{224, 16, 192, 12, 3}
	small32    = arch{224, 32, 384, 12, 6}
	small16    = arch{224, 16, 384, 12, 6}
	base32     = arch{224, 32, 768, 12, 12}
	base16     = arch{224, 16, 768, 12, 12}
	base8      = arch{224, 8, 768, 12, 12}
	large32    = arch{224, 32, 1024, 24, 16}
	large16    = arch{224, 16, 1024, 24, 16}
	huge14     = arch{224, 14, 1280, 32, 16}
	giant14    = arch{224, 14, 1408, 40, 16}
	gigantic14 = arch{224, 14, 1664, 48, 16}
)

func (a arch) at(img int) arch {
	a.img = img
	return a
}

func (a arch) config() config.Model {
	c := config.Default()
	c.ImgSize = a.img
	c.PatchSize = a.patch
	c.EmbedDim = a.dim
	c.Depth = a.depth
	c.NumHeads = a.heads
	return c
}

func weights(file string) string { return DefaultBaseURL + "/" + file + ".zip" }

func vitPreprocess(img int) imageproc.Options {
	crop := 0.9
	if img >= 384 {
		crop = 1.0
	}
	return imageproc.Options{ImgSize: img, CropPct: crop, Mean: imageproc.InceptionDefaultMean, Std: imageproc.InceptionDefaultSTD}
}

func deitPreprocess(img int) imageproc.Options {
	crop := imageproc.DefaultCropPct
	if img >= 384 {
		crop = 1.0
	}
	return imageproc.Options{ImgSize: img, CropPct: crop, Mean: imageproc.ImageNetDefaultMean, Std: imageproc.ImageNetDefaultSTD}
}

func miilPreprocess(img int) imageproc.Options {
	return imageproc.Options{ImgSize: img, CropPct: imageproc.DefaultCropPct, Mean: imageproc.IdentityMean, Std: imageproc.IdentitySTD}
}

type factory struct {
	name    string
	arch    arch
	file    string // empty when no weights are published
	desc    string
	classes int
	rep     int
	ratio   float64
	noQKVB  bool
	distill bool
	pre     func(int) imageproc.Options
}

func (s factory) entry() Entry {
	c := s.arch.config()
	if s.classes != 0 {
		c.NumClasses = s.classes
	}
	c.RepresentationSize = s.rep
	if s.ratio != 0 {
		c.MLPRatio = s.ratio
	}
	c.QKVBias = !s.noQKVB
	c.Distilled = s.distill
	pre := s.pre
	if pre == nil {
		pre = vitPreprocess
	}
	e := Entry{Name: s.name, Config: c, Description: s.desc, Preprocess: pre(c.ImgSize)}
	if s.file != "" {
		e.URL = weights(s.file)
	}
	return e
}

func catalog() []factory {
	const (
		in1k  = "ImageNet-1k"
		in21k = 21843
	)
	ft := func(size string) string { return "ImageNet-21k pretrained, " + in1k + " fine-tuned at " + size }
	return []factory{
		{name: "vit_tiny_patch16_224", arch: tiny16, file: "vit_tiny_patch16_224", desc: ft("224")},
		{name: "vit_tiny_patch16_384", arch: tiny16.at(384), file: "vit_tiny_patch16_384", desc: ft("384")},
		{name: "vit_small_patch32_224", arch: small32, file: "vit_small_patch32_224", desc: ft("224")},
		{name: "vit_small_patch32_384", arch: small32.at(384), file: "vit_small_patch32_384", desc: ft("384")},
		{name: "vit_small_patch16_224", arch: small16, file: "vit_small_patch16_224", desc: ft("224")},
		{name: "vit_small_patch16_384", arch: small16.at(384), file: "vit_small_patch16_384", desc: ft("384")},
		{name: "vit_base_patch32_224", arch: base32, file: "vit_base_patch32_224", desc: ft("224")},
		{name: "vit_base_patch32_384", arch: base32.at(384), file: "vit_base_patch32_384", desc: ft("384")},
		{name: "vit_base_patch16_224", arch: base16, file: "vit_base_patch16_224", desc: ft("224")},
		{name: "vit_base_patch16_384", arch: base16.at(384), file: "vit_base_patch16_384", desc: ft("384")},
		{name: "vit_base_patch8_224", arch: base8, file: "vit_base_patch8_224", desc: ft("224")},
		{name: "vit_large_patch32_224", arch: large32, desc: "ViT-L/32, no pretrained weights"},
		{name: "vit_large_patch32_384", arch: large32.at(384), file: "vit_large_patch32_384", desc: ft("384")},
		{name: "vit_large_patch16_224", arch: large16, file: "vit_large_patch16_224", desc: ft("224")},
		{name: "vit_large_patch16_384", arch: large16.at(384), file: "vit_large_patch16_384", desc: ft("384")},
		{name: "vit_base_patch16_224_sam", arch: base16, file: "vit_base_patch16_sam_224", desc: in1k + " trained with SAM"},
		{name: "vit_base_patch32_224_sam", arch: base32, file: "vit_base_patch32_sam_224", desc: in1k + " trained with SAM"},
		// The huge factory has always built a 384 model under its 224 name.
		{name: "vit_huge_patch14_224", arch: huge14.at(384), desc: "ViT-H/14, no pretrained weights"},
		{name: "vit_giant_patch14_224", arch: giant14, ratio: 48.0 / 11, desc: "ViT-g/14, no pretrained weights"},
		{name: "vit_gigantic_patch14_224", arch: gigantic14.at(384), ratio: 64.0 / 13, desc: "ViT-G/14, no pretrained weights"},

		{name: "vit_tiny_patch16_224_in21k", arch: tiny16, file: "vit_tiny_patch16_224_in21k", classes: in21k, desc: "ImageNet-21k"},
		{name: "vit_small_patch32_224_in21k", arch: small32, file: "vit_small_patch32_224_in21k", classes: in21k, desc: "ImageNet-21k"},
		{name: "vit_small_patch16_224_in21k", arch: small16, file: "vit_small_patch16_224_in21k", classes: in21k, desc: "ImageNet-21k"},
		{name: "vit_base_patch32_224_in21k", arch: base32, file: "vit_base_patch32_224_in21k", classes: in21k, desc: "ImageNet-21k"},
		{name: "vit_base_patch16_224_in21k", arch: base16, file: "vit_base_patch16_224_in21k", classes: in21k, desc: "ImageNet-21k"},
		{name: "vit_base_patch8_224_in21k", arch: base8, file: "vit_base_patch8_224_in21k", classes: in21k, desc: "ImageNet-21k"},
		{name: "vit_large_patch32_224_in21k", arch: large32, file: "vit_large_patch32_224_in21k", classes: in21k, rep: 1024, desc: "ImageNet-21k"},
		{name: "vit_large_patch16_224_in21k", arch: large16, file: "vit_large_patch16_224_in21k", classes: in21k, desc: "ImageNet-21k"},
		{name: "vit_huge_patch14_224_in21k", arch: huge14, file: "vit_huge_patch14_224_in21k", classes: in21k, rep: 1280, desc: "ImageNet-21k"},

		{name: "deit_tiny_patch16_224", arch: tiny16, file: "deit_tiny_patch16_224", pre: deitPreprocess, desc: "DeiT " + in1k},
		{name: "deit_small_patch16_224", arch: small16, file: "deit_small_patch16_224", pre: deitPreprocess, desc: "DeiT " + in1k},
		{name: "deit_base_patch16_224", arch: base16, file: "deit_base_patch16_224", pre: deitPreprocess, desc: "DeiT " + in1k},
		{name: "deit_base_patch16_384", arch: base16.at(384), file: "deit_base_patch16_384", pre: deitPreprocess, desc: "DeiT " + in1k + " at 384"},
		{name: "deit_tiny_distilled_patch16_224", arch: tiny16, file: "deit_tiny_distilled_patch16_224", distill: true, pre: deitPreprocess, desc: "DeiT distilled " + in1k},
		{name: "deit_small_distilled_patch16_224", arch: small16, file: "deit_small_distilled_patch16_224", distill: true, pre: deitPreprocess, desc: "DeiT distilled " + in1k},
		{name: "deit_base_distilled_patch16_224", arch: base16, file: "deit_base_distilled_patch16_224", distill: true, pre: deitPreprocess, desc: "DeiT distilled " + in1k},
		{name: "deit_base_distilled_patch16_384", arch: base16.at(384), file: "deit_base_distilled_patch16_384", distill: true, pre: deitPreprocess, desc: "DeiT distilled " + in1k + " at 384"},

		{name: "vit_base_patch16_224_miil_in21k", arch: base16, file: "vit_base_patch16_224_miil_in21k", classes: 11221, noQKVB: true, pre: miilPreprocess, desc: "MIIL ImageNet-21k-P"},
		{name: "vit_base_patch16_224_miil", arch: base16, file: "vit_base_patch16_224_miil", noQKVB: true, pre: miilPreprocess, desc: "MIIL ImageNet-21k-P, " + in1k + " fine-tuned"},
	}
}

func registerDefaults(r *Registry) {
	for _, s := range catalog() {
		r.MustRegister(s.entry())
	}
}

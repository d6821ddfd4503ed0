package nn

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-vit/internal/tensor"
)

// PatchEmbed projects non-overlapping PxP patches with a strided
// convolution. Weight is [E, C, P, P].
type PatchEmbed struct {
	Weight    *tensor.Tensor
	Bias      *tensor.Tensor
	ImgSize   int
	PatchSize int
}

func NewPatchEmbed(r *rand.Rand, imgSize, patchSize, inChans, embedDim int) *PatchEmbed {
	pe := &PatchEmbed{
		Weight:    tensor.New(embedDim, inChans, patchSize, patchSize),
		Bias:      tensor.New(embedDim),
		ImgSize:   imgSize,
		PatchSize: patchSize,
	}
	pe.ResetParameters(r)
	return pe
}

// ResetParameters reapplies the default convolution init.
func (pe *PatchEmbed) ResetParameters(r *rand.Rand) {
	fanIn := pe.FanIn()
	kaimingDefault(r, pe.Weight.Data(), fanIn)
	kaimingDefault(r, pe.Bias.Data(), fanIn)
}

func (pe *PatchEmbed) InChans() int  { return pe.Weight.Dim(1) }
func (pe *PatchEmbed) EmbedDim() int { return pe.Weight.Dim(0) }
func (pe *PatchEmbed) FanIn() int    { return pe.InChans() * pe.PatchSize * pe.PatchSize }

func (pe *PatchEmbed) GridSize() int {
	return pe.ImgSize / pe.PatchSize
}

func (pe *PatchEmbed) NumPatches() int {
	g := pe.GridSize()
	return g * g
}

// Forward maps [B, C, H, W] images to [B, N, E] patch tokens in row-major
// grid order.
func (pe *PatchEmbed) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.NDim() != 4 || x.Dim(1) != pe.InChans() {
		return nil, fmt.Errorf("%w: patch embed expects [B, %d, H, W], got %v", tensor.ErrShapeMismatch, pe.InChans(), x.Shape())
	}
	b, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if h != pe.ImgSize || w != pe.ImgSize {
		return nil, fmt.Errorf("%w: input image size (%d*%d) doesn't match model (%d*%d)", tensor.ErrShapeMismatch, h, w, pe.ImgSize, pe.ImgSize)
	}
	p := pe.PatchSize
	g := pe.GridSize()
	n := g * g
	cols := tensor.New(b, n, pe.FanIn())
	src := x.Data()
	dst := cols.Data()
	for bi := 0; bi < b; bi++ {
		for gy := 0; gy < g; gy++ {
			for gx := 0; gx < g; gx++ {
				row := dst[((bi*n)+gy*g+gx)*pe.FanIn():]
				i := 0
				for ch := 0; ch < c; ch++ {
					plane := src[(bi*c+ch)*h*w:]
					for ky := 0; ky < p; ky++ {
						off := (gy*p+ky)*w + gx*p
						i += copy(row[i:i+p], plane[off:off+p])
					}
				}
			}
		}
	}
	kernel, err := pe.Weight.Reshape(pe.EmbedDim(), -1)
	if err != nil {
		return nil, err
	}
	out, err := tensor.MatMulTransB(cols, kernel)
	if err != nil {
		return nil, err
	}
	if err := tensor.AddBroadcastRow(out, pe.Bias.Data()); err != nil {
		return nil, err
	}
	return out, nil
}

func (pe *PatchEmbed) Register(prefix string, sd *tensor.StateDict) {
	sd.Set(prefix+".proj.weight", pe.Weight)
	sd.Set(prefix+".proj.bias", pe.Bias)
}

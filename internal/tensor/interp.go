package tensor

import (
	"fmt"
	"math"
)

// cubicA matches PyTorch's bicubic upsampling kernel.
const cubicA = -0.75

func cubicConv1(x float64) float64 {
	return ((cubicA+2)*x-(cubicA+3))*x*x + 1
}

func cubicConv2(x float64) float64 {
	return ((cubicA*x-5*cubicA)*x+8*cubicA)*x - 4*cubicA
}

func cubicCoeffs(t float64) [4]float64 {
	return [4]float64{
		cubicConv2(t + 1),
		cubicConv1(t),
		cubicConv1(1 - t),
		cubicConv2(2 - t),
	}
}

type cubicTap struct {
	idx [4]int
	w   [4]float64
}

// cubicTaps precomputes the four clamped source indices and weights for
// each output position (align_corners=false).
func cubicTaps(in, out int) []cubicTap {
	taps := make([]cubicTap, out)
	scale := float64(in) / float64(out)
	for dst := range taps {
		pos := scale*(float64(dst)+0.5) - 0.5
		floor := math.Floor(pos)
		t := pos - floor
		base := int(floor)
		taps[dst].w = cubicCoeffs(t)
		for k := 0; k < 4; k++ {
			taps[dst].idx[k] = clamp(base-1+k, 0, in-1)
		}
	}
	return taps
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ResizeBicubic resamples an [H, W, C] grid to [outH, outW, C] channel by
// channel with border-clamped bicubic interpolation.
func ResizeBicubic(src *Tensor, outH, outW int) (*Tensor, error) {
	if src.NDim() != 3 {
		return nil, fmt.Errorf("%w: bicubic resize expects [H, W, C], got %v", ErrShapeMismatch, src.shape)
	}
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%w: bicubic target %dx%d", ErrShapeMismatch, outH, outW)
	}
	inH, inW, c := src.shape[0], src.shape[1], src.shape[2]
	if inH == 0 || inW == 0 {
		return nil, fmt.Errorf("%w: bicubic source %v is empty", ErrShapeMismatch, src.shape)
	}

	// Horizontal pass: [inH, outW, C].
	xTaps := cubicTaps(inW, outW)
	tmp := make([]float64, inH*outW*c)
	parallelRows(inH, func(rowStart, rowEnd int) {
		for y := rowStart; y < rowEnd; y++ {
			for x, tap := range xTaps {
				o := tmp[(y*outW+x)*c : (y*outW+x+1)*c]
				for k := 0; k < 4; k++ {
					s := src.data[(y*inW+tap.idx[k])*c : (y*inW+tap.idx[k]+1)*c]
					w := tap.w[k]
					for ch, v := range s {
						o[ch] += w * float64(v)
					}
				}
			}
		}
	})

	// Vertical pass.
	yTaps := cubicTaps(inH, outH)
	out := New(outH, outW, c)
	parallelRows(outH, func(rowStart, rowEnd int) {
		acc := make([]float64, outW*c)
		for y := rowStart; y < rowEnd; y++ {
			tap := yTaps[y]
			for i := range acc {
				acc[i] = 0
			}
			for k := 0; k < 4; k++ {
				row := tmp[tap.idx[k]*outW*c : (tap.idx[k]+1)*outW*c]
				w := tap.w[k]
				for i, v := range row {
					acc[i] += w * v
				}
			}
			o := out.data[y*outW*c : (y+1)*outW*c]
			for i, v := range acc {
				o[i] = float32(v)
			}
		}
	})
	return out, nil
}

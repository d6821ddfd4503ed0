package vit

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-vit/internal/logger"
	"github.com/23skdu/longbow-vit/internal/metrics"
	"github.com/23skdu/longbow-vit/internal/tensor"
)

// ResizePosEmbed interpolates a [1, T, D] position embedding to a new patch
// grid. The first numTokens entries (class/distillation) are carried over
// unchanged; the remainder must form a square grid. A zero gridNew derives
// a square grid from ntokNew.
func ResizePosEmbed(posemb *tensor.Tensor, ntokNew, numTokens int, gridNew [2]int) (*tensor.Tensor, error) {
	if posemb.NDim() != 3 || posemb.Dim(0) != 1 {
		return nil, fmt.Errorf("%w: pos_embed must be [1, T, D], got %v", tensor.ErrShapeMismatch, posemb.Shape())
	}
	if numTokens < 0 || numTokens > posemb.Dim(1) {
		return nil, fmt.Errorf("%w: %d prefix tokens in %v", tensor.ErrShapeMismatch, numTokens, posemb.Shape())
	}
	d := posemb.Dim(2)
	oldLen := posemb.Dim(1) - numTokens
	gsOld := int(math.Sqrt(float64(oldLen)))
	if gsOld*gsOld != oldLen || gsOld == 0 {
		return nil, fmt.Errorf("%w: %d grid tokens do not form a square", tensor.ErrShapeMismatch, oldLen)
	}
	if gridNew == [2]int{} {
		side := int(math.Sqrt(float64(ntokNew - numTokens)))
		gridNew = [2]int{side, side}
	}
	if gridNew[0] <= 0 || gridNew[1] <= 0 {
		return nil, fmt.Errorf("%w: target grid %v", tensor.ErrShapeMismatch, gridNew)
	}

	logger.Log.Info("resized position embedding", "from", posemb.Shape(), "to", []int{1, ntokNew, d})
	logger.Log.Info("position embedding grid-size", "from", []int{gsOld, gsOld}, "to", gridNew[:])

	flat := posemb.Data()
	grid, err := tensor.FromData(flat[numTokens*d:], gsOld, gsOld, d)
	if err != nil {
		return nil, err
	}
	resized, err := tensor.ResizeBicubic(grid, gridNew[0], gridNew[1])
	if err != nil {
		return nil, err
	}

	out := tensor.New(1, numTokens+gridNew[0]*gridNew[1], d)
	copy(out.Data(), flat[:numTokens*d])
	copy(out.Data()[numTokens*d:], resized.Data())
	metrics.RecordPosEmbedResize()
	return out, nil
}

package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// lecunTruncCorrection is the std of a unit normal truncated to [-2, 2],
// used to undo the variance lost to truncation.
const lecunTruncCorrection = 0.87962566103423978

// TruncNormal fills data from N(mean, std²) restricted to [a, b] by
// inverse-CDF sampling.
func TruncNormal(r *rand.Rand, data []float32, mean, std, a, b float64) {
	lo := distuv.UnitNormal.CDF((a - mean) / std)
	hi := distuv.UnitNormal.CDF((b - mean) / std)
	for i := range data {
		p := lo + r.Float64()*(hi-lo)
		v := distuv.UnitNormal.Quantile(p)*std + mean
		data[i] = float32(math.Min(math.Max(v, a), b))
	}
}

// TruncNormalStd is TruncNormal with zero mean and absolute bounds ±2.
func TruncNormalStd(r *rand.Rand, data []float32, std float64) {
	TruncNormal(r, data, 0, std, -2, 2)
}

// LecunNormal draws from a truncated normal with variance 1/fanIn.
func LecunNormal(r *rand.Rand, data []float32, fanIn int) {
	std := math.Sqrt(1/float64(fanIn)) / lecunTruncCorrection
	TruncNormal(r, data, 0, std, -2, 2)
}

func XavierUniform(r *rand.Rand, data []float32, fanIn, fanOut int) {
	bound := math.Sqrt(6 / float64(fanIn+fanOut))
	Uniform(r, data, -bound, bound)
}

func Uniform(r *rand.Rand, data []float32, lo, hi float64) {
	for i := range data {
		data[i] = float32(lo + r.Float64()*(hi-lo))
	}
}

func Normal(r *rand.Rand, data []float32, mean, std float64) {
	for i := range data {
		data[i] = float32(r.NormFloat64()*std + mean)
	}
}

func Constant(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}

func Zeros(data []float32) { Constant(data, 0) }

func Ones(data []float32) { Constant(data, 1) }

// kaimingDefault is the uniform ±1/√fanIn init torch applies to fresh
// Linear and Conv2d weights and biases.
func kaimingDefault(r *rand.Rand, data []float32, fanIn int) {
	bound := 1 / math.Sqrt(float64(fanIn))
	Uniform(r, data, -bound, bound)
}

// NewRand returns a deterministic generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

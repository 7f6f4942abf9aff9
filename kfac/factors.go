package kfac

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LayerFactors is the smoothed estimate of one layer's Kronecker factors:
// A for the homogenized input-activation second moment, G for the
// pre-activation gradient second moment.
type LayerFactors struct {
	A *mat.Dense
	G *mat.Dense
}

// MakeFactors returns identity factors for every layer of arch, the
// neutral starting curvature.
func MakeFactors(arch Arch) []LayerFactors {
	factors := make([]LayerFactors, arch.NumLayers())
	for l := range factors {
		factors[l] = LayerFactors{
			A: identity(arch[l] + 1),
			G: identity(arch[l+1]),
		}
	}
	return factors
}

// UpdateFactorEstimates folds normalized raw statistics into the factor
// estimates by exponential smoothing:
//
//	new = eps*old + (1-eps)*(raw / n)
//
// eps=0 replaces the estimate with the fresh normalized statistics; eps
// near 1 mostly ignores new data.  A layer with a zero sample count has
// nothing to normalize and is reported as an error rather than producing
// a divide-by-zero factor.
func UpdateFactorEstimates(factors []LayerFactors, stats []LayerStats, eps float64) ([]LayerFactors, error) {
	if len(factors) != len(stats) {
		panic(fmt.Sprintf("got statistics for %d layers, factors for %d layers", len(stats), len(factors)))
	}
	out := make([]LayerFactors, len(factors))
	for l := range factors {
		if stats[l].N == 0 {
			return nil, fmt.Errorf("no samples accumulated for layer %d in the current window", l)
		}
		out[l] = LayerFactors{
			A: smooth(factors[l].A, stats[l].AA, stats[l].N, eps),
			G: smooth(factors[l].G, stats[l].GG, stats[l].N, eps),
		}
	}
	return out, nil
}

func smooth(old, raw *mat.Dense, n int, eps float64) *mat.Dense {
	rows, cols := old.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Scale((1-eps)/float64(n), raw)
	out.Add(out, scaled(old, eps))
	return out
}

func identity(n int) *mat.Dense {
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		out.Set(i, i, 1)
	}
	return out
}

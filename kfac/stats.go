package kfac

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// LayerStats is the raw second-moment statistics accumulated for one
// layer between factor re-estimation events.
//
// AA is the sum of outer products of homogenized input activations.
// Shape (arch[l]+1, arch[l]+1).
// GG is the sum of outer products of pre-activation gradients under
// model-sampled targets.  Shape (arch[l+1], arch[l+1]).
// N is the number of samples contributing to both sums.
type LayerStats struct {
	AA *mat.Dense
	GG *mat.Dense
	N  int
}

// MakeStats returns zeroed statistics for every layer of arch.
func MakeStats(arch Arch) []LayerStats {
	stats := make([]LayerStats, arch.NumLayers())
	for l := range stats {
		m, n := arch[l], arch[l+1]
		stats[l] = LayerStats{
			AA: mat.NewDense(m+1, m+1, nil),
			GG: mat.NewDense(n, n, nil),
		}
	}
	return stats
}

// AddStats folds two statistics lists elementwise into a fresh value.
// Accumulation is commutative and associative, so statistics from several
// collection events can be merged in any order.
func AddStats(stats, more []LayerStats) []LayerStats {
	if len(stats) != len(more) {
		panic(fmt.Sprintf("cannot add statistics for %d layers to statistics for %d layers", len(more), len(stats)))
	}
	out := make([]LayerStats, len(stats))
	for l := range stats {
		ra, ca := stats[l].AA.Dims()
		rg, cg := stats[l].GG.Dims()
		aa := mat.NewDense(ra, ca, nil)
		aa.Add(stats[l].AA, more[l].AA)
		gg := mat.NewDense(rg, cg, nil)
		gg.Add(stats[l].GG, more[l].GG)
		out[l] = LayerStats{AA: aa, GG: gg, N: stats[l].N + more[l].N}
	}
	return out
}

// CollectStats gathers one batch of curvature statistics: it resamples
// numSamples rows from inputs with replacement, runs a forward pass
// keeping every layer's input activations, samples synthetic targets from
// the model's own predictive distribution, and takes one reverse pass for
// the per-layer pre-activation gradients.
//
// The sampled targets are constants; no gradient flows through the draw.
func CollectStats(p Params, inputs *mat.Dense, numSamples int, r *rand.Rand) ([]LayerStats, error) {
	if numSamples <= 0 {
		return nil, fmt.Errorf("numSamples must be positive, got %d", numSamples)
	}
	rows, cols := inputs.Dims()
	sampled := mat.NewDense(numSamples, cols, nil)
	row := make([]float64, cols)
	for k := 0; k < numSamples; k++ {
		mat.Row(row, r.Intn(rows), inputs)
		sampled.SetRow(k, row)
	}

	logits, acts := forwardActivations(p, sampled)
	targets, err := sampleFromLogProbs(logSoftmax(logits), r)
	if err != nil {
		return nil, fmt.Errorf("while sampling targets from the model: %w", err)
	}
	deltas, _ := backprop(p, acts, logits, targets)

	stats := make([]LayerStats, len(p))
	for l := range p {
		ah := homog(acts[l])
		_, m1 := ah.Dims()
		aa := mat.NewDense(m1, m1, nil)
		aa.Mul(ah.T(), ah)

		_, n := deltas[l].Dims()
		gg := mat.NewDense(n, n, nil)
		gg.Mul(deltas[l].T(), deltas[l])

		stats[l] = LayerStats{AA: aa, GG: gg, N: numSamples}
	}
	return stats, nil
}

// homog appends a constant column of ones, folding bias terms into the
// same outer-product structure as the weights.
func homog(a *mat.Dense) *mat.Dense {
	rows, cols := a.Dims()
	out := mat.NewDense(rows, cols+1, nil)
	out.Slice(0, rows, 0, cols).(*mat.Dense).Copy(a)
	for k := 0; k < rows; k++ {
		out.Set(k, cols, 1)
	}
	return out
}

package kfac

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// The three estimators below compute the Fisher information restricted to
// the parameters of layers [startLayer, stopLayer).  They exist to check
// the fidelity of the Kronecker-factored approximation and are never on
// the training path.  ExactFisher is quadratic in the span's parameter
// count and linear in the dataset size; use small probes.

// ExactFisher accumulates J^T H J over all input rows, where J is the
// Jacobian of the sub-network output with respect to the span's flattened
// parameters and H is the Hessian of the log-partition function at the
// output.
func ExactFisher(p Params, inputs *mat.Dense, startLayer, stopLayer int) *mat.Dense {
	checkSpan(p, startLayer, stopLayer)
	span := Params(p[startLayer:stopLayer])
	subArch := ArchOf(span)
	flat := Flatten(span)
	d := len(flat)

	rows, cols := inputs.Dims()
	_, k := p[len(p)-1].W.Dims()

	merge := func(v []float64) Params {
		merged := make(Params, 0, len(p))
		merged = append(merged, p[:startLayer]...)
		merged = append(merged, subArch.Unflatten(v)...)
		return append(merged, p[stopLayer:]...)
	}

	fisher := mat.NewDense(d, d, nil)
	jac := mat.NewDense(k, d, nil)
	tmp := mat.NewDense(k, d, nil)
	term := mat.NewDense(d, d, nil)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, inputs)
		x := mat.NewDense(1, cols, row)

		fd.Jacobian(jac, func(y, v []float64) {
			logits := Apply(merge(v), x)
			copy(y, logits.RawMatrix().Data)
		}, flat, &fd.JacobianSettings{Formula: fd.Central})

		hess := logPartitionHessian(Apply(p, x).RawMatrix().Data)
		tmp.Mul(hess, jac)
		term.Mul(jac.T(), tmp)
		fisher.Add(fisher, term)
	}

	fisher.Scale(1/float64(rows), fisher)
	return fisher
}

// MonteCarloFisher estimates the same matrix as the covariance of
// sub-range log-likelihood gradients under targets sampled from the full
// model's predictive distribution.
func MonteCarloFisher(numSamples int, p Params, inputs *mat.Dense, startLayer, stopLayer int, r *rand.Rand) (*mat.Dense, error) {
	checkSpan(p, startLayer, stopLayer)
	if numSamples <= 0 {
		return nil, fmt.Errorf("numSamples must be positive, got %d", numSamples)
	}

	logits, acts := forwardActivations(p, inputs)
	logprobs := logSoftmax(logits)
	rows, _ := inputs.Dims()

	d := len(Flatten(Params(p[startLayer:stopLayer])))
	fisher := mat.NewDense(d, d, nil)
	var outer mat.Dense
	for s := 0; s < numSamples; s++ {
		targets, err := sampleFromLogProbs(logprobs, r)
		if err != nil {
			return nil, fmt.Errorf("while sampling targets for draw %d: %w", s, err)
		}
		_, grad := backprop(p, acts, logits, targets)
		g := Flatten(Params(grad[startLayer:stopLayer]))
		gv := mat.NewVecDense(d, g)
		outer.Outer(1/float64(rows), gv, gv)
		fisher.Add(fisher, &outer)
	}

	fisher.Scale(1/float64(numSamples), fisher)
	return fisher, nil
}

// ApproxFisher runs the optimizer's own statistics pipeline with damping
// zero over sampleFactor times the input rows and assembles the
// block-diagonal matrix of per-layer Kronecker products A (x) G.  This is
// the structural approximation the preconditioner inverts, exposed for
// comparison against the two estimators above.
func ApproxFisher(sampleFactor int, p Params, inputs *mat.Dense, startLayer, stopLayer int, r *rand.Rand) (*mat.Dense, error) {
	checkSpan(p, startLayer, stopLayer)
	arch := ArchOf(p)
	rows, _ := inputs.Dims()

	stats, err := CollectStats(p, inputs, sampleFactor*rows, r)
	if err != nil {
		return nil, fmt.Errorf("while collecting statistics: %w", err)
	}
	factors, err := UpdateFactorEstimates(MakeFactors(arch), stats, 0)
	if err != nil {
		return nil, fmt.Errorf("while normalizing statistics: %w", err)
	}

	blocks := make([]*mat.Dense, 0, stopLayer-startLayer)
	for l := startLayer; l < stopLayer; l++ {
		var blk mat.Dense
		blk.Kronecker(factors[l].A, factors[l].G)
		blocks = append(blocks, &blk)
	}
	return blockDiag(blocks), nil
}

func checkSpan(p Params, startLayer, stopLayer int) {
	if startLayer < 0 || stopLayer > len(p) || startLayer >= stopLayer {
		panic(fmt.Sprintf("invalid layer span [%d, %d) for %d layers", startLayer, stopLayer, len(p)))
	}
}

// logPartitionHessian returns the Hessian of logsumexp at z, which is
// diag(softmax(z)) - softmax(z) softmax(z)^T.
func logPartitionHessian(z []float64) *mat.Dense {
	k := len(z)
	lse := floats.LogSumExp(z)
	sm := make([]float64, k)
	for j := range z {
		sm[j] = math.Exp(z[j] - lse)
	}

	out := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			v := -sm[i] * sm[j]
			if i == j {
				v += sm[i]
			}
			out.Set(i, j, v)
		}
	}
	return out
}

func blockDiag(blocks []*mat.Dense) *mat.Dense {
	total := 0
	for _, b := range blocks {
		n, _ := b.Dims()
		total += n
	}
	out := mat.NewDense(total, total, nil)
	off := 0
	for _, b := range blocks {
		n, _ := b.Dims()
		out.Slice(off, off+n, off, off+n).(*mat.Dense).Copy(b)
		off += n
	}
	return out
}

package kfac

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// The reverse pass below is the differentiation facility for the fixed
// tanh / log-softmax architecture.  Besides the parameter gradients it
// exposes, for every layer, the gradient of the log-likelihood with
// respect to that layer's pre-activations.  These are exactly the
// gradients that an autodiff system would report for a zero-valued
// additive bias probe attached to the layer, and they are the
// per-example samples the curvature statistics are built from.

// forwardActivations runs the tanh stack, keeping the activation matrix
// fed into each layer.
//
// acts[l] is the input to layer l; acts[0] aliases x.  Shape (batchSize, arch[l]).
// logits are the final layer's pre-activations.  Shape (batchSize, arch[L]).
func forwardActivations(p Params, x *mat.Dense) (logits *mat.Dense, acts []*mat.Dense) {
	if len(p) == 0 {
		panic("empty parameter list")
	}
	acts = make([]*mat.Dense, len(p))
	h := x
	for l := range p {
		acts[l] = h

		rows, _ := h.Dims()
		_, n := p[l].W.Dims()
		z := mat.NewDense(rows, n, nil)
		z.Mul(h, p[l].W)
		addBiasRows(z, p[l].B)

		if l == len(p)-1 {
			logits = z
			break
		}
		a := mat.NewDense(rows, n, nil)
		tanhElem(a, z)
		h = a
	}
	return logits, acts
}

// backprop computes the gradient of sum(logSoftmax(logits) * targets)
// with respect to every layer's pre-activations and parameters.
//
// acts and logits must come from forwardActivations on the same params.
// deltas[l] is the pre-activation gradient at layer l.  Shape (batchSize, arch[l+1]).
func backprop(p Params, acts []*mat.Dense, logits, targets *mat.Dense) (deltas []*mat.Dense, grad Params) {
	rows, cols := logits.Dims()

	// Output layer: d/dz of sum((z - logsumexp(z)) * T) is
	// T - softmax(z) * rowTotal(T).
	logprobs := logSoftmax(logits)
	deltaL := mat.NewDense(rows, cols, nil)
	for k := 0; k < rows; k++ {
		rowTotal := 0.0
		for j := 0; j < cols; j++ {
			rowTotal += targets.At(k, j)
		}
		for j := 0; j < cols; j++ {
			sm := math.Exp(logprobs.At(k, j))
			deltaL.Set(k, j, targets.At(k, j)-sm*rowTotal)
		}
	}

	deltas = make([]*mat.Dense, len(p))
	deltas[len(p)-1] = deltaL
	for l := len(p) - 1; l >= 1; l-- {
		// Push through the weights, then through the tanh that produced
		// acts[l]: tanh'(z) = 1 - tanh(z)^2.
		m, _ := p[l].W.Dims()
		back := mat.NewDense(rows, m, nil)
		back.Mul(deltas[l], p[l].W.T())
		back.Apply(func(k, j int, v float64) float64 {
			a := acts[l].At(k, j)
			return v * (1 - a*a)
		}, back)
		deltas[l-1] = back
	}

	grad = make(Params, len(p))
	for l := range p {
		m, n := p[l].W.Dims()
		dw := mat.NewDense(m, n, nil)
		dw.Mul(acts[l].T(), deltas[l])
		db := mat.NewVecDense(n, nil)
		for j := 0; j < n; j++ {
			var sum float64
			for k := 0; k < rows; k++ {
				sum += deltas[l].At(k, j)
			}
			db.SetVec(j, sum)
		}
		grad[l] = Linear{W: dw, B: db}
	}

	return deltas, grad
}

// sampleFromLogProbs draws one one-hot row per row of logprobs, treating
// each row as a categorical distribution over classes.
func sampleFromLogProbs(logprobs *mat.Dense, r *rand.Rand) (*mat.Dense, error) {
	rows, cols := logprobs.Dims()
	out := mat.NewDense(rows, cols, nil)
	for k := 0; k < rows; k++ {
		total := 0.0
		for j := 0; j < cols; j++ {
			total += math.Exp(logprobs.At(k, j))
		}
		if !(total > 0) || math.IsInf(total, 1) {
			return nil, fmt.Errorf("row %d has degenerate probability mass %v", k, total)
		}

		u := r.Float64() * total
		cum := 0.0
		pick := cols - 1
		for j := 0; j < cols; j++ {
			cum += math.Exp(logprobs.At(k, j))
			if u < cum {
				pick = j
				break
			}
		}
		out.Set(k, pick, 1)
	}
	return out, nil
}

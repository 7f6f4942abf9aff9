package kfac

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Apply runs the tanh stack over a batch of input rows and returns the
// final layer's pre-activations (logits).
//
// x is the input.  Shape (batchSize, arch[0]).
// The result has shape (batchSize, arch[L]).
func Apply(p Params, x *mat.Dense) *mat.Dense {
	logits, _ := forwardActivations(p, x)
	return logits
}

// Predict returns row-wise log-probabilities.  Shape (batchSize, arch[L]).
func Predict(p Params, x *mat.Dense) *mat.Dense {
	return logSoftmax(Apply(p, x))
}

// logSoftmax subtracts the row-wise log-sum-exp from each row of z.
func logSoftmax(z *mat.Dense) *mat.Dense {
	rows, cols := z.Dims()
	out := mat.NewDense(rows, cols, nil)
	row := make([]float64, cols)
	for k := 0; k < rows; k++ {
		mat.Row(row, k, z)
		lse := floats.LogSumExp(row)
		for j := 0; j < cols; j++ {
			out.Set(k, j, row[j]-lse)
		}
	}
	return out
}

// LogLikelihood returns the total log-probability the model assigns to
// the targets.
//
// targets is a one-hot (or row-normalized) matrix.  Shape (batchSize, arch[L]).
func LogLikelihood(p Params, x, targets *mat.Dense) float64 {
	logprobs := Predict(p, x)
	var sum float64
	rows, cols := logprobs.Dims()
	for k := 0; k < rows; k++ {
		for j := 0; j < cols; j++ {
			if t := targets.At(k, j); t != 0 {
				sum += logprobs.At(k, j) * t
			}
		}
	}
	return sum
}

// NegLogJoint returns the training objective
//
//	l2reg*||params||^2 - LogLikelihood(params, x, targets)
//
// together with its gradient, computed in a single reverse pass.
func NegLogJoint(p Params, x, targets *mat.Dense, l2reg float64) (float64, Params) {
	logits, acts := forwardActivations(p, x)
	logprobs := logSoftmax(logits)

	var val float64
	rows, cols := logprobs.Dims()
	for k := 0; k < rows; k++ {
		for j := 0; j < cols; j++ {
			if t := targets.At(k, j); t != 0 {
				val += logprobs.At(k, j) * t
			}
		}
	}

	_, grad := backprop(p, acts, logits, targets)

	// The reverse pass produced the gradient of the log-likelihood; the
	// objective negates it and adds the L2 term.
	for l := range grad {
		grad[l].W.Scale(-1, grad[l].W)
		grad[l].W.Add(grad[l].W, scaled(p[l].W, 2*l2reg))
		grad[l].B.ScaleVec(-1, grad[l].B)
		grad[l].B.AddScaledVec(grad[l].B, 2*l2reg, p[l].B)
	}

	return l2reg*L2Norm(p) - val, grad
}

// Accuracy returns the fraction of rows whose predicted class matches the
// one-hot targets.
func Accuracy(p Params, x, targets *mat.Dense) float64 {
	logits := Apply(p, x)
	rows, cols := logits.Dims()
	row := make([]float64, cols)
	correct := 0
	for k := 0; k < rows; k++ {
		mat.Row(row, k, logits)
		pred := floats.MaxIdx(row)
		mat.Row(row, k, targets)
		if pred == floats.MaxIdx(row) {
			correct++
		}
	}
	return float64(correct) / float64(rows)
}

func scaled(m *mat.Dense, c float64) *mat.Dense {
	r, cc := m.Dims()
	out := mat.NewDense(r, cc, nil)
	out.Scale(c, m)
	return out
}

func tanhElem(dst, src *mat.Dense) {
	dst.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, src)
}

// addBiasRows adds b to every row of z in place.
func addBiasRows(z *mat.Dense, b *mat.VecDense) {
	rows, cols := z.Dims()
	if b.Len() != cols {
		panic("bias length does not match row width")
	}
	for k := 0; k < rows; k++ {
		for j := 0; j < cols; j++ {
			z.Set(k, j, z.At(k, j)+b.AtVec(j))
		}
	}
}

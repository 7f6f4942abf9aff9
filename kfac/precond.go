package kfac

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerPrecond is one layer's block of the curvature preconditioner: the
// regularized inverses of the layer's two Kronecker factors.
type LayerPrecond struct {
	Ainv *mat.Dense
	Ginv *mat.Dense
}

// ComputePrecond inverts each damped factor, inv(X + lmbda*I).  The ridge
// term keeps rank-deficient factors invertible (early training, narrow
// layers); a factor that stays singular or ill-conditioned even after
// damping is reported as an error instead of letting NaNs reach the
// parameters.
func ComputePrecond(factors []LayerFactors, lmbda float64) ([]LayerPrecond, error) {
	precond := make([]LayerPrecond, len(factors))
	for l := range factors {
		ainv, err := dampedInverse(factors[l].A, lmbda)
		if err != nil {
			return nil, fmt.Errorf("while inverting activation factor for layer %d: %w", l, err)
		}
		ginv, err := dampedInverse(factors[l].G, lmbda)
		if err != nil {
			return nil, fmt.Errorf("while inverting gradient factor for layer %d: %w", l, err)
		}
		precond[l] = LayerPrecond{Ainv: ainv, Ginv: ginv}
	}
	return precond, nil
}

func dampedInverse(x *mat.Dense, lmbda float64) (*mat.Dense, error) {
	n, _ := x.Dims()
	damped := identity(n)
	damped.Scale(lmbda, damped)
	damped.Add(damped, x)

	inv := mat.NewDense(n, n, nil)
	if err := inv.Inverse(damped); err != nil {
		return nil, err
	}
	for _, v := range inv.RawMatrix().Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("inverse contains non-finite entries")
		}
	}
	return inv, nil
}

// ApplyPrecond applies the block-diagonal Kronecker-factored
// preconditioner to a raw gradient.  Per layer the weight and bias
// gradients are stacked into one (m+1) x n matrix with the bias as the
// final row, transformed as Ainv * stacked * Ginv^T, and split back.
// This is the tractable form of multiplying the flattened layer gradient
// by inv(A (x) G).
func ApplyPrecond(precond []LayerPrecond, grad Params) Params {
	if len(precond) != len(grad) {
		panic(fmt.Sprintf("got gradients for %d layers, preconditioner for %d layers", len(grad), len(precond)))
	}
	out := make(Params, len(grad))
	for l := range grad {
		m, n := grad[l].W.Dims()

		stacked := mat.NewDense(m+1, n, nil)
		stacked.Slice(0, m, 0, n).(*mat.Dense).Copy(grad[l].W)
		for j := 0; j < n; j++ {
			stacked.Set(m, j, grad[l].B.AtVec(j))
		}

		tmp := mat.NewDense(m+1, n, nil)
		tmp.Mul(stacked, precond[l].Ginv.T())
		kron := mat.NewDense(m+1, n, nil)
		kron.Mul(precond[l].Ainv, tmp)

		w := mat.NewDense(m, n, nil)
		w.Copy(kron.Slice(0, m, 0, n))
		b := mat.NewVecDense(n, nil)
		for j := 0; j < n; j++ {
			b.SetVec(j, kron.At(m, j))
		}
		out[l] = Linear{W: w, B: b}
	}
	return out
}

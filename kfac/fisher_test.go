package kfac

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestExactFisherSymmetric(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{3, 4, 2}
	params := MakeParams(0.2, arch, r)
	inputs := randomInputs(r, 6, 3)

	fisher := ExactFisher(params, inputs, 0, 2)
	n, c := fisher.Dims()
	if want := arch.NumParams(); n != want || c != want {
		t.Fatalf("Fisher has shape (%d, %d), want (%d, %d)", n, c, want, want)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			if math.Abs(fisher.At(i, j)-fisher.At(j, i)) > 1e-8 {
				t.Errorf("asymmetry at (%d, %d): %v vs %v", i, j, fisher.At(i, j), fisher.At(j, i))
			}
		}
	}
	checkFinite(t, fisher)
}

// The Kronecker-factored estimate is block diagonal over layers.
func TestApproxFisherBlockStructure(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{3, 4, 2}
	params := MakeParams(0.2, arch, r)
	inputs := randomInputs(r, 6, 3)

	fisher, err := ApproxFisher(20, params, inputs, 0, 2, r)
	if err != nil {
		t.Fatalf("ApproxFisher: %v", err)
	}
	n, _ := fisher.Dims()
	if want := arch.NumParams(); n != want {
		t.Fatalf("Fisher has dimension %d, want %d", n, want)
	}

	// The cross-layer block must be exactly zero.
	d0 := (arch[0] + 1) * arch[1]
	for i := 0; i < d0; i++ {
		for j := d0; j < n; j++ {
			if fisher.At(i, j) != 0 || fisher.At(j, i) != 0 {
				t.Fatalf("nonzero cross-layer entry at (%d, %d)", i, j)
			}
		}
	}
}

// In the near-linear regime (small parameters, pre-activations near
// zero), the Kronecker factorization's diagonal block should track the
// exact Fisher for a single-layer span within a loose tolerance.
func TestApproxFisherTracksExactNearLinear(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{2, 3}
	params := MakeParams(0.01, arch, r)
	inputs := mat.NewDense(8, 2, nil)
	for k := 0; k < 8; k++ {
		for j := 0; j < 2; j++ {
			inputs.Set(k, j, 0.5*r.NormFloat64())
		}
	}

	exact := ExactFisher(params, inputs, 0, 1)
	approx, err := ApproxFisher(250, params, inputs, 0, 1, r)
	if err != nil {
		t.Fatalf("ApproxFisher: %v", err)
	}

	if rel := relFrobDiff(approx, exact); rel > 0.3 {
		t.Errorf("relative Frobenius difference %v exceeds 0.3", rel)
	}
}

func TestMonteCarloFisherTracksExact(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{2, 3}
	params := MakeParams(0.01, arch, r)
	inputs := mat.NewDense(8, 2, nil)
	for k := 0; k < 8; k++ {
		for j := 0; j < 2; j++ {
			inputs.Set(k, j, 0.5*r.NormFloat64())
		}
	}

	exact := ExactFisher(params, inputs, 0, 1)
	mc, err := MonteCarloFisher(400, params, inputs, 0, 1, r)
	if err != nil {
		t.Fatalf("MonteCarloFisher: %v", err)
	}

	if rel := relFrobDiff(mc, exact); rel > 0.5 {
		t.Errorf("relative Frobenius difference %v exceeds 0.5", rel)
	}
}

func relFrobDiff(got, want *mat.Dense) float64 {
	var diff mat.Dense
	diff.Sub(got, want)
	return mat.Norm(&diff, 2) / mat.Norm(want, 2)
}

package kfac

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestMakeFactorsIdentity(t *testing.T) {
	arch := Arch{4, 3, 2}
	factors := MakeFactors(arch)

	if len(factors) != 2 {
		t.Fatalf("got %d layers of factors, want 2", len(factors))
	}
	for l := range factors {
		if !mat.Equal(factors[l].A, identity(arch[l]+1)) {
			t.Errorf("layer %d activation factor is not the identity", l)
		}
		if !mat.Equal(factors[l].G, identity(arch[l+1])) {
			t.Errorf("layer %d gradient factor is not the identity", l)
		}
	}
}

// With eps=0 the update must replace the estimate with the normalized
// statistics, independent of the previous factor value.
func TestUpdateFactorEstimatesReplaces(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{3, 2}
	params := MakeParams(0.2, arch, r)
	stats, err := CollectStats(params, randomInputs(r, 8, 3), 4, r)
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}

	factors, err := UpdateFactorEstimates(MakeFactors(arch), stats, 0)
	if err != nil {
		t.Fatalf("UpdateFactorEstimates: %v", err)
	}

	wantA := mat.NewDense(4, 4, nil)
	wantA.Scale(1.0/4, stats[0].AA)
	if !mat.EqualApprox(factors[0].A, wantA, 1e-12) {
		t.Errorf("activation factor is not AA/n")
	}
	wantG := mat.NewDense(2, 2, nil)
	wantG.Scale(1.0/4, stats[0].GG)
	if !mat.EqualApprox(factors[0].G, wantG, 1e-12) {
		t.Errorf("gradient factor is not GG/n")
	}
}

func TestUpdateFactorEstimatesSmoothing(t *testing.T) {
	arch := Arch{1, 1}
	stats := []LayerStats{{
		AA: mat.NewDense(2, 2, []float64{8, 0, 0, 8}),
		GG: mat.NewDense(1, 1, []float64{4}),
		N:  2,
	}}

	factors, err := UpdateFactorEstimates(MakeFactors(arch), stats, 0.5)
	if err != nil {
		t.Fatalf("UpdateFactorEstimates: %v", err)
	}

	// 0.5*identity + 0.5*(raw/2)
	if got, want := factors[0].A.At(0, 0), 0.5+2.0; got != want {
		t.Errorf("A[0,0] = %v, want %v", got, want)
	}
	if got, want := factors[0].A.At(0, 1), 0.0; got != want {
		t.Errorf("A[0,1] = %v, want %v", got, want)
	}
	if got, want := factors[0].G.At(0, 0), 0.5+1.0; got != want {
		t.Errorf("G[0,0] = %v, want %v", got, want)
	}
}

func TestUpdateFactorEstimatesZeroCount(t *testing.T) {
	arch := Arch{3, 2}
	if _, err := UpdateFactorEstimates(MakeFactors(arch), MakeStats(arch), 0.5); err == nil {
		t.Errorf("expected an error for a window with no accumulated samples")
	}
}

package kfac

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestCollectStatsShapes(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{4, 3, 2}
	params := MakeParams(0.2, arch, r)
	inputs := randomInputs(r, 10, 4)

	stats, err := CollectStats(params, inputs, 6, r)
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}
	if len(stats) != arch.NumLayers() {
		t.Fatalf("got statistics for %d layers, want %d", len(stats), arch.NumLayers())
	}
	for l := range stats {
		if ra, ca := stats[l].AA.Dims(); ra != arch[l]+1 || ca != arch[l]+1 {
			t.Errorf("layer %d AA has shape (%d, %d), want (%d, %d)", l, ra, ca, arch[l]+1, arch[l]+1)
		}
		if rg, cg := stats[l].GG.Dims(); rg != arch[l+1] || cg != arch[l+1] {
			t.Errorf("layer %d GG has shape (%d, %d), want (%d, %d)", l, rg, cg, arch[l+1], arch[l+1])
		}
		if stats[l].N != 6 {
			t.Errorf("layer %d has count %d, want 6", l, stats[l].N)
		}
		checkFinite(t, stats[l].AA)
		checkFinite(t, stats[l].GG)
	}

	// The homogenizing ones column makes the bias-bias entry of AA equal
	// to the sample count.
	m := arch[0]
	if got := stats[0].AA.At(m, m); got != 6 {
		t.Errorf("AA bias-bias entry = %v, want 6", got)
	}
}

func TestAddStatsAdditivity(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{3, 2}
	params := MakeParams(0.2, arch, r)
	inputs := randomInputs(r, 8, 3)

	s1, err := CollectStats(params, inputs, 4, r)
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}
	s2, err := CollectStats(params, inputs, 5, r)
	if err != nil {
		t.Fatalf("CollectStats: %v", err)
	}

	folded := AddStats(AddStats(MakeStats(arch), s1), s2)

	for l := range folded {
		wantAA := mat.NewDense(arch[l]+1, arch[l]+1, nil)
		wantAA.Add(s1[l].AA, s2[l].AA)
		if !mat.EqualApprox(folded[l].AA, wantAA, 1e-12) {
			t.Errorf("layer %d AA does not equal the elementwise sum", l)
		}
		wantGG := mat.NewDense(arch[l+1], arch[l+1], nil)
		wantGG.Add(s1[l].GG, s2[l].GG)
		if !mat.EqualApprox(folded[l].GG, wantGG, 1e-12) {
			t.Errorf("layer %d GG does not equal the elementwise sum", l)
		}
		if folded[l].N != s1[l].N+s2[l].N {
			t.Errorf("layer %d count = %d, want %d", l, folded[l].N, s1[l].N+s2[l].N)
		}
	}
}

func TestSampleFromLogProbsDegenerate(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	inf := math.Inf(-1)
	logprobs := mat.NewDense(1, 3, []float64{inf, inf, inf})

	if _, err := sampleFromLogProbs(logprobs, r); err == nil {
		t.Errorf("expected an error for a zero-mass probability row")
	}
}

func TestSampleFromLogProbsOneHot(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	// Rows heavily concentrated on one class must pick that class.
	logprobs := logSoftmax(mat.NewDense(2, 3, []float64{
		50, 0, 0,
		0, 0, 50,
	}))

	targets, err := sampleFromLogProbs(logprobs, r)
	if err != nil {
		t.Fatalf("sampleFromLogProbs: %v", err)
	}
	if targets.At(0, 0) != 1 || targets.At(1, 2) != 1 {
		t.Errorf("sampled targets %v do not follow the concentrated rows", mat.Formatted(targets))
	}
	for k := 0; k < 2; k++ {
		total := 0.0
		for j := 0; j < 3; j++ {
			total += targets.At(k, j)
		}
		if total != 1 {
			t.Errorf("row %d has %v hot entries, want exactly 1", k, total)
		}
	}
}

func checkFinite(t *testing.T, m *mat.Dense) {
	t.Helper()
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite entry %v at (%d, %d)", v, i, j)
			}
		}
	}
}

func BenchmarkCollectStats(b *testing.B) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{20, 16, 10}
	params := MakeParams(0.1, arch, r)
	inputs := randomInputs(r, 64, 20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := CollectStats(params, inputs, 64, r); err != nil {
			b.Fatal(err)
		}
	}
}

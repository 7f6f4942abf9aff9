package kfac

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

func TestApplySingleLayer(t *testing.T) {
	params := Params{{
		W: mat.NewDense(2, 2, []float64{1, 2, 3, 4}),
		B: mat.NewVecDense(2, []float64{0.5, -0.5}),
	}}
	x := mat.NewDense(1, 2, []float64{1, 1})

	logits := Apply(params, x)
	if got, want := logits.At(0, 0), 4.5; math.Abs(got-want) > 1e-12 {
		t.Errorf("logit 0 = %v, want %v", got, want)
	}
	if got, want := logits.At(0, 1), 5.5; math.Abs(got-want) > 1e-12 {
		t.Errorf("logit 1 = %v, want %v", got, want)
	}
}

func TestApplyHiddenTanh(t *testing.T) {
	params := Params{
		{W: mat.NewDense(1, 1, []float64{2}), B: mat.NewVecDense(1, []float64{0})},
		{W: mat.NewDense(1, 1, []float64{3}), B: mat.NewVecDense(1, []float64{1})},
	}
	x := mat.NewDense(1, 1, []float64{0.5})

	logits := Apply(params, x)
	want := 3*math.Tanh(1) + 1
	if got := logits.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Errorf("logit = %v, want %v", got, want)
	}
}

func TestPredictRowsNormalize(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	params := MakeParams(0.5, Arch{3, 4, 5}, r)
	x := randomInputs(r, 7, 3)

	logprobs := Predict(params, x)
	rows, cols := logprobs.Dims()
	for k := 0; k < rows; k++ {
		total := 0.0
		for j := 0; j < cols; j++ {
			total += math.Exp(logprobs.At(k, j))
		}
		if math.Abs(total-1) > 1e-12 {
			t.Errorf("row %d probabilities sum to %v, want 1", k, total)
		}
	}
}

// TestNegLogJointGradient checks the analytic reverse pass against
// central finite differences of the objective value.
func TestNegLogJointGradient(t *testing.T) {
	r := rand.New(rand.NewSource(12345))
	arch := Arch{3, 4, 2}
	params := MakeParams(0.4, arch, r)
	x := randomInputs(r, 5, 3)
	y := randomOneHot(r, 5, 2)
	l2reg := 0.1

	_, grad := NegLogJoint(params, x, y, l2reg)
	analytic := Flatten(grad)

	numeric := fd.Gradient(nil, func(v []float64) float64 {
		val, _ := NegLogJoint(arch.Unflatten(v), x, y, l2reg)
		return val
	}, Flatten(params), &fd.Settings{Formula: fd.Central})

	for i := range analytic {
		if math.Abs(analytic[i]-numeric[i]) > 1e-6 {
			t.Errorf("gradient entry %d: analytic %v, numeric %v", i, analytic[i], numeric[i])
		}
	}
}

func TestAccuracyPerfectAndZero(t *testing.T) {
	params := Params{{
		W: mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		B: mat.NewVecDense(2, nil),
	}}
	x := mat.NewDense(2, 2, []float64{5, 1, 1, 5})

	right := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	if got := Accuracy(params, x, right); got != 1 {
		t.Errorf("accuracy = %v, want 1", got)
	}
	wrong := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	if got := Accuracy(params, x, wrong); got != 0 {
		t.Errorf("accuracy = %v, want 0", got)
	}
}

func randomInputs(r *rand.Rand, rows, cols int) *mat.Dense {
	out := mat.NewDense(rows, cols, nil)
	for k := 0; k < rows; k++ {
		for j := 0; j < cols; j++ {
			out.Set(k, j, r.NormFloat64())
		}
	}
	return out
}

func randomOneHot(r *rand.Rand, rows, classes int) *mat.Dense {
	out := mat.NewDense(rows, classes, nil)
	for k := 0; k < rows; k++ {
		out.Set(k, r.Intn(classes), 1)
	}
	return out
}

// Command kfac-sim trains a small classifier on a synthetic 2-D data set
// twice, once with the K-FAC preconditioned optimizer and once with plain
// momentum descent, and reports how the two compare.
package main

import (
	"log"
	"math/rand"

	"github.com/ahmedtd/natgrad/kfac"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func main() {
	batchSize := 1000
	stepSize := 0.02
	steps := 2000
	x, y := generateDataset(batchSize)

	num0s := 0
	num1s := 0
	for k := 0; k < batchSize; k++ {
		if y.At(k, 1) == 1 {
			num1s++
		} else {
			num0s++
		}
	}
	log.Printf("original data set has %d 1s and %d 0s", num1s, num0s)

	arch := kfac.Arch{2, 8, 2}
	r := rand.New(rand.NewSource(12345))
	init := kfac.MakeParams(0.1, arch, r)

	objective := func(p kfac.Params, iter int) (float64, kfac.Params) {
		return kfac.NegLogJoint(p, x, y, 0.01)
	}
	getBatch := func(iter int) *mat.Dense { return x }

	cfg := kfac.Config{
		StepSize:            stepSize,
		NumIters:            steps,
		NumSamples:          256,
		SamplePeriod:        1,
		ReestimatePeriod:    5,
		UpdatePrecondPeriod: 5,
		Lambda:              0.1,
		Eps:                 0.05,
	}

	opt, err := kfac.MakeOptimizer(objective, getBatch, arch, clone(arch, init), cfg, nil, r)
	if err != nil {
		log.Fatalf("while building optimizer: %v", err)
	}
	kfacParams, err := opt.Run()
	if err != nil {
		log.Fatalf("while training with kfac: %v", err)
	}

	kfacObj, _ := kfac.NegLogJoint(kfacParams, x, y, 0.01)
	kfacMiss := mispredictions(kfacParams, x, y)
	log.Printf("kfac objective=%v mispredictions=%d (%v%%)",
		kfacObj, kfacMiss, float64(kfacMiss)/float64(batchSize)*100)

	sgdParams := momentumDescent(arch, clone(arch, init), x, y, stepSize, steps)
	sgdObj, _ := kfac.NegLogJoint(sgdParams, x, y, 0.01)
	sgdMiss := mispredictions(sgdParams, x, y)
	log.Printf("momentum objective=%v mispredictions=%d (%v%%)",
		sgdObj, sgdMiss, float64(sgdMiss)/float64(batchSize)*100)
}

func generateDataset(m int) (x, y *mat.Dense) {
	r := rand.New(rand.NewSource(12345))

	x = mat.NewDense(m, 2, nil)
	y = mat.NewDense(m, 2, nil)

	for i := 0; i < m; i++ {
		// Generate a point and classify it according to the "true"
		// distribution.
		x1 := r.Float64()
		x2 := r.Float64()
		class := 0
		if x2 > x1 {
			class = 1
		}

		// Perturb the point a little bit with noise.
		x.Set(i, 0, x1+0.02*r.NormFloat64())
		x.Set(i, 1, x2+0.02*r.NormFloat64())
		y.Set(i, class, 1)
	}

	return x, y
}

func mispredictions(p kfac.Params, x, y *mat.Dense) int {
	rows, _ := x.Dims()
	return rows - int(kfac.Accuracy(p, x, y)*float64(rows)+0.5)
}

func clone(arch kfac.Arch, p kfac.Params) kfac.Params {
	return arch.Unflatten(kfac.Flatten(p))
}

// momentumDescent runs the same momentum update rule as the K-FAC loop
// but with no preconditioning, as a baseline.
func momentumDescent(arch kfac.Arch, p kfac.Params, x, y *mat.Dense, stepSize float64, steps int) kfac.Params {
	flat := kfac.Flatten(p)
	momentum := make([]float64, len(flat))

	for i := 0; i < steps; i++ {
		obj, grad := kfac.NegLogJoint(arch.Unflatten(flat), x, y, 0.01)
		flatGrad := kfac.Flatten(grad)

		floats.Scale(kfac.DefaultMu, momentum)
		floats.AddScaled(momentum, -(1 - kfac.DefaultMu), flatGrad)
		floats.AddScaled(flat, stepSize, momentum)

		if i%500 == 0 {
			log.Printf("momentum step=%d objective=%v", i, obj)
		}
	}

	return arch.Unflatten(flat)
}

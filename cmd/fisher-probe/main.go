// Command fisher-probe compares the three Fisher information estimates
// (exact, Monte Carlo, and Kronecker-factored) on a small random network,
// reporting how closely the cheap estimates track the exact matrix.
package main

import (
	"flag"
	"log"
	"math/rand"

	"github.com/ahmedtd/natgrad/kfac"
	"gonum.org/v1/gonum/mat"
)

var (
	startLayer   = flag.Int("start-layer", 0, "First layer of the probed span")
	stopLayer    = flag.Int("stop-layer", 2, "One past the last layer of the probed span")
	numInputs    = flag.Int("num-inputs", 32, "Number of random input rows")
	numSamples   = flag.Int("num-samples", 400, "Target samples for the Monte Carlo estimate")
	sampleFactor = flag.Int("sample-factor", 250, "Samples per input row for the factored estimate")
	seed         = flag.Int64("seed", 12345, "Seed for the random generator")
)

func main() {
	flag.Parse()

	arch := kfac.Arch{4, 6, 3}
	r := rand.New(rand.NewSource(*seed))
	params := kfac.MakeParams(0.05, arch, r)

	inputs := mat.NewDense(*numInputs, arch[0], nil)
	for i := 0; i < *numInputs; i++ {
		for j := 0; j < arch[0]; j++ {
			inputs.Set(i, j, 0.5*r.NormFloat64())
		}
	}

	exact := kfac.ExactFisher(params, inputs, *startLayer, *stopLayer)
	dim, _ := exact.Dims()
	log.Printf("probing layers [%d, %d): %d parameters", *startLayer, *stopLayer, dim)

	monteCarlo, err := kfac.MonteCarloFisher(*numSamples, params, inputs, *startLayer, *stopLayer, r)
	if err != nil {
		log.Fatalf("while estimating by Monte Carlo: %v", err)
	}
	log.Printf("monte-carlo relative error: %v", relFrobDiff(monteCarlo, exact))

	approx, err := kfac.ApproxFisher(*sampleFactor, params, inputs, *startLayer, *stopLayer, r)
	if err != nil {
		log.Fatalf("while estimating by Kronecker factors: %v", err)
	}
	log.Printf("kronecker-factored relative error: %v", relFrobDiff(approx, exact))
}

func relFrobDiff(got, want *mat.Dense) float64 {
	var diff mat.Dense
	diff.Sub(got, want)
	return mat.Norm(&diff, 2) / mat.Norm(want, 2)
}

// Command mnist implements training and inference on the MNIST dataset
// with the K-FAC natural-gradient optimizer.
//
// To train: `go run ./cmd/mnist train --data-file=cmd/mnist/data/mnist.npz`
//
// To infer: `go run ./cmd/mnist infer --weights=mnist-out.safetensors --image=cmd/mnist/data/five.png`
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime/pprof"

	"github.com/ahmedtd/natgrad/kfac"
	"github.com/google/subcommands"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/mat"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&TrainCommand{}, "")
	subcommands.Register(&InferCommand{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

var mnistArch = kfac.Arch{28 * 28, 200, 100, 10}

type TrainCommand struct {
	dataFile string

	fromCheckpointFile string
	outputWeightFile   string

	epochs    int
	batchSize int

	cpuProfileFile string
}

var _ subcommands.Command = (*TrainCommand)(nil)

func (*TrainCommand) Name() string {
	return "train"
}

func (*TrainCommand) Synopsis() string {
	return "Train the model"
}

func (*TrainCommand) Usage() string {
	return ``
}

func (c *TrainCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.dataFile, "data-file", "mnist.npz", "Path to the mnist.npz input file")
	f.StringVar(&c.fromCheckpointFile, "from-checkpoint", "", "Path to a checkpoint to resume training from")
	f.StringVar(&c.outputWeightFile, "output-weight-file", "mnist-out.safetensors", "Path to save trained weights (safetensors format)")

	f.IntVar(&c.epochs, "epochs", 5, "Number of passes over the training data")
	f.IntVar(&c.batchSize, "batch-size", 256, "Rows per training batch")

	f.StringVar(&c.cpuProfileFile, "cpu-profile", "", "Write a CPU profile")
}

func (c *TrainCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *TrainCommand) executeErr(ctx context.Context) error {
	if c.cpuProfileFile != "" {
		f, err := os.Create(c.cpuProfileFile)
		if err != nil {
			return fmt.Errorf("while creating CPU profile file: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("while starting CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	xTrain, yTrain, xTest, yTest, err := loadMNIST(c.dataFile)
	if err != nil {
		return fmt.Errorf("while loading MNIST data set: %w", err)
	}

	numTrain, inputWidth := xTrain.Dims()
	numBatches := (numTrain + c.batchSize - 1) / c.batchSize
	log.Printf("Data loaded: %d training rows in %d batches", numTrain, numBatches)

	// Batches walk the training set round-robin; the last batch of an
	// epoch may be short.
	batchRows := func(iter int) (int, int) {
		idx := iter % numBatches
		begin := idx * c.batchSize
		end := begin + c.batchSize
		if end > numTrain {
			end = numTrain
		}
		return begin, end
	}

	getBatch := func(iter int) *mat.Dense {
		begin, end := batchRows(iter)
		return xTrain.Slice(begin, end, 0, inputWidth).(*mat.Dense)
	}
	objective := func(p kfac.Params, iter int) (float64, kfac.Params) {
		begin, end := batchRows(iter)
		x := xTrain.Slice(begin, end, 0, inputWidth).(*mat.Dense)
		y := yTrain.Slice(begin, end, 0, 10).(*mat.Dense)
		return kfac.NegLogJoint(p, x, y, 0)
	}

	r := rand.New(rand.NewSource(12345))
	params := kfac.MakeParams(0.1, mnistArch, r)

	var restored map[string]*mat.Dense
	if c.fromCheckpointFile != "" {
		restored, err = readTensorFile(c.fromCheckpointFile)
		if err != nil {
			return fmt.Errorf("while loading initial checkpoint: %w", err)
		}
		params, err = mnistArch.LoadParams(restored)
		if err != nil {
			return fmt.Errorf("while restoring network: %w", err)
		}
	}

	cfg := kfac.Config{
		StepSize:            1e-3,
		NumIters:            c.epochs * numBatches,
		NumSamples:          c.batchSize,
		SamplePeriod:        1,
		ReestimatePeriod:    5,
		UpdatePrecondPeriod: 5,
		Lambda:              0.1,
		Eps:                 0.05,
	}

	var opt *kfac.Optimizer
	callback := func(p kfac.Params, iter int, grad kfac.Params) {
		if iter%numBatches != 0 {
			return
		}
		epoch := iter / numBatches

		trainLoss := -kfac.LogLikelihood(p, xTrain, yTrain)
		trainPct := kfac.Accuracy(p, xTrain, yTrain) * 100
		testPct := kfac.Accuracy(p, xTest, yTest) * 100
		log.Printf("epoch %d training-loss=%f training-pct=%.1f testing-pct=%.1f",
			epoch, trainLoss, trainPct, testPct)

		if err := c.writeCheckpoint(p, opt); err != nil {
			log.Printf("while writing checkpoint: %v", err)
		}
	}

	opt, err = kfac.MakeOptimizer(objective, getBatch, mnistArch, params, cfg, callback, r)
	if err != nil {
		return fmt.Errorf("while building optimizer: %w", err)
	}
	if restored != nil {
		if err := opt.LoadTensors(restored); err != nil {
			return fmt.Errorf("while restoring optimizer state: %w", err)
		}
		log.Printf("Resuming from iteration %d", opt.Iter())
	}

	final, err := opt.Run()
	if err != nil {
		return fmt.Errorf("while training: %w", err)
	}

	if err := c.writeCheckpoint(final, opt); err != nil {
		return fmt.Errorf("while writing final checkpoint: %w", err)
	}
	log.Printf("final testing-pct=%.1f", kfac.Accuracy(final, xTest, yTest)*100)

	return nil
}

func (c *TrainCommand) writeCheckpoint(params kfac.Params, opt *kfac.Optimizer) error {
	f, err := os.Create(c.outputWeightFile)
	if err != nil {
		return fmt.Errorf("while creating checkpoint file: %w", err)
	}
	defer f.Close()

	tensors := map[string]*mat.Dense{}

	params.DumpTensors(tensors)
	opt.DumpTensors(tensors)

	if err := kfac.WriteSafeTensors(f, tensors); err != nil {
		return fmt.Errorf("while writing checkpoint tensors: %w", err)
	}

	return nil
}

func readTensorFile(path string) (map[string]*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("while opening checkpoint file: %w", err)
	}
	defer f.Close()

	tensors, err := kfac.ReadSafeTensors(f)
	if err != nil {
		return nil, fmt.Errorf("while reading checkpoint tensors: %w", err)
	}

	return tensors, nil
}

func loadMNIST(path string) (xTrain, yTrain, xTest, yTest *mat.Dense, err error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("while opening mnist data file: %w", err)
	}
	defer r.Close()

	// It seems like even though the npy format supports specifying a Fortran
	// layout, numpy will always write C-style layouts (row-major / last index
	// stored contiguously.)

	// The MNIST data set is of 28x28 images.  We will return them all in a
	// matrix of shape (batchSize, 28*28), with the labels one-hot encoded.

	xTrain, err = loadImages(r, "x_train.npy")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("while reading x_train.npy: %w", err)
	}

	yTrain, err = loadLabels(r, "y_train.npy")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("while reading y_train.npy: %w", err)
	}

	xTest, err = loadImages(r, "x_test.npy")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("while reading x_test.npy: %w", err)
	}

	yTest, err = loadLabels(r, "y_test.npy")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("while reading y_test.npy: %w", err)
	}

	return xTrain, yTrain, xTest, yTest, nil
}

func loadImages(r *npz.Reader, name string) (*mat.Dense, error) {
	header := r.Header(name)

	var raw []uint8
	if err := r.Read(name, &raw); err != nil {
		return nil, fmt.Errorf("while reading uint8 array: %w", err)
	}

	rows := header.Descr.Shape[0]
	cols := header.Descr.Shape[1] * header.Descr.Shape[2]
	data := make([]float64, len(raw))
	for i := range raw {
		data[i] = float64(raw[i]) / 255
	}

	return mat.NewDense(rows, cols, data), nil
}

func loadLabels(r *npz.Reader, name string) (*mat.Dense, error) {
	header := r.Header(name)

	var raw []uint8
	if err := r.Read(name, &raw); err != nil {
		return nil, fmt.Errorf("while reading uint8 array: %w", err)
	}

	rows := header.Descr.Shape[0]
	result := mat.NewDense(rows, 10, nil)
	for i, label := range raw {
		if int(label) > 9 {
			return nil, fmt.Errorf("label %d out of range at row %d", label, i)
		}
		result.Set(i, int(label), 1)
	}

	return result, nil
}

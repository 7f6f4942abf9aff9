package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"os"

	"github.com/ahmedtd/natgrad/kfac"
	"github.com/google/subcommands"
	"gonum.org/v1/gonum/mat"

	_ "image/jpeg"
	_ "image/png"
)

type InferCommand struct {
	weightsFile string
	imageFile   string
}

var _ subcommands.Command = (*InferCommand)(nil)

func (*InferCommand) Name() string {
	return "infer"
}

func (*InferCommand) Synopsis() string {
	return "Infer using the model weights"
}

func (*InferCommand) Usage() string {
	return ``
}

func (c *InferCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.weightsFile, "weights", "mnist.safetensors", "Path to the weights produced by the train command")
	f.StringVar(&c.imageFile, "image", "", "Path to the image to predict")
}

func (c *InferCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := c.executeErr(ctx); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *InferCommand) executeErr(ctx context.Context) error {
	params, err := c.loadWeights()
	if err != nil {
		return fmt.Errorf("while loading weights: %w", err)
	}

	x, err := c.loadImage()
	if err != nil {
		return fmt.Errorf("while loading image: %w", err)
	}

	pred := kfac.Predict(params, x)

	digit := 0
	score := math.Inf(-1)
	for i := 0; i < 10; i++ {
		log.Printf("log(p(%d)) = %f", i, pred.At(0, i))
		if pred.At(0, i) > score {
			digit = i
			score = pred.At(0, i)
		}
	}

	log.Printf("Prediction: %d", digit)
	return nil
}

func (c *InferCommand) loadImage() (*mat.Dense, error) {
	f, err := os.Open(c.imageFile)
	if err != nil {
		return nil, fmt.Errorf("while opening image file: %w", err)
	}
	defer f.Close()

	rawImg, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("while decoding image: %w", err)
	}

	rawBounds := rawImg.Bounds()

	out := mat.NewDense(1, 28*28, nil)

	for y := rawBounds.Min.Y; y < rawBounds.Max.Y; y++ {
		for x := rawBounds.Min.X; x < rawBounds.Max.X; x++ {
			v := float64(color.GrayModel.Convert(rawImg.At(x, y)).(color.Gray).Y) / 256
			out.Set(0, y*28+x, v)
		}
	}

	return out, nil
}

func (c *InferCommand) loadWeights() (kfac.Params, error) {
	f, err := os.Open(c.weightsFile)
	if err != nil {
		return nil, fmt.Errorf("while opening weights file: %w", err)
	}
	defer f.Close()

	tensors, err := kfac.ReadSafeTensors(f)
	if err != nil {
		return nil, fmt.Errorf("while reading weight tensors: %w", err)
	}

	params, err := mnistArch.LoadParams(tensors)
	if err != nil {
		return nil, fmt.Errorf("while restoring network: %w", err)
	}

	return params, nil
}

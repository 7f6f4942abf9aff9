package kfac

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Arch is an ordered list of layer widths [n0, n1, ..., nL] describing a
// stack of L fully-connected layers.  Layer l maps activations of width
// Arch[l] to pre-activations of width Arch[l+1].
type Arch []int

func (a Arch) NumLayers() int {
	return len(a) - 1
}

// NumParams returns the length of the flattened parameter vector over the
// whole stack.
func (a Arch) NumParams() int {
	total := 0
	for l := 0; l < a.NumLayers(); l++ {
		total += (a[l] + 1) * a[l+1]
	}
	return total
}

// Linear holds one fully-connected layer's parameters.
//
// W has shape (inputSize, outputSize).  B has length outputSize.
type Linear struct {
	W *mat.Dense
	B *mat.VecDense
}

// Params is the per-layer parameter list for a network.  The optimizer
// replaces the whole value each iteration rather than mutating in place.
type Params []Linear

// MakeParams draws Gaussian initial parameters with the given scale.
func MakeParams(scale float64, arch Arch, r *rand.Rand) Params {
	params := make(Params, arch.NumLayers())
	for l := range params {
		m, n := arch[l], arch[l+1]
		w := mat.NewDense(m, n, nil)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				w.Set(i, j, scale*r.NormFloat64())
			}
		}
		b := mat.NewVecDense(n, nil)
		for j := 0; j < n; j++ {
			b.SetVec(j, scale*r.NormFloat64())
		}
		params[l] = Linear{W: w, B: b}
	}
	return params
}

// ArchOf recovers the layer widths from a parameter list.
func ArchOf(p Params) Arch {
	arch := make(Arch, 0, len(p)+1)
	for l := range p {
		m, _ := p[l].W.Dims()
		arch = append(arch, m)
	}
	_, n := p[len(p)-1].W.Dims()
	return append(arch, n)
}

// Check panics if p is not shaped according to arch.
func (a Arch) Check(p Params) {
	if len(p) != a.NumLayers() {
		panic(fmt.Sprintf("got %d layers of parameters, arch %v needs %d", len(p), a, a.NumLayers()))
	}
	for l := range p {
		m, n := p[l].W.Dims()
		if m != a[l] || n != a[l+1] {
			panic(fmt.Sprintf("layer %d weights have shape (%d, %d); arch %v needs (%d, %d)", l, m, n, a, a[l], a[l+1]))
		}
		if p[l].B.Len() != a[l+1] {
			panic(fmt.Sprintf("layer %d biases have length %d; arch %v needs %d", l, p[l].B.Len(), a, a[l+1]))
		}
	}
}

// Flatten packs a parameter list into one contiguous vector: per layer,
// the weight matrix in row-major order followed by the biases.  The
// layout matches the row ordering of the stacked (W over b) matrix used
// by the preconditioner, so Kronecker-structured curvature blocks line up
// with contiguous spans of the flattened vector.
func Flatten(p Params) []float64 {
	out := make([]float64, 0, ArchOf(p).NumParams())
	for l := range p {
		out = append(out, p[l].W.RawMatrix().Data...)
		out = append(out, p[l].B.RawVector().Data...)
	}
	return out
}

// Unflatten is the exact inverse of Flatten for parameters shaped
// according to a.
func (a Arch) Unflatten(v []float64) Params {
	if len(v) != a.NumParams() {
		panic(fmt.Sprintf("flat vector has length %d, arch %v needs %d", len(v), a, a.NumParams()))
	}
	params := make(Params, a.NumLayers())
	off := 0
	for l := range params {
		m, n := a[l], a[l+1]
		w := make([]float64, m*n)
		copy(w, v[off:off+m*n])
		off += m * n
		b := make([]float64, n)
		copy(b, v[off:off+n])
		off += n
		params[l] = Linear{
			W: mat.NewDense(m, n, w),
			B: mat.NewVecDense(n, b),
		}
	}
	return params
}

// L2Norm returns the squared Euclidean norm of the flattened parameters.
func L2Norm(p Params) float64 {
	flat := Flatten(p)
	return floats.Dot(flat, flat)
}

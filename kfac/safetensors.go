package kfac

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// SafeTensors container with F64 payloads: little-endian header length,
// JSON header, then the raw tensor data in key order.

type safeTensorInfo struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets []int  `json:"data_offsets"`
}

// WriteSafeTensors writes the tensors to w in safetensors format, with
// keys sorted for a deterministic layout.
func WriteSafeTensors(w io.Writer, tensors map[string]*mat.Dense) error {
	keys := make([]string, 0, len(tensors))
	for k := range tensors {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	header := map[string]safeTensorInfo{}
	dataOffset := 0
	for _, k := range keys {
		rows, cols := tensors[k].Dims()
		begin := dataOffset
		dataOffset += rows * cols * 8
		header[k] = safeTensorInfo{
			DType:       "F64",
			Shape:       []int{rows, cols},
			DataOffsets: []int{begin, dataOffset},
		}
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("while marshaling header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return fmt.Errorf("while writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("while writing header: %w", err)
	}

	for _, k := range keys {
		rows, cols := tensors[k].Dims()
		data := make([]float64, 0, rows*cols)
		for i := 0; i < rows; i++ {
			data = append(data, tensors[k].RawRowView(i)...)
		}
		if err := binary.Write(w, binary.LittleEndian, data); err != nil {
			return fmt.Errorf("while writing %s values: %w", k, err)
		}
	}

	return nil
}

// ReadSafeTensors reads an F64 safetensors stream written by
// WriteSafeTensors.  r must also implement io.ReaderAt.
func ReadSafeTensors(r io.Reader) (map[string]*mat.Dense, error) {
	rat, ok := r.(io.ReaderAt)
	if !ok {
		return nil, fmt.Errorf("reader %T does not support random access", r)
	}

	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("while reading header length: %w", err)
	}

	headerBytes := make([]byte, int(headerLen))
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("while reading header: %w", err)
	}

	header := map[string]safeTensorInfo{}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("while parsing header: %w", err)
	}

	tensors := map[string]*mat.Dense{}
	for k, hdr := range header {
		if hdr.DType != "F64" {
			return nil, fmt.Errorf("unsupported dtype %s for %s", hdr.DType, k)
		}
		if len(hdr.Shape) != 2 {
			return nil, fmt.Errorf("unsupported shape %v for %s", hdr.Shape, k)
		}
		rows, cols := hdr.Shape[0], hdr.Shape[1]
		if rows < 1 || cols < 1 {
			return nil, fmt.Errorf("bad shape %v for %s", hdr.Shape, k)
		}

		data := make([]float64, rows*cols)
		section := io.NewSectionReader(rat, 8+int64(headerLen)+int64(hdr.DataOffsets[0]), int64(rows*cols*8))
		if err := binary.Read(section, binary.LittleEndian, data); err != nil {
			return nil, fmt.Errorf("while reading values for %s: %w", k, err)
		}
		tensors[k] = mat.NewDense(rows, cols, data)
	}

	return tensors, nil
}

// DumpTensors stores the parameters under net.<layer>.weights and
// net.<layer>.biases keys.
func (p Params) DumpTensors(tensors map[string]*mat.Dense) {
	for l := range p {
		tensors[fmt.Sprintf("net.%d.weights", l)] = mat.DenseCopyOf(p[l].W)
		n := p[l].B.Len()
		b := mat.NewDense(n, 1, nil)
		for j := 0; j < n; j++ {
			b.Set(j, 0, p[l].B.AtVec(j))
		}
		tensors[fmt.Sprintf("net.%d.biases", l)] = b
	}
}

// LoadParams rebuilds a parameter list shaped according to a from a
// tensor map written by Params.DumpTensors.
func (a Arch) LoadParams(tensors map[string]*mat.Dense) (Params, error) {
	params := make(Params, a.NumLayers())
	for l := range params {
		weightKey := fmt.Sprintf("net.%d.weights", l)
		w, ok := tensors[weightKey]
		if !ok {
			return nil, fmt.Errorf("no entry for %s", weightKey)
		}
		rows, cols := w.Dims()
		if rows != a[l] || cols != a[l+1] {
			return nil, fmt.Errorf("%s has shape (%d, %d); want (%d, %d)", weightKey, rows, cols, a[l], a[l+1])
		}

		biasKey := fmt.Sprintf("net.%d.biases", l)
		b, ok := tensors[biasKey]
		if !ok {
			return nil, fmt.Errorf("no entry for %s", biasKey)
		}
		rows, cols = b.Dims()
		if rows != a[l+1] || cols != 1 {
			return nil, fmt.Errorf("%s has shape (%d, %d); want (%d, 1)", biasKey, rows, cols, a[l+1])
		}

		bias := mat.NewVecDense(a[l+1], nil)
		for j := 0; j < a[l+1]; j++ {
			bias.SetVec(j, b.At(j, 0))
		}
		params[l] = Linear{W: mat.DenseCopyOf(w), B: bias}
	}
	return params, nil
}

// DumpTensors stores the optimizer's resumable state: iteration counter,
// momentum, and the per-layer factor estimates.  Raw statistics are
// window-local scratch and are not saved; the preconditioner is derived
// state and is rebuilt on load.
func (o *Optimizer) DumpTensors(tensors map[string]*mat.Dense) {
	tensors["kfac.iter"] = mat.NewDense(1, 1, []float64{float64(o.iter)})

	momentum := mat.NewDense(len(o.momentum), 1, nil)
	for i, v := range o.momentum {
		momentum.Set(i, 0, v)
	}
	tensors["kfac.momentum"] = momentum

	for l := range o.factors {
		tensors[fmt.Sprintf("kfac.%d.factorA", l)] = mat.DenseCopyOf(o.factors[l].A)
		tensors[fmt.Sprintf("kfac.%d.factorG", l)] = mat.DenseCopyOf(o.factors[l].G)
	}
}

// LoadTensors restores state written by DumpTensors and rebuilds the
// preconditioner from the restored factors.
func (o *Optimizer) LoadTensors(tensors map[string]*mat.Dense) error {
	iter, ok := tensors["kfac.iter"]
	if !ok {
		return fmt.Errorf("no entry for kfac.iter")
	}
	o.iter = int(iter.At(0, 0))

	momentum, ok := tensors["kfac.momentum"]
	if !ok {
		return fmt.Errorf("no entry for kfac.momentum")
	}
	rows, cols := momentum.Dims()
	if rows != o.arch.NumParams() || cols != 1 {
		return fmt.Errorf("kfac.momentum has shape (%d, %d); want (%d, 1)", rows, cols, o.arch.NumParams())
	}
	for i := 0; i < rows; i++ {
		o.momentum[i] = momentum.At(i, 0)
	}

	factors := make([]LayerFactors, o.arch.NumLayers())
	for l := range factors {
		aKey := fmt.Sprintf("kfac.%d.factorA", l)
		a, ok := tensors[aKey]
		if !ok {
			return fmt.Errorf("no entry for %s", aKey)
		}
		if r, c := a.Dims(); r != o.arch[l]+1 || c != o.arch[l]+1 {
			return fmt.Errorf("%s has shape (%d, %d); want (%d, %d)", aKey, r, c, o.arch[l]+1, o.arch[l]+1)
		}

		gKey := fmt.Sprintf("kfac.%d.factorG", l)
		g, ok := tensors[gKey]
		if !ok {
			return fmt.Errorf("no entry for %s", gKey)
		}
		if r, c := g.Dims(); r != o.arch[l+1] || c != o.arch[l+1] {
			return fmt.Errorf("%s has shape (%d, %d); want (%d, %d)", gKey, r, c, o.arch[l+1], o.arch[l+1])
		}

		factors[l] = LayerFactors{A: mat.DenseCopyOf(a), G: mat.DenseCopyOf(g)}
	}

	precond, err := ComputePrecond(factors, o.cfg.Lambda)
	if err != nil {
		return fmt.Errorf("while rebuilding preconditioner from restored factors: %w", err)
	}
	o.factors = factors
	o.precond = precond
	o.stats = MakeStats(o.arch)

	return nil
}

package encoder

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/graph"
)

// lstmLayer holds the weights of one plain LSTM direction, gates ordered
// input, candidate, forget, output.
type lstmLayer struct {
	kernel *graph.Param
	bias   *graph.Param
	hidden int
}

func newLSTMLayer(scope string, in, hidden int, rng *rand.Rand) *lstmLayer {
	return &lstmLayer{
		kernel: graph.NewParam(scope+"/kernel", graph.GlorotUniform(rng)(in+hidden, 4*hidden), false),
		bias:   graph.NewParam(scope+"/bias", graph.Zeros(1, 4*hidden), false),
		hidden: hidden,
	}
}

// Fused runs every layer as one fused sequence op. The gpu flavour adds no
// forget bias and serves through a step-by-step reconstruction.
type Fused struct {
	fw, bw     []*lstmLayer
	forgetBias float64
	gpu        bool
	outDim     int
}

func newFused(spec Spec, bidirectional, gpu bool, rng *rand.Rand) *Fused {
	f := &Fused{gpu: gpu, forgetBias: 1, outDim: spec.InputDim}
	if gpu {
		f.forgetBias = 0
	}
	in := spec.InputDim
	for i, size := range spec.Sizes {
		if bidirectional {
			f.fw = append(f.fw, newLSTMLayer(fmt.Sprintf("rnn_fw_encoder_%s_%d", spec.Name, i), in, size, rng))
			f.bw = append(f.bw, newLSTMLayer(fmt.Sprintf("rnn_bw_encoder_%s_%d", spec.Name, i), in, size, rng))
			in = 2 * size
		} else {
			f.fw = append(f.fw, newLSTMLayer(fmt.Sprintf("rnn_encoder_%s_%d", spec.Name, i), in, size, rng))
			in = size
		}
		f.outDim = in
	}
	return f
}

// Encode implements Encoder.
func (f *Fused) Encode(t *graph.Tape, steps []*graph.Node, mask *mat.Dense, training bool) *graph.Node {
	return f.encode(t, steps, mask, func(l *lstmLayer, xs []*graph.Node) []*graph.Node {
		return t.LSTM(xs, t.Param(l.kernel), t.Param(l.bias), f.forgetBias)
	})
}

func (f *Fused) encode(t *graph.Tape, steps []*graph.Node, mask *mat.Dense, run func(*lstmLayer, []*graph.Node) []*graph.Node) *graph.Node {
	if len(f.fw) == 0 {
		return sumSteps(t, steps)
	}
	xs := make([]*graph.Node, len(steps))
	for i, s := range steps {
		xs[i] = t.ReLU(s)
	}
	last := LastIndex(mask)
	lengths := RealLengths(mask)
	for i := range f.fw {
		i := i
		fw := run(f.fw[i], xs)
		if f.bw == nil {
			xs = fw
			continue
		}
		bw := bidirectional(t, xs, lengths, func(rev []*graph.Node) []*graph.Node {
			return run(f.bw[i], rev)
		})
		for s := range xs {
			xs[s] = t.ConcatCols(fw[s], bw[s])
		}
	}
	return t.PickRows(xs, last)
}

// Serving returns the portable step-wise encoder for the gpu flavour and the
// receiver otherwise.
func (f *Fused) Serving() Encoder {
	if !f.gpu {
		return f
	}
	return &Portable{fused: f}
}

func (f *Fused) OutDim() int { return f.outDim }

func (f *Fused) Variant() string {
	if f.gpu {
		return VariantGPU
	}
	return VariantFused
}

func (f *Fused) Params() []*graph.Param {
	var out []*graph.Param
	for i := range f.fw {
		out = append(out, f.fw[i].kernel, f.fw[i].bias)
		if f.bw != nil {
			out = append(out, f.bw[i].kernel, f.bw[i].bias)
		}
	}
	return out
}

// Portable evaluates fused weights one step at a time with elementary ops.
// It is numerically equivalent to the fused op and used only for serving.
type Portable struct {
	fused *Fused
}

// Encode implements Encoder.
func (p *Portable) Encode(t *graph.Tape, steps []*graph.Node, mask *mat.Dense, _ bool) *graph.Node {
	return p.fused.encode(t, steps, mask, func(l *lstmLayer, xs []*graph.Node) []*graph.Node {
		return stepLSTM(t, l, xs, p.fused.forgetBias)
	})
}

func stepLSTM(t *graph.Tape, l *lstmLayer, xs []*graph.Node, forgetBias float64) []*graph.Node {
	batch, _ := xs[0].Dims()
	h := t.Const(mat.NewDense(batch, l.hidden, nil))
	c := t.Const(mat.NewDense(batch, l.hidden, nil))
	outs := make([]*graph.Node, len(xs))
	for s, x := range xs {
		z := t.AddRow(t.MatMul(t.ConcatCols(x, h), t.Param(l.kernel)), t.Param(l.bias))
		i := t.Sigmoid(t.SliceCols(z, 0, l.hidden))
		j := t.Tanh(t.SliceCols(z, l.hidden, 2*l.hidden))
		f := t.Sigmoid(t.AddScalar(t.SliceCols(z, 2*l.hidden, 3*l.hidden), forgetBias))
		o := t.Sigmoid(t.SliceCols(z, 3*l.hidden, 4*l.hidden))
		c = t.Add(t.Mul(c, f), t.Mul(i, j))
		h = t.Mul(t.Tanh(c), o)
		outs[s] = h
	}
	return outs
}

func (p *Portable) OutDim() int             { return p.fused.outDim }
func (p *Portable) Variant() string         { return p.fused.Variant() }
func (p *Portable) Params() []*graph.Param { return p.fused.Params() }

package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/graph"
)

const cellNormEps = 1e-12

var gateNames = [4]string{"input", "transform", "forget", "output"}

// chronoCell is an LSTM cell with optional per-gate layer normalization and
// separately biased input and forget gates.
type chronoCell struct {
	hidden     int
	kernel     *graph.Param
	bias       *graph.Param // nil with layer norm
	gain       [4]*graph.Param
	shift      [4]*graph.Param
	// Chrono gate biases. They are persisted with the weights but stay
	// fixed during training.
	forgetBias *graph.Param
	inputBias  *graph.Param
}

// chronoBias draws the forget bias uniformly between -1 and log(T-1), where
// T is the characteristic sequence length.
func chronoBias(rng *rand.Rand, hidden int, meanLength float64) *mat.Dense {
	const bias0 = -1.0
	bias1 := bias0
	if meanLength > 1 {
		bias1 = math.Max(math.Log(meanLength-1), bias0)
	}
	return graph.Uniform(rng, bias0, bias1)(1, hidden)
}

func newChronoCell(scope string, in, hidden int, layerNorm bool, meanLength float64, rng *rand.Rand) *chronoCell {
	c := &chronoCell{
		hidden: hidden,
		kernel: graph.NewParam(scope+"/kernel", graph.GlorotUniform(rng)(in+hidden, 4*hidden), false),
	}
	if layerNorm {
		for g, name := range gateNames {
			c.gain[g] = graph.NewParam(fmt.Sprintf("%s/ln_%s/gamma", scope, name), graph.Ones(1, hidden), false)
			c.shift[g] = graph.NewParam(fmt.Sprintf("%s/ln_%s/beta", scope, name), graph.Zeros(1, hidden), false)
		}
	} else {
		c.bias = graph.NewParam(scope+"/bias", graph.Zeros(1, 4*hidden), false)
	}
	fb := chronoBias(rng, hidden, meanLength)
	ib := mat.NewDense(1, hidden, nil)
	ib.Scale(-1, fb)
	c.forgetBias = graph.NewParam(scope+"/forget_bias", fb, false)
	c.inputBias = graph.NewParam(scope+"/input_bias", ib, false)
	return c
}

func (c *chronoCell) params() []*graph.Param {
	out := []*graph.Param{c.kernel}
	if c.bias != nil {
		out = append(out, c.bias)
	}
	for g := range gateNames {
		if c.gain[g] != nil {
			out = append(out, c.gain[g], c.shift[g])
		}
	}
	return append(out, c.forgetBias, c.inputBias)
}

func (c *chronoCell) run(t *graph.Tape, xs []*graph.Node, droprate float64, training bool) []*graph.Node {
	batch, _ := xs[0].Dims()
	h := t.Const(mat.NewDense(batch, c.hidden, nil))
	state := t.Const(mat.NewDense(batch, c.hidden, nil))
	outs := make([]*graph.Node, len(xs))
	for s, x := range xs {
		z := t.MatMul(t.ConcatCols(x, h), t.Param(c.kernel))
		if c.bias != nil {
			z = t.AddRow(z, t.Param(c.bias))
		}
		var gates [4]*graph.Node
		for g := range gates {
			gates[g] = t.SliceCols(z, g*c.hidden, (g+1)*c.hidden)
			if c.gain[g] != nil {
				gates[g] = t.LayerNorm(gates[g], t.Param(c.gain[g]), t.Param(c.shift[g]), cellNormEps)
			}
		}
		cand := t.Dropout(t.Tanh(gates[1]), droprate, training)
		keep := t.Sigmoid(t.AddRow(gates[2], t.Const(c.forgetBias.Value)))
		write := t.Sigmoid(t.AddRow(gates[0], t.Const(c.inputBias.Value)))
		state = t.Add(t.Mul(state, keep), t.Mul(cand, write))
		h = t.Mul(t.Tanh(state), t.Sigmoid(gates[3]))
		h = t.Dropout(h, droprate, training)
		outs[s] = h
	}
	return outs
}

// Recurrent is the stacked, optionally bidirectional chrono LSTM encoder.
// Its output is the hidden state at each sequence's last real step.
type Recurrent struct {
	fw, bw   []*chronoCell
	droprate float64
	outDim   int
}

func newRecurrent(spec Spec, cfg config.Config, rng *rand.Rand) *Recurrent {
	r := &Recurrent{droprate: cfg.Droprate, outDim: spec.InputDim}
	in := spec.InputDim
	for i, size := range spec.Sizes {
		scope := fmt.Sprintf("rnn_encoder_%s_%d", spec.Name, i)
		if cfg.Bidirectional {
			r.fw = append(r.fw, newChronoCell(scope+"/fw", in, size, cfg.LayerNorm, spec.MeanLength, rng))
			r.bw = append(r.bw, newChronoCell(scope+"/bw", in, size, cfg.LayerNorm, spec.MeanLength, rng))
			in = 2 * size
		} else {
			r.fw = append(r.fw, newChronoCell(scope, in, size, cfg.LayerNorm, spec.MeanLength, rng))
			in = size
		}
		r.outDim = in
	}
	return r
}

// Encode implements Encoder.
func (r *Recurrent) Encode(t *graph.Tape, steps []*graph.Node, mask *mat.Dense, training bool) *graph.Node {
	if len(r.fw) == 0 {
		return sumSteps(t, steps)
	}
	xs := make([]*graph.Node, len(steps))
	for i, s := range steps {
		xs[i] = t.ReLU(s)
	}
	last := LastIndex(mask)
	lengths := RealLengths(mask)
	for i := range r.fw {
		i := i
		fw := r.fw[i].run(t, xs, r.droprate, training)
		if r.bw == nil {
			xs = fw
			continue
		}
		bw := bidirectional(t, xs, lengths, func(rev []*graph.Node) []*graph.Node {
			return r.bw[i].run(t, rev, r.droprate, training)
		})
		for s := range xs {
			xs[s] = t.ConcatCols(fw[s], bw[s])
		}
	}
	return t.PickRows(xs, last)
}

// bidirectional runs fn over the sequences with their real parts reversed and
// maps the outputs back to the original positions.
func bidirectional(t *graph.Tape, xs []*graph.Node, lengths []int, fn func([]*graph.Node) []*graph.Node) []*graph.Node {
	picks := reversePicks(lengths, len(xs))
	rev := make([]*graph.Node, len(xs))
	for s := range xs {
		rev[s] = t.PickRows(xs, picks[s])
	}
	outs := fn(rev)
	back := make([]*graph.Node, len(xs))
	for s := range xs {
		back[s] = t.PickRows(outs, picks[s])
	}
	return back
}

func (r *Recurrent) OutDim() int      { return r.outDim }
func (r *Recurrent) Variant() string { return VariantRecurrent }

func (r *Recurrent) Params() []*graph.Param {
	var out []*graph.Param
	for i := range r.fw {
		out = append(out, r.fw[i].params()...)
		if r.bw != nil {
			out = append(out, r.bw[i].params()...)
		}
	}
	return out
}

package encoder

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/graph"
)

// Dense is a fully connected layer.
type Dense struct {
	Kernel *graph.Param
	Bias   *graph.Param
}

func newDense(scope string, in, out int, init graph.Initializer, bias bool) *Dense {
	d := &Dense{Kernel: graph.NewParam(scope+"/kernel", init(in, out), true)}
	if bias {
		d.Bias = graph.NewParam(scope+"/bias", graph.Zeros(1, out), false)
	}
	return d
}

// Apply returns x·kernel + bias.
func (d *Dense) Apply(t *graph.Tape, x *graph.Node) *graph.Node {
	y := t.MatMul(x, t.Param(d.Kernel))
	if d.Bias != nil {
		y = t.AddRow(y, t.Param(d.Bias))
	}
	return y
}

func (d *Dense) params() []*graph.Param {
	if d.Bias == nil {
		return []*graph.Param{d.Kernel}
	}
	return []*graph.Param{d.Kernel, d.Bias}
}

// FeedForward stacks dense+ReLU layers with dropout.
type FeedForward struct {
	layers   []*Dense
	droprate float64
	outDim   int
}

func newFeedForward(spec Spec, droprate float64, rng *rand.Rand) *FeedForward {
	ff := &FeedForward{droprate: droprate, outDim: spec.InputDim}
	in := spec.InputDim
	for i, size := range spec.Sizes {
		ff.layers = append(ff.layers, newDense(fmt.Sprintf("hidden_layer_%s_%d", spec.Name, i), in, size, graph.GlorotUniform(rng), true))
		in = size
		ff.outDim = size
	}
	return ff
}

// Encode implements Encoder. Sequence input is summed over steps first.
func (ff *FeedForward) Encode(t *graph.Tape, steps []*graph.Node, _ *mat.Dense, training bool) *graph.Node {
	x := steps[0]
	for _, s := range steps[1:] {
		x = t.Add(x, s)
	}
	for _, layer := range ff.layers {
		x = t.ReLU(layer.Apply(t, x))
		x = t.Dropout(x, ff.droprate, training)
	}
	return x
}

func (ff *FeedForward) OutDim() int      { return ff.outDim }
func (ff *FeedForward) Variant() string { return VariantFeedForward }

func (ff *FeedForward) Params() []*graph.Param {
	var out []*graph.Param
	for _, l := range ff.layers {
		out = append(out, l.params()...)
	}
	return out
}

// Projector is the regularized linear map into the shared embedding space.
type Projector struct {
	layer *Dense
}

// NewProjector builds embed_layer_<name>.
func NewProjector(name string, in, embedDim int, rng *rand.Rand) *Projector {
	return &Projector{layer: newDense("embed_layer_"+name, in, embedDim, graph.GlorotUniform(rng), true)}
}

// Project returns the [batch, embedDim] embeddings.
func (p *Projector) Project(t *graph.Tape, x *graph.Node) *graph.Node {
	return p.layer.Apply(t, x)
}

// Params returns the kernel and bias.
func (p *Projector) Params() []*graph.Param { return p.layer.params() }

package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/graph"
	"github.com/headlands-org/go-dualembed/internal/kernels"
)

const (
	transformerDropout = 0.1
	transformerNormEps = 1e-6
	// FilterFactor is the width of the position-wise feed-forward block
	// relative to the hidden size.
	FilterFactor = 4
)

type norm struct {
	gain, shift *graph.Param
}

func newNorm(scope string, dim int) norm {
	return norm{
		gain:  graph.NewParam(scope+"/gamma", graph.Ones(1, dim), false),
		shift: graph.NewParam(scope+"/beta", graph.Zeros(1, dim), false),
	}
}

func (n norm) apply(t *graph.Tape, x *graph.Node) *graph.Node {
	return t.LayerNorm(x, t.Param(n.gain), t.Param(n.shift), transformerNormEps)
}

type attentionBlock struct {
	lnAttention norm
	q, k, v, o  *Dense
	lnFFN       norm
	conv1       *Dense
	conv2       *Dense
}

// Transformer is a pre-norm self-attention encoder over the sequence,
// pooled to one vector per example.
type Transformer struct {
	name          string
	hidden        int
	heads         int
	bidirectional bool
	posEncoding   string
	maxTimescale  float64
	maxLen        int
	useLast       bool

	embed  *Dense
	posEmb *graph.Param
	blocks []*attentionBlock
	final  norm
}

func newTransformer(cfg config.Config, spec Spec, rng *rand.Rand) (Encoder, error) {
	if len(spec.Sizes) == 0 {
		return nil, fmt.Errorf("%w: transformer %s needs at least one layer", config.ErrArchitecture, spec.Name)
	}
	h := spec.Sizes[0]
	tr := &Transformer{
		name:          spec.Name,
		hidden:        h,
		heads:         cfg.NumHeads,
		bidirectional: cfg.Bidirectional,
		posEncoding:   cfg.PosEncoding,
		maxTimescale:  cfg.PosMaxTimescale,
		maxLen:        cfg.MaxSeqLength,
		useLast:       cfg.UseLast,
		embed: newDense("transformer_embed_layer_"+spec.Name, spec.InputDim, h,
			graph.Normal(rng, math.Pow(float64(h), -0.5)), false),
	}
	scope := "transformer_" + spec.Name
	if tr.posEncoding == config.PosEmbedding {
		tr.posEmb = graph.NewParam(scope+"/pos_emb", graph.Normal(rng, math.Pow(float64(h), -0.5))(tr.maxLen, h), false)
	}
	for i := range spec.Sizes {
		layer := fmt.Sprintf("%s/layer_%d", scope, i)
		glorot := graph.GlorotUniform(rng)
		b := &attentionBlock{
			lnAttention: newNorm(layer+"/ln_attention", h),
			q:           newDense(layer+"/attention/q", h, h, glorot, false),
			k:           newDense(layer+"/attention/k", h, h, glorot, false),
			v:           newDense(layer+"/attention/v", h, h, glorot, false),
			o:           newDense(layer+"/attention/output", h, h, glorot, false),
			lnFFN:       newNorm(layer+"/ln_ffn", h),
			conv1:       newDense(layer+"/ffn/conv1", h, FilterFactor*h, glorot, true),
			conv2:       newDense(layer+"/ffn/conv2", FilterFactor*h, h, glorot, true),
		}
		for _, d := range []*Dense{b.q, b.k, b.v, b.o, b.conv1, b.conv2} {
			d.Kernel.Regularized = false
		}
		tr.blocks = append(tr.blocks, b)
	}
	tr.final = newNorm(scope+"/ln_final", h)
	return tr, nil
}

// Encode implements Encoder.
func (tr *Transformer) Encode(t *graph.Tape, steps []*graph.Node, mask *mat.Dense, training bool) *graph.Node {
	if len(steps) > tr.maxLen {
		steps = steps[:tr.maxLen]
		rows, _ := mask.Dims()
		mask = mat.DenseCopyOf(mask.Slice(0, rows, 0, tr.maxLen))
	}
	T := len(steps)
	cols := make([]*graph.Node, T)
	for s := range cols {
		cols[s] = t.Const(Column(mask, s))
	}

	scale := math.Sqrt(float64(tr.hidden))
	xs := make([]*graph.Node, T)
	for s, step := range steps {
		x := t.Dropout(tr.embed.Apply(t, step), transformerDropout, training)
		xs[s] = t.MulCol(t.Scale(x, scale), cols[s])
	}

	pos := tr.positions(T)
	for s := range xs {
		switch {
		case pos != nil:
			xs[s] = t.AddRow(xs[s], t.Const(mat.NewDense(1, tr.hidden, pos.RawRowView(s))))
		case tr.posEmb != nil:
			xs[s] = t.AddRow(xs[s], t.GatherRows(t.Param(tr.posEmb), []int{s}))
		}
		xs[s] = t.Dropout(t.MulCol(xs[s], cols[s]), transformerDropout, training)
	}

	bias := tr.attentionBias(mask)
	for _, b := range tr.blocks {
		normed := make([]*graph.Node, T)
		for s, x := range xs {
			normed[s] = b.lnAttention.apply(t, x)
		}
		attended := tr.attend(t, b, normed, bias, training)
		for s := range xs {
			xs[s] = t.Add(xs[s], t.Dropout(attended[s], transformerDropout, training))
		}
		for s, x := range xs {
			y := b.conv1.Apply(t, b.lnFFN.apply(t, x))
			y = t.Dropout(t.ReLU(y), transformerDropout, training)
			y = b.conv2.Apply(t, y)
			xs[s] = t.Add(x, t.Dropout(y, transformerDropout, training))
		}
	}
	for s, x := range xs {
		xs[s] = tr.final.apply(t, x)
	}

	if tr.useLast {
		return t.PickRows(xs, LastIndex(mask))
	}
	return tr.meanPool(t, xs, cols, mask)
}

// positions returns the fixed [T, hidden] sinusoidal signal, or nil for
// learned positions.
func (tr *Transformer) positions(T int) *mat.Dense {
	maxTimescale := 1e4
	switch tr.posEncoding {
	case config.PosTiming:
	case config.PosCustomTiming:
		maxTimescale = tr.maxTimescale
	default:
		return nil
	}
	signal := kernels.TimingSignal(T, tr.hidden, 1, maxTimescale)
	out := mat.NewDense(T, tr.hidden, nil)
	for i, v := range signal {
		out.Set(i/tr.hidden, i%tr.hidden, float64(v))
	}
	return out
}

// attentionBias returns one [batch, T] additive bias per query step. A
// unidirectional encoder only hides future steps; a bidirectional one hides
// padded keys.
func (tr *Transformer) attentionBias(mask *mat.Dense) []*mat.Dense {
	rows, T := mask.Dims()
	out := make([]*mat.Dense, T)
	for i := range out {
		bias := mat.NewDense(rows, T, nil)
		for b := 0; b < rows; b++ {
			for j := 0; j < T; j++ {
				if tr.bidirectional {
					if mask.At(b, j) == 0 {
						bias.Set(b, j, kernels.MaskedBias)
					}
				} else if j > i {
					bias.Set(b, j, kernels.MaskedBias)
				}
			}
		}
		out[i] = bias
	}
	return out
}

func (tr *Transformer) attend(t *graph.Tape, b *attentionBlock, xs []*graph.Node, bias []*mat.Dense, training bool) []*graph.Node {
	T := len(xs)
	dk := tr.hidden / tr.heads
	q := make([]*graph.Node, T)
	k := make([]*graph.Node, T)
	v := make([]*graph.Node, T)
	for s, x := range xs {
		q[s] = b.q.Apply(t, x)
		k[s] = b.k.Apply(t, x)
		v[s] = b.v.Apply(t, x)
	}

	scale := 1 / math.Sqrt(float64(dk))
	out := make([]*graph.Node, T)
	for i := 0; i < T; i++ {
		heads := make([]*graph.Node, tr.heads)
		for h := range heads {
			lo, hi := h*dk, (h+1)*dk
			qi := t.SliceCols(q[i], lo, hi)
			scores := make([]*graph.Node, T)
			vals := make([]*graph.Node, T)
			for j := 0; j < T; j++ {
				vals[j] = t.SliceCols(v[j], lo, hi)
				scores[j] = t.RowDot(qi, t.SliceCols(k[j], lo, hi))
			}
			logits := t.AddConst(t.Scale(t.ConcatCols(scores...), scale), bias[i])
			weights := t.Dropout(t.SoftmaxRows(logits), transformerDropout, training)
			var sum *graph.Node
			for j := 0; j < T; j++ {
				term := t.MulCol(vals[j], t.SliceCols(weights, j, j+1))
				if sum == nil {
					sum = term
				} else {
					sum = t.Add(sum, term)
				}
			}
			heads[h] = sum
		}
		out[i] = b.o.Apply(t, t.ConcatCols(heads...))
	}
	return out
}

// meanPool averages the real steps; rows without any are divided by one.
func (tr *Transformer) meanPool(t *graph.Tape, xs, cols []*graph.Node, mask *mat.Dense) *graph.Node {
	rows, T := mask.Dims()
	inv := mat.NewDense(rows, 1, nil)
	for b := 0; b < rows; b++ {
		n := 0.0
		for s := 0; s < T; s++ {
			n += mask.At(b, s)
		}
		inv.Set(b, 0, 1/math.Max(n, 1))
	}
	sum := t.MulCol(xs[0], cols[0])
	for s := 1; s < T; s++ {
		sum = t.Add(sum, t.MulCol(xs[s], cols[s]))
	}
	return t.MulCol(sum, t.Const(inv))
}

func (tr *Transformer) OutDim() int      { return tr.hidden }
func (tr *Transformer) Variant() string { return VariantTransformer }

// Heads returns the number of attention heads.
func (tr *Transformer) Heads() int { return tr.heads }

func (tr *Transformer) Params() []*graph.Param {
	out := []*graph.Param{tr.embed.Kernel}
	if tr.posEmb != nil {
		out = append(out, tr.posEmb)
	}
	for _, b := range tr.blocks {
		out = append(out, b.lnAttention.gain, b.lnAttention.shift)
		out = append(out, b.q.Kernel, b.k.Kernel, b.v.Kernel, b.o.Kernel)
		out = append(out, b.lnFFN.gain, b.lnFFN.shift)
		out = append(out, b.conv1.params()...)
		out = append(out, b.conv2.params()...)
	}
	return append(out, tr.final.gain, tr.final.shift)
}

package runtime

import (
	"math"

	"github.com/headlands-org/go-dualembed/internal/kernels"
)

type attentionBlock struct {
	lnAttention layerNorm
	q, k, v, o  linear
	lnFFN       layerNorm
	conv1       linear
	conv2       linear
}

// transformerEncoder is the pre-norm attention encoder pooled to one vector.
type transformerEncoder struct {
	inDim         int
	hidden        int
	heads         int
	bidirectional bool
	useLast       bool

	embed  linear
	pos    []float32 // [maxSeqLen, hidden], learned or sinusoidal
	blocks []attentionBlock
	final  layerNorm
}

func (e *transformerEncoder) outDim() int { return e.hidden }

// encode runs the real prefix of the sequence. Trailing padding cannot reach
// a real position: it is in the future for causal attention and masked out
// for bidirectional attention.
func (e *transformerEncoder) encode(dst, xs, real []float32, steps int) {
	clear(dst)
	n := kernels.LastIndex(real[:steps]) + 1
	if n == 0 {
		return
	}
	h := e.hidden
	x := make([]float32, n*h)
	e.embed.forward(x, xs, n)
	scale := float32(math.Sqrt(float64(h)))
	for s := 0; s < n; s++ {
		row := x[s*h : (s+1)*h]
		kernels.VecScaleF32(row, row, scale*real[s], h)
		kernels.VecAddF32(row, row, e.pos[s*h:(s+1)*h], h)
		kernels.VecScaleF32(row, row, real[s], h)
	}

	var mask []float32
	if e.bidirectional {
		mask = kernels.PaddingMask(real[:n])
	} else {
		mask = kernels.CausalMask(n)
	}

	normed := make([]float32, n*h)
	q := make([]float32, n*h)
	k := make([]float32, n*h)
	v := make([]float32, n*h)
	attn := make([]float32, n*h)
	proj := make([]float32, n*h)
	scratch := make([]float32, n*n)
	inner := make([]float32, n*e.ffnWidth())
	for _, b := range e.blocks {
		b := b
		copy(normed, x)
		b.lnAttention.apply(normed, n, normEps)
		b.q.forward(q, normed, n)
		b.k.forward(k, normed, n)
		b.v.forward(v, normed, n)
		kernels.MultiHeadAttention(attn, q, k, v, n, e.heads, h/e.heads, mask, scratch)
		b.o.forward(proj, attn, n)
		kernels.VecAddF32(x, x, proj, n*h)

		copy(normed, x)
		b.lnFFN.apply(normed, n, normEps)
		b.conv1.forward(inner, normed, n)
		kernels.ReLU(inner, inner, len(inner))
		b.conv2.forward(proj, inner, n)
		kernels.VecAddF32(x, x, proj, n*h)
	}
	e.final.apply(x, n, normEps)

	if e.useLast {
		copy(dst, x[(n-1)*h:n*h])
		return
	}
	kernels.MaskedMeanPooling(dst, x, real[:n], n, h)
}

// ffnWidth is the inner width of the position-wise feed-forward block.
func (e *transformerEncoder) ffnWidth() int {
	if len(e.blocks) == 0 {
		return 0
	}
	return e.blocks[0].conv1.out()
}

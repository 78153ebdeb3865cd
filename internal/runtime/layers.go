package runtime

import (
	"fmt"

	"github.com/headlands-org/go-dualembed/internal/kernels"
)

const (
	cellNormEps = 1e-12
	normEps     = 1e-6
)

// linear is a Q8_0 dense layer; weight is stored [out, in].
type linear struct {
	weight *kernels.Q8_0Tensor
	bias   []float32
}

func (l *linear) in() int  { return l.weight.Cols }
func (l *linear) out() int { return l.weight.Rows }

// forward computes dst[rows, out] = x[rows, in]·Wᵀ + b. Activations are
// quantized to INT8 one row at a time.
func (l *linear) forward(dst, x []float32, rows int) {
	in, out := l.in(), l.out()
	for r := 0; r < rows; r++ {
		q := kernels.QuantizeSymmetricINT8(x[r*in:(r+1)*in], 1, in)
		kernels.MatMulQ8_0INT8(dst[r*out:(r+1)*out], l.weight, &q, 1, in, out)
	}
	if l.bias != nil {
		kernels.AddBias(dst[:rows*out], l.bias, rows)
	}
}

type layerNorm struct {
	gamma, beta []float32
}

func (n layerNorm) apply(x []float32, rows int, eps float32) {
	dim := len(n.gamma)
	for r := 0; r < rows; r++ {
		row := x[r*dim : (r+1)*dim]
		kernels.LayerNorm(row, row, n.gamma, n.beta, eps)
	}
}

// cell advances one recurrent step: it reads xh = [x, h] and updates h and c
// in place. z is scratch of 4*hidden.
type cell interface {
	step(xh, h, c, z []float32)
	hidden() int
}

// chronoCell mirrors the training cell: gates ordered input, transform,
// forget, output, with optional per-gate layer norm and learned input and
// forget biases.
type chronoCell struct {
	kernel     linear
	norms      []layerNorm // empty without layer norm
	forgetBias []float32
	inputBias  []float32
}

func (c *chronoCell) hidden() int { return len(c.forgetBias) }

func (c *chronoCell) step(xh, h, state, z []float32) {
	n := c.hidden()
	c.kernel.forward(z, xh, 1)
	if len(c.norms) == 4 {
		for g, norm := range c.norms {
			norm.apply(z[g*n:(g+1)*n], 1, cellNormEps)
		}
	}
	in, cand, keep, out := z[:n], z[n:2*n], z[2*n:3*n], z[3*n:4*n]
	kernels.VecAddF32(in, in, c.inputBias, n)
	kernels.VecAddF32(keep, keep, c.forgetBias, n)
	kernels.Sigmoid(in, in, n)
	kernels.Tanh(cand, cand, n)
	kernels.Sigmoid(keep, keep, n)
	kernels.Sigmoid(out, out, n)
	for i := 0; i < n; i++ {
		state[i] = state[i]*keep[i] + cand[i]*in[i]
	}
	kernels.Tanh(h, state, n)
	kernels.VecMulF32(h, h, out, n)
}

// lstmCell is the plain LSTM used by the fused variants, gates ordered
// input, candidate, forget, output.
type lstmCell struct {
	kernel     linear
	forgetBias float32
}

func (c *lstmCell) hidden() int { return c.kernel.out() / 4 }

func (c *lstmCell) step(xh, h, state, z []float32) {
	n := c.hidden()
	c.kernel.forward(z, xh, 1)
	in, cand, keep, out := z[:n], z[n:2*n], z[2*n:3*n], z[3*n:4*n]
	for i := range keep {
		keep[i] += c.forgetBias
	}
	kernels.Sigmoid(in, in, n)
	kernels.Tanh(cand, cand, n)
	kernels.Sigmoid(keep, keep, n)
	kernels.Sigmoid(out, out, n)
	for i := 0; i < n; i++ {
		state[i] = state[i]*keep[i] + cand[i]*in[i]
	}
	kernels.Tanh(h, state, n)
	kernels.VecMulF32(h, h, out, n)
}

// runCell returns the hidden state after every step of xs [steps, inDim].
func runCell(c cell, xs []float32, steps, inDim int) []float32 {
	n := c.hidden()
	out := make([]float32, steps*n)
	xh := make([]float32, inDim+n)
	h := xh[inDim:]
	state := make([]float32, n)
	z := make([]float32, 4*n)
	for s := 0; s < steps; s++ {
		copy(xh[:inDim], xs[s*inDim:(s+1)*inDim])
		c.step(xh, h, state, z)
		copy(out[s*n:(s+1)*n], h)
	}
	return out
}

// recurrentLayer is one stacked layer with an optional backward direction.
type recurrentLayer struct {
	fw, bw cell
}

func (l recurrentLayer) outDim() int {
	if l.bw == nil {
		return l.fw.hidden()
	}
	return 2 * l.fw.hidden()
}

// forward runs the layer over the real steps of xs [steps, inDim]. The
// backward direction reads the steps in reverse and its outputs are
// realigned with the forward ones.
func (l recurrentLayer) forward(xs []float32, steps, inDim int) []float32 {
	fw := runCell(l.fw, xs, steps, inDim)
	if l.bw == nil {
		return fw
	}
	rev := make([]float32, len(xs[:steps*inDim]))
	for s := 0; s < steps; s++ {
		copy(rev[s*inDim:(s+1)*inDim], xs[(steps-1-s)*inDim:(steps-s)*inDim])
	}
	bw := runCell(l.bw, rev, steps, inDim)

	n := l.fw.hidden()
	out := make([]float32, steps*2*n)
	for s := 0; s < steps; s++ {
		copy(out[s*2*n:], fw[s*n:(s+1)*n])
		copy(out[s*2*n+n:], bw[(steps-1-s)*n:(steps-s)*n])
	}
	return out
}

// recurrentEncoder covers the chrono and fused LSTM variants. Its output is
// the top layer's state at the last real step.
type recurrentEncoder struct {
	inDim  int
	layers []recurrentLayer
}

func (e *recurrentEncoder) outDim() int {
	if len(e.layers) == 0 {
		return e.inDim
	}
	return e.layers[len(e.layers)-1].outDim()
}

func (e *recurrentEncoder) encode(dst, xs, real []float32, steps int) {
	clear(dst)
	length := kernels.LastIndex(real[:steps]) + 1
	x := make([]float32, length*e.inDim)
	kernels.ReLU(x, xs[:length*e.inDim], len(x))
	if len(e.layers) == 0 {
		for s := 0; s < length; s++ {
			kernels.VecAddF32(dst, dst, x[s*e.inDim:(s+1)*e.inDim], e.inDim)
		}
		return
	}
	if length == 0 {
		return
	}
	dim := e.inDim
	for _, l := range e.layers {
		x = l.forward(x, length, dim)
		dim = l.outDim()
	}
	copy(dst, x[(length-1)*dim:length*dim])
}

// feedForward sums every step and applies dense+ReLU layers.
type feedForward struct {
	inDim  int
	layers []linear
}

func (e *feedForward) outDim() int {
	if len(e.layers) == 0 {
		return e.inDim
	}
	return e.layers[len(e.layers)-1].out()
}

func (e *feedForward) encode(dst, xs, _ []float32, steps int) {
	x := make([]float32, e.inDim)
	for s := 0; s < steps; s++ {
		kernels.VecAddF32(x, x, xs[s*e.inDim:(s+1)*e.inDim], e.inDim)
	}
	for _, l := range e.layers {
		l := l
		y := make([]float32, l.out())
		l.forward(y, x, 1)
		kernels.ReLU(y, y, len(y))
		x = y
	}
	copy(dst, x)
}

func checkDims(name string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: input dimension %d, want %d", name, got, want)
	}
	return nil
}

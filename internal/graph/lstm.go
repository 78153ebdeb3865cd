package graph

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LSTM runs a whole sequence through a standard LSTM as a single operation.
// steps are [batch, in] inputs; kernel is [in+hidden, 4·hidden] and bias
// [1, 4·hidden] with gates ordered input, candidate, forget, output.
// forgetBias is added to the forget gate pre-activation. The returned slice
// holds the hidden state of every step.
func (t *Tape) LSTM(steps []*Node, kernel, bias *Node, forgetBias float64) []*Node {
	batch, in := steps[0].Dims()
	kr, kc := kernel.Dims()
	hidden := kc / 4
	if kr != in+hidden || kc != 4*hidden {
		panic(fmt.Sprintf("graph: LSTM kernel %dx%d for input %d", kr, kc, in))
	}

	type cache struct {
		xh         *mat.Dense
		i, j, f, o []float64
		c, tc      []float64
		cPrev      []float64
	}
	caches := make([]cache, len(steps))
	outs := make([]*Node, len(steps))

	h := mat.NewDense(batch, hidden, nil)
	c := make([]float64, batch*hidden)
	inputs := append([]*Node{kernel, bias}, steps...)
	for s, x := range steps {
		xh := mat.NewDense(batch, in+hidden, nil)
		xh.Slice(0, batch, 0, in).(*mat.Dense).Copy(x.Value)
		xh.Slice(0, batch, in, in+hidden).(*mat.Dense).Copy(h)

		var z mat.Dense
		z.Mul(xh, kernel.Value)
		zd, bd := raw(&z), raw(bias.Value)

		ca := cache{
			xh:    xh,
			i:     make([]float64, batch*hidden),
			j:     make([]float64, batch*hidden),
			f:     make([]float64, batch*hidden),
			o:     make([]float64, batch*hidden),
			c:     make([]float64, batch*hidden),
			tc:    make([]float64, batch*hidden),
			cPrev: append([]float64(nil), c...),
		}
		h = mat.NewDense(batch, hidden, nil)
		hd := raw(h)
		for b := 0; b < batch; b++ {
			for u := 0; u < hidden; u++ {
				row := b * kc
				k := b*hidden + u
				ca.i[k] = sigmoid(zd[row+u] + bd[u])
				ca.j[k] = tanh(zd[row+hidden+u] + bd[hidden+u])
				ca.f[k] = sigmoid(zd[row+2*hidden+u] + bd[2*hidden+u] + forgetBias)
				ca.o[k] = sigmoid(zd[row+3*hidden+u] + bd[3*hidden+u])
				ca.c[k] = ca.f[k]*ca.cPrev[k] + ca.i[k]*ca.j[k]
				ca.tc[k] = tanh(ca.c[k])
				hd[k] = ca.o[k] * ca.tc[k]
			}
		}
		copy(c, ca.c)
		caches[s] = ca
		outs[s] = t.node(h, inputs...)
	}

	if !outs[0].needsGrad {
		return outs
	}
	t.backward = append(t.backward, func() {
		dh := make([]float64, batch*hidden)
		dc := make([]float64, batch*hidden)
		dz := mat.NewDense(batch, kc, nil)
		dzd := raw(dz)
		for s := len(steps) - 1; s >= 0; s-- {
			ca := caches[s]
			if g := outs[s].Grad; g != nil {
				gd := raw(g)
				for k := range dh {
					dh[k] += gd[k]
				}
			}
			for b := 0; b < batch; b++ {
				for u := 0; u < hidden; u++ {
					k := b*hidden + u
					do := dh[k] * ca.tc[k]
					dck := dc[k] + dh[k]*ca.o[k]*(1-ca.tc[k]*ca.tc[k])
					row := b * kc
					dzd[row+u] = dck * ca.j[k] * ca.i[k] * (1 - ca.i[k])
					dzd[row+hidden+u] = dck * ca.i[k] * (1 - ca.j[k]*ca.j[k])
					dzd[row+2*hidden+u] = dck * ca.cPrev[k] * ca.f[k] * (1 - ca.f[k])
					dzd[row+3*hidden+u] = do * ca.o[k] * (1 - ca.o[k])
					dc[k] = dck * ca.f[k]
				}
			}
			if kernel.needsGrad {
				var dk mat.Dense
				dk.Mul(ca.xh.T(), dz)
				kernel.grad().Add(kernel.grad(), &dk)
			}
			if bias.needsGrad {
				bg := raw(bias.grad())
				for b := 0; b < batch; b++ {
					for q := 0; q < kc; q++ {
						bg[q] += dzd[b*kc+q]
					}
				}
			}
			var dxh mat.Dense
			dxh.Mul(dz, kernel.Value.T())
			if steps[s].needsGrad {
				steps[s].grad().Add(steps[s].grad(), dxh.Slice(0, batch, 0, in))
			}
			for b := 0; b < batch; b++ {
				copy(dh[b*hidden:(b+1)*hidden], dxh.RawRowView(b)[in:in+hidden])
			}
		}
	})
	return outs
}

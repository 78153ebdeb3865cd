package graph

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatMul returns a·b.
func (t *Tape) MatMul(a, b *Node) *Node {
	var v mat.Dense
	v.Mul(a.Value, b.Value)
	out := t.node(&v, a, b)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		if a.needsGrad {
			var d mat.Dense
			d.Mul(out.Grad, b.Value.T())
			a.grad().Add(a.grad(), &d)
		}
		if b.needsGrad {
			var d mat.Dense
			d.Mul(a.Value.T(), out.Grad)
			b.grad().Add(b.grad(), &d)
		}
	})
	return out
}

// AddRow adds the [1, m] row bias to every row of a.
func (t *Tape) AddRow(a, bias *Node) *Node {
	r, c := a.Dims()
	if br, bc := bias.Dims(); br != 1 || bc != c {
		panic(fmt.Sprintf("graph: AddRow bias %dx%d for %dx%d", br, bc, r, c))
	}
	v := mat.DenseCopyOf(a.Value)
	vd, bd := raw(v), raw(bias.Value)
	for i := 0; i < r; i++ {
		row := vd[i*c : (i+1)*c]
		for j := range row {
			row[j] += bd[j]
		}
	}
	out := t.node(v, a, bias)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		if a.needsGrad {
			a.grad().Add(a.grad(), out.Grad)
		}
		if bias.needsGrad {
			g, bg := raw(out.Grad), raw(bias.grad())
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					bg[j] += g[i*c+j]
				}
			}
		}
	})
	return out
}

// Add returns a+b.
func (t *Tape) Add(a, b *Node) *Node {
	mustSameShape("Add", a, b)
	v := newLike(a.Value)
	v.Add(a.Value, b.Value)
	out := t.node(v, a, b)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		if a.needsGrad {
			a.grad().Add(a.grad(), out.Grad)
		}
		if b.needsGrad {
			b.grad().Add(b.grad(), out.Grad)
		}
	})
	return out
}

// Sub returns a-b.
func (t *Tape) Sub(a, b *Node) *Node {
	return t.Add(a, t.Scale(b, -1))
}

// Mul returns the element-wise product.
func (t *Tape) Mul(a, b *Node) *Node {
	mustSameShape("Mul", a, b)
	v := newLike(a.Value)
	v.MulElem(a.Value, b.Value)
	out := t.node(v, a, b)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		if a.needsGrad {
			var d mat.Dense
			d.MulElem(out.Grad, b.Value)
			a.grad().Add(a.grad(), &d)
		}
		if b.needsGrad {
			var d mat.Dense
			d.MulElem(out.Grad, a.Value)
			b.grad().Add(b.grad(), &d)
		}
	})
	return out
}

// Scale returns s·a.
func (t *Tape) Scale(a *Node, s float64) *Node {
	v := newLike(a.Value)
	v.Scale(s, a.Value)
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		ag, g := raw(a.grad()), raw(out.Grad)
		for i := range ag {
			ag[i] += s * g[i]
		}
	})
	return out
}

// AddScalar returns a+s.
func (t *Tape) AddScalar(a *Node, s float64) *Node {
	v := mat.DenseCopyOf(a.Value)
	vd := raw(v)
	for i := range vd {
		vd[i] += s
	}
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad != nil && a.needsGrad {
			a.grad().Add(a.grad(), out.Grad)
		}
	})
	return out
}

// AddConst adds a constant matrix, typically a mask bias.
func (t *Tape) AddConst(a *Node, c *mat.Dense) *Node {
	return t.Add(a, t.Const(c))
}

// MulConst multiplies element-wise by a constant matrix, typically a mask.
func (t *Tape) MulConst(a *Node, c *mat.Dense) *Node {
	return t.Mul(a, t.Const(c))
}

func (t *Tape) unary(a *Node, f func(x float64) float64, df func(x, y float64) float64) *Node {
	v := newLike(a.Value)
	ad, vd := raw(a.Value), raw(v)
	for i, x := range ad {
		vd[i] = f(x)
	}
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		ag, g := raw(a.grad()), raw(out.Grad)
		for i := range ag {
			ag[i] += g[i] * df(ad[i], vd[i])
		}
	})
	return out
}

// ReLU returns max(a, 0).
func (t *Tape) ReLU(a *Node) *Node {
	return t.unary(a,
		func(x float64) float64 { return math.Max(x, 0) },
		func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// Tanh returns tanh(a).
func (t *Tape) Tanh(a *Node) *Node {
	return t.unary(a, math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// Sigmoid returns 1/(1+exp(-a)).
func (t *Tape) Sigmoid(a *Node) *Node {
	return t.unary(a, sigmoid, func(_, y float64) float64 { return y * (1 - y) })
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Dropout zeroes units with probability rate and rescales the rest. It is the
// identity outside training or on a tape without a random source.
func (t *Tape) Dropout(a *Node, rate float64, training bool) *Node {
	if !training || rate <= 0 || t.rng == nil {
		return a
	}
	keep := 1 - rate
	mask := newLike(a.Value)
	md := raw(mask)
	for i := range md {
		if t.rng.Float64() < keep {
			md[i] = 1 / keep
		}
	}
	return t.MulConst(a, mask)
}

// ConcatCols joins nodes with equal row counts side by side.
func (t *Tape) ConcatCols(nodes ...*Node) *Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	rows, _ := nodes[0].Dims()
	cols := 0
	for _, n := range nodes {
		r, c := n.Dims()
		if r != rows {
			panic(fmt.Sprintf("graph: ConcatCols row mismatch %d vs %d", r, rows))
		}
		cols += c
	}
	v := mat.NewDense(rows, cols, nil)
	off := 0
	for _, n := range nodes {
		_, c := n.Dims()
		v.Slice(0, rows, off, off+c).(*mat.Dense).Copy(n.Value)
		off += c
	}
	out := t.node(v, nodes...)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		off := 0
		for _, n := range nodes {
			_, c := n.Dims()
			if n.needsGrad {
				n.grad().Add(n.grad(), out.Grad.Slice(0, rows, off, off+c))
			}
			off += c
		}
	})
	return out
}

// SliceCols returns columns [from, to) of a.
func (t *Tape) SliceCols(a *Node, from, to int) *Node {
	rows, _ := a.Dims()
	v := mat.DenseCopyOf(a.Value.Slice(0, rows, from, to))
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		view := a.grad().Slice(0, rows, from, to).(*mat.Dense)
		view.Add(view, out.Grad)
	})
	return out
}

// MulCol scales each row i of a by c[i, 0].
func (t *Tape) MulCol(a, c *Node) *Node {
	r, cols := a.Dims()
	if cr, cc := c.Dims(); cr != r || cc != 1 {
		panic(fmt.Sprintf("graph: MulCol column %dx%d for %dx%d", cr, cc, r, cols))
	}
	v := mat.DenseCopyOf(a.Value)
	vd, cd := raw(v), raw(c.Value)
	for i := 0; i < r; i++ {
		for j := 0; j < cols; j++ {
			vd[i*cols+j] *= cd[i]
		}
	}
	out := t.node(v, a, c)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		g, ad := raw(out.Grad), raw(a.Value)
		if a.needsGrad {
			ag := raw(a.grad())
			for i := 0; i < r; i++ {
				for j := 0; j < cols; j++ {
					ag[i*cols+j] += g[i*cols+j] * cd[i]
				}
			}
		}
		if c.needsGrad {
			cg := raw(c.grad())
			for i := 0; i < r; i++ {
				for j := 0; j < cols; j++ {
					cg[i] += g[i*cols+j] * ad[i*cols+j]
				}
			}
		}
	})
	return out
}

// RowSum returns the [rows, 1] sum of each row.
func (t *Tape) RowSum(a *Node) *Node {
	r, c := a.Dims()
	v := mat.NewDense(r, 1, nil)
	ad, vd := raw(a.Value), raw(v)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			vd[i] += ad[i*c+j]
		}
	}
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		g, ag := raw(out.Grad), raw(a.grad())
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				ag[i*c+j] += g[i]
			}
		}
	})
	return out
}

// RowDot returns the [rows, 1] row-wise inner products of a and b.
func (t *Tape) RowDot(a, b *Node) *Node {
	return t.RowSum(t.Mul(a, b))
}

// RowMax returns the [rows, 1] maximum of each row. The gradient flows to the
// first maximal element.
func (t *Tape) RowMax(a *Node) *Node {
	r, c := a.Dims()
	v := mat.NewDense(r, 1, nil)
	arg := make([]int, r)
	ad, vd := raw(a.Value), raw(v)
	for i := 0; i < r; i++ {
		best := 0
		for j := 1; j < c; j++ {
			if ad[i*c+j] > ad[i*c+best] {
				best = j
			}
		}
		arg[i] = best
		vd[i] = ad[i*c+best]
	}
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		g, ag := raw(out.Grad), raw(a.grad())
		for i := 0; i < r; i++ {
			ag[i*c+arg[i]] += g[i]
		}
	})
	return out
}

// GatherRows returns the rows of a listed in idx, in order.
func (t *Tape) GatherRows(a *Node, idx []int) *Node {
	_, c := a.Dims()
	v := mat.NewDense(len(idx), c, nil)
	for i, k := range idx {
		v.SetRow(i, a.Value.RawRowView(k))
	}
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		g, ag := raw(out.Grad), raw(a.grad())
		for i, k := range idx {
			for j := 0; j < c; j++ {
				ag[k*c+j] += g[i*c+j]
			}
		}
	})
	return out
}

// PickRows builds a [rows, cols] node whose row i is row i of steps[pick[i]],
// or zeros when pick[i] is negative.
func (t *Tape) PickRows(steps []*Node, pick []int) *Node {
	r, c := steps[0].Dims()
	if len(pick) != r {
		panic(fmt.Sprintf("graph: PickRows got %d picks for %d rows", len(pick), r))
	}
	v := mat.NewDense(r, c, nil)
	for i, s := range pick {
		if s >= 0 {
			v.SetRow(i, steps[s].Value.RawRowView(i))
		}
	}
	out := t.node(v, steps...)
	t.onBackward(out, func() {
		if out.Grad == nil {
			return
		}
		g := raw(out.Grad)
		for i, s := range pick {
			if s < 0 || !steps[s].needsGrad {
				continue
			}
			sg := raw(steps[s].grad())
			for j := 0; j < c; j++ {
				sg[i*c+j] += g[i*c+j]
			}
		}
	})
	return out
}

// Sum returns the [1, 1] sum of all elements.
func (t *Tape) Sum(a *Node) *Node {
	v := mat.NewDense(1, 1, []float64{mat.Sum(a.Value)})
	out := t.node(v, a)
	t.onBackward(out, func() {
		if out.Grad == nil || !a.needsGrad {
			return
		}
		g := out.Grad.At(0, 0)
		ag := raw(a.grad())
		for i := range ag {
			ag[i] += g
		}
	})
	return out
}

// Mean returns the [1, 1] mean of all elements.
func (t *Tape) Mean(a *Node) *Node {
	r, c := a.Dims()
	return t.Scale(t.Sum(a), 1/float64(r*c))
}

// SumSquares returns the [1, 1] sum of squared elements.
func (t *Tape) SumSquares(a *Node) *Node {
	return t.Sum(t.Mul(a, a))
}

// L2 returns scale·Σw²/2 over the regularized parameters used on this tape,
// or nil if there are none.
func (t *Tape) L2(scale float64) *Node {
	var total *Node
	for _, p := range t.used {
		if !p.Regularized {
			continue
		}
		term := t.Scale(t.SumSquares(t.params[p]), scale/2)
		if total == nil {
			total = term
		} else {
			total = t.Add(total, term)
		}
	}
	return total
}

// Package graph is a small reverse-mode differentiation tape over gonum
// matrices. Every value is a 2-D matrix; sequences are slices of per-step
// matrices shaped [batch, features].
package graph

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Node is a value produced on a Tape.
type Node struct {
	Value *mat.Dense
	Grad  *mat.Dense

	needsGrad bool
}

// Dims returns the node's shape.
func (n *Node) Dims() (rows, cols int) { return n.Value.Dims() }

// Raw returns the node's value backing slice.
func (n *Node) Raw() []float64 { return raw(n.Value) }

func (n *Node) grad() *mat.Dense {
	if n.Grad == nil {
		r, c := n.Value.Dims()
		n.Grad = mat.NewDense(r, c, nil)
	}
	return n.Grad
}

// Param is a trainable matrix that survives across tapes.
type Param struct {
	Name        string
	Value       *mat.Dense
	Grad        *mat.Dense
	Regularized bool

	m, v *mat.Dense
}

// NewParam wraps value as a parameter. Regularized parameters contribute to
// the L2 penalty returned by Tape.L2.
func NewParam(name string, value *mat.Dense, regularized bool) *Param {
	r, c := value.Dims()
	return &Param{
		Name:        name,
		Value:       value,
		Grad:        mat.NewDense(r, c, nil),
		Regularized: regularized,
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() { p.Grad.Zero() }

// Clone returns a parameter with a deep copy of the value and fresh state.
func (p *Param) Clone() *Param {
	return NewParam(p.Name, mat.DenseCopyOf(p.Value), p.Regularized)
}

// Tape records operations so gradients can be propagated backwards.
// A tape is single use: build the graph for one batch, call Backward, drop it.
type Tape struct {
	record   bool
	rng      *rand.Rand
	backward []func()
	params   map[*Param]*Node
	used     []*Param
}

// New returns a recording tape. rng drives dropout masks.
func New(rng *rand.Rand) *Tape {
	return &Tape{record: true, rng: rng, params: make(map[*Param]*Node)}
}

// NewInference returns a tape that records nothing and never drops units.
func NewInference() *Tape {
	return &Tape{params: make(map[*Param]*Node)}
}

// Recording reports whether gradients are tracked.
func (t *Tape) Recording() bool { return t.record }

// Const wraps a matrix that never receives gradients.
func (t *Tape) Const(m *mat.Dense) *Node {
	return &Node{Value: m}
}

// Param returns the node bound to p on this tape. Repeated calls return the
// same node so gradients from every use accumulate in p.Grad.
func (t *Tape) Param(p *Param) *Node {
	if n, ok := t.params[p]; ok {
		return n
	}
	n := &Node{Value: p.Value}
	if t.record {
		n.needsGrad = true
		n.Grad = p.Grad
		t.used = append(t.used, p)
	}
	t.params[p] = n
	return n
}

// Params lists the parameters touched by this tape in first-use order.
func (t *Tape) Params() []*Param { return t.used }

// Backward seeds d(loss)/d(loss)=1 and runs the recorded closures in reverse.
func (t *Tape) Backward(loss *Node) {
	if r, c := loss.Dims(); r != 1 || c != 1 {
		panic(fmt.Sprintf("graph: Backward needs a scalar, got %dx%d", r, c))
	}
	if !loss.needsGrad {
		return
	}
	loss.grad().Set(0, 0, 1)
	for i := len(t.backward) - 1; i >= 0; i-- {
		t.backward[i]()
	}
	t.backward = nil
}

func (t *Tape) node(v *mat.Dense, inputs ...*Node) *Node {
	n := &Node{Value: v}
	if t.record {
		for _, in := range inputs {
			if in.needsGrad {
				n.needsGrad = true
				break
			}
		}
	}
	return n
}

func (t *Tape) onBackward(out *Node, fn func()) {
	if out.needsGrad {
		t.backward = append(t.backward, fn)
	}
}

func raw(m *mat.Dense) []float64 {
	rm := m.RawMatrix()
	if rm.Stride != rm.Cols {
		panic("graph: non-contiguous matrix")
	}
	return rm.Data[:rm.Rows*rm.Cols]
}

func newLike(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	return mat.NewDense(r, c, nil)
}

func mustSameShape(op string, a, b *Node) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("graph: %s shape mismatch %dx%d vs %dx%d", op, ar, ac, br, bc))
	}
}

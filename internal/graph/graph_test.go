package graph

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// checkGradients compares analytic gradients with central differences.
func checkGradients(t *testing.T, params []*Param, loss func(tp *Tape) *Node) {
	t.Helper()
	tp := New(nil)
	l := loss(tp)
	tp.Backward(l)

	const h = 1e-5
	for _, p := range params {
		w := raw(p.Value)
		g := raw(p.Grad)
		for i := range w {
			orig := w[i]
			w[i] = orig + h
			plus := loss(NewInference()).Value.At(0, 0)
			w[i] = orig - h
			minus := loss(NewInference()).Value.At(0, 0)
			w[i] = orig

			numeric := (plus - minus) / (2 * h)
			if diff := math.Abs(numeric - g[i]); diff > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Errorf("%s[%d]: analytic %.6f numeric %.6f", p.Name, i, g[i], numeric)
			}
		}
		p.ZeroGrad()
	}
}

func randParam(rng *rand.Rand, name string, rows, cols int) *Param {
	return NewParam(name, Normal(rng, 0.5)(rows, cols), true)
}

func TestDenseChainGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randParam(rng, "x", 3, 4)
	w := randParam(rng, "w", 4, 5)
	b := randParam(rng, "b", 1, 5)
	gain := randParam(rng, "gain", 1, 5)
	shift := randParam(rng, "shift", 1, 5)

	checkGradients(t, []*Param{x, w, b, gain, shift}, func(tp *Tape) *Node {
		h := tp.AddRow(tp.MatMul(tp.Param(x), tp.Param(w)), tp.Param(b))
		h = tp.LayerNorm(h, tp.Param(gain), tp.Param(shift), 1e-6)
		h = tp.Tanh(h)
		h = tp.L2NormalizeRows(h, 1e-12)
		return tp.Mean(tp.Mul(h, tp.Sigmoid(h)))
	})
}

func TestSelectionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	a := randParam(rng, "a", 4, 3)
	c := randParam(rng, "c", 4, 1)

	checkGradients(t, []*Param{a, c}, func(tp *Tape) *Node {
		an := tp.Param(a)
		gathered := tp.GatherRows(an, []int{2, 0, 2, 1})
		joined := tp.ConcatCols(gathered, tp.SliceCols(an, 1, 3))
		scaled := tp.MulCol(joined, tp.Param(c))
		sm := tp.SoftmaxRows(scaled)
		return tp.Add(tp.Sum(tp.RowMax(scaled)), tp.Sum(tp.RowDot(sm, joined)))
	})
}

func TestCrossEntropyGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	logits := randParam(rng, "logits", 3, 4)
	bias := mat.NewDense(3, 4, []float64{
		0, 0, -1e9, 0,
		0, 0, 0, 0,
		0, -1e9, -1e9, 0,
	})
	checkGradients(t, []*Param{logits}, func(tp *Tape) *Node {
		return tp.Mean(tp.CrossEntropyFirst(tp.AddConst(tp.Param(logits), bias)))
	})
}

func TestCrossEntropyValue(t *testing.T) {
	tp := NewInference()
	logits := tp.Const(mat.NewDense(1, 3, []float64{1, 2, 3}))
	got := tp.CrossEntropyFirst(logits).Value.At(0, 0)
	want := -math.Log(math.Exp(1) / (math.Exp(1) + math.Exp(2) + math.Exp(3)))
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("CrossEntropyFirst = %f, want %f", got, want)
	}
}

func TestPickRowsGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	s0 := randParam(rng, "s0", 3, 2)
	s1 := randParam(rng, "s1", 3, 2)
	checkGradients(t, []*Param{s0, s1}, func(tp *Tape) *Node {
		picked := tp.PickRows([]*Node{tp.Param(s0), tp.Param(s1)}, []int{1, -1, 0})
		return tp.SumSquares(picked)
	})
}

func TestPickRowsZeroForNegative(t *testing.T) {
	tp := NewInference()
	a := tp.Const(mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
	b := tp.Const(mat.NewDense(2, 2, []float64{5, 6, 7, 8}))
	out := tp.PickRows([]*Node{a, b}, []int{1, -1})
	want := []float64{5, 6, 0, 0}
	for i, v := range out.Raw() {
		if v != want[i] {
			t.Fatalf("PickRows[%d] = %f, want %f", i, v, want[i])
		}
	}
}

func TestLSTMGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x0 := randParam(rng, "x0", 2, 3)
	x1 := randParam(rng, "x1", 2, 3)
	x2 := randParam(rng, "x2", 2, 3)
	kernel := randParam(rng, "kernel", 5, 8)
	bias := randParam(rng, "bias", 1, 8)

	checkGradients(t, []*Param{x0, x1, x2, kernel, bias}, func(tp *Tape) *Node {
		hs := tp.LSTM([]*Node{tp.Param(x0), tp.Param(x1), tp.Param(x2)}, tp.Param(kernel), tp.Param(bias), 1)
		last := tp.PickRows(hs, []int{2, 1})
		return tp.Add(tp.Sum(last), tp.Scale(tp.Sum(hs[0]), 0.5))
	})
}

func TestDropoutIdentityAtInference(t *testing.T) {
	tp := New(rand.New(rand.NewSource(6)))
	a := tp.Const(Ones(4, 4))
	if out := tp.Dropout(a, 0.5, false); out != a {
		t.Fatal("Dropout must be the identity outside training")
	}
	out := tp.Dropout(a, 0.5, true)
	for _, v := range out.Raw() {
		if v != 0 && v != 2 {
			t.Fatalf("unexpected dropout value %f", v)
		}
	}
}

func TestAdamFirstStepIsLearningRate(t *testing.T) {
	p := NewParam("w", mat.NewDense(1, 2, []float64{1, -1}), false)
	opt := NewAdam(0.1)
	tp := New(nil)
	tp.Backward(tp.SumSquares(tp.Param(p)))
	opt.Step(tp.Params())

	want := []float64{0.9, -0.9}
	for i, v := range raw(p.Value) {
		if math.Abs(v-want[i]) > 1e-6 {
			t.Errorf("w[%d] = %f, want %f", i, v, want[i])
		}
	}
	for i, g := range raw(p.Grad) {
		if g != 0 {
			t.Errorf("grad[%d] = %f, want cleared", i, g)
		}
	}
	if opt.Steps() != 1 {
		t.Errorf("Steps() = %d, want 1", opt.Steps())
	}
}

func TestL2SkipsUnregularized(t *testing.T) {
	tp := New(nil)
	a := NewParam("a", mat.NewDense(1, 2, []float64{1, 2}), true)
	b := NewParam("b", mat.NewDense(1, 1, []float64{10}), false)
	tp.Param(a)
	tp.Param(b)
	got := tp.L2(0.5).Value.At(0, 0)
	if want := 0.5 * 5 / 2; math.Abs(got-want) > 1e-12 {
		t.Fatalf("L2 = %f, want %f", got, want)
	}
}

package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/graph"
	"github.com/headlands-org/go-dualembed/internal/similarity"
)

func triples(t *graph.Tape, sim, intent, input []float64, bias []float64) similarity.Triples {
	k := len(intent)
	s := similarity.Triples{
		Sim:       t.Const(mat.NewDense(1, len(sim), sim)),
		IntentSim: t.Const(mat.NewDense(1, k, intent)),
		InputSim:  t.Const(mat.NewDense(1, k, input)),
	}
	if bias != nil {
		s.Bias = mat.NewDense(1, k, bias)
	}
	return s
}

func margin() Margin {
	return Margin{MuPos: 0.8, MuNeg: -0.4, CEmb: 0.8, UseMax: true}
}

func TestMarginLoss(t *testing.T) {
	tape := graph.NewInference()
	s := triples(tape, []float64{0.5, 0.6, -0.2}, []float64{0.3, 0.9}, []float64{-0.1, 0.2}, nil)

	// 0.3 (positive) + 0.2 (max negative) + 0.8·0.9 + 0.8·0.2
	got := margin().Loss(tape, s).Value.At(0, 0)
	assert.InDelta(t, 0.3+0.2+0.72+0.16, got, 1e-12)

	sum := margin()
	sum.UseMax = false
	got = sum.Loss(tape, s).Value.At(0, 0)
	assert.InDelta(t, 0.3+0.2+0.72+0.16, got, 1e-12)
}

func TestMarginLossSumsNegatives(t *testing.T) {
	tape := graph.NewInference()
	s := triples(tape, []float64{0.9, 0.6, 0.5}, []float64{-1, -1}, []float64{-1, -1}, nil)

	m := margin()
	m.UseMax = false
	assert.InDelta(t, 0.2+0.1, m.Loss(tape, s).Value.At(0, 0), 1e-12)
}

func TestMarginLossMasksFalseNegatives(t *testing.T) {
	tape := graph.NewInference()
	s := triples(tape, []float64{0.5, 0.1, 0.9}, []float64{0.3, 0.9}, []float64{-0.1, 0.2},
		[]float64{0, similarity.MaskBias})

	// the masked second negative drops out of every max
	got := margin().Loss(tape, s).Value.At(0, 0)
	assert.InDelta(t, 0.3+0+0.8*0.3+0, got, 1e-12)
}

func TestMarginLossWithoutNegatives(t *testing.T) {
	tape := graph.NewInference()
	s := similarity.Triples{Sim: tape.Const(mat.NewDense(2, 1, []float64{0.6, 1.0}))}
	assert.InDelta(t, 0.1, margin().Loss(tape, s).Value.At(0, 0), 1e-12)
}

// twoIdenticalInputs scores two flat inputs with the same embedding against
// two orthogonal labels, each input using the other's label as negative.
func twoIdenticalInputs(t *testing.T, tape *graph.Tape, sequence bool) similarity.Triples {
	t.Helper()
	s, err := similarity.NewScorer(config.SimilarityCosine)
	require.NoError(t, err)
	a := tape.Const(mat.NewDense(2, 2, []float64{1, 0, 1, 0}))
	b := tape.Const(mat.NewDense(2, 2, []float64{1, 0, 0, 1}))
	raw := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	return s.Triples(tape, a, b, raw, similarity.Negatives{{1}, {0}}, 1.0, sequence)
}

func TestFlatInputsSkipInputSimilarityPenalty(t *testing.T) {
	tape := graph.NewInference()

	// row 0: relu(0.8-1) + relu(0-0.4); row 1: relu(0.8-0) + relu(1-0.4)
	flat := margin().Loss(tape, twoIdenticalInputs(t, tape, false)).Value.At(0, 0)
	assert.InDelta(t, (0+0.8+0.6)/2, flat, 1e-12)

	// sequences add 0.8·1 per row for the identical input rows
	seq := margin().Loss(tape, twoIdenticalInputs(t, tape, true)).Value.At(0, 0)
	assert.InDelta(t, (0.8+0.8+0.6+0.8)/2, seq, 1e-12)

	// logits [pos, neg, intent]: [1, 0, 0] and [0, 1, 0]
	got := Softmax{}.Loss(tape, twoIdenticalInputs(t, tape, false)).Value.At(0, 0)
	assert.InDelta(t, math.Log(2+math.E)-0.5, got, 1e-12)
}

func TestSoftmaxLoss(t *testing.T) {
	tape := graph.NewInference()
	s := similarity.Triples{Sim: tape.Const(mat.NewDense(1, 2, []float64{2, 0}))}
	got := Softmax{}.Loss(tape, s).Value.At(0, 0)
	assert.InDelta(t, math.Log(1+math.Exp(-2)), got, 1e-12)

	masked := triples(tape, []float64{2, 0}, []float64{0}, []float64{0}, []float64{similarity.MaskBias})
	got = Softmax{}.Loss(tape, masked).Value.At(0, 0)
	assert.InDelta(t, 0, got, 1e-12)

	open := triples(tape, []float64{0, 0}, []float64{0}, []float64{0}, nil)
	got = Softmax{}.Loss(tape, open).Value.At(0, 0)
	assert.InDelta(t, math.Log(4), got, 1e-12)
}

func TestNewAddsRegularization(t *testing.T) {
	cfg := config.Default()
	cfg.C2 = 0.002
	fn, err := New(cfg)
	require.NoError(t, err)

	p := graph.NewParam("embed_layer_a/kernel", mat.NewDense(1, 2, []float64{1, 2}), true)
	tape := graph.New(nil)
	got := fn(tape, similarity.Triples{Sim: tape.Param(p)})

	// relu(0.8-1) + relu(-0.4+2) + 0.002·(1+4)/2
	assert.InDelta(t, 1.6+0.005, got.Value.At(0, 0), 1e-12)

	tape.Backward(got)
	assert.InDelta(t, 0.002, p.Grad.At(0, 0), 1e-12)
	assert.InDelta(t, 1+0.004, p.Grad.At(0, 1), 1e-12)
}

func TestNewRejectsUnknownLoss(t *testing.T) {
	cfg := config.Default()
	cfg.LossType = "triplet"
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrLossType)

	cfg.LossType = config.LossSoftmax
	fn, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, fn)
}

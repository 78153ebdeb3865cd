// Package loss turns similarity triples into a scalar training objective.
package loss

import (
	"fmt"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/graph"
	"github.com/headlands-org/go-dualembed/internal/similarity"
)

// Func builds the [1, 1] loss of one batch, regularization included.
type Func func(t *graph.Tape, s similarity.Triples) *graph.Node

// New returns the loss selected by cfg.LossType.
func New(cfg config.Config) (Func, error) {
	switch cfg.LossType {
	case config.LossMargin:
		m := Margin{MuPos: cfg.MuPos, MuNeg: cfg.MuNeg, CEmb: cfg.CEmb, UseMax: cfg.UseMaxSimNeg, C2: cfg.C2}
		return m.Loss, nil
	case config.LossSoftmax:
		s := Softmax{C2: cfg.C2}
		return s.Loss, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrLossType, cfg.LossType)
}

// Margin is the hinge loss: the positive similarity is pushed above MuPos,
// negatives below -MuNeg, and the closest intent and input embeddings of
// the negatives are penalized with weight CEmb.
type Margin struct {
	MuPos  float64
	MuNeg  float64
	CEmb   float64
	UseMax bool
	C2     float64
}

// Loss implements Func.
func (m Margin) Loss(t *graph.Tape, s similarity.Triples) *graph.Node {
	_, cols := s.Sim.Dims()
	pos := t.SliceCols(s.Sim, 0, 1)
	loss := t.ReLU(t.AddScalar(t.Scale(pos, -1), m.MuPos))

	if cols > 1 {
		neg := masked(t, t.SliceCols(s.Sim, 1, cols), s)
		if m.UseMax {
			loss = t.Add(loss, t.ReLU(t.AddScalar(t.RowMax(neg), m.MuNeg)))
		} else {
			loss = t.Add(loss, t.RowSum(t.ReLU(t.AddScalar(neg, m.MuNeg))))
		}
		for _, over := range []*graph.Node{s.IntentSim, s.InputSim} {
			if over == nil {
				continue
			}
			penalty := t.ReLU(t.RowMax(masked(t, over, s)))
			loss = t.Add(loss, t.Scale(penalty, m.CEmb))
		}
	}
	return regularize(t, t.Mean(loss), m.C2)
}

// Softmax is the cross-entropy of the positive similarity against every
// unmasked negative and over-similarity logit.
type Softmax struct {
	C2 float64
}

// Loss implements Func.
func (sm Softmax) Loss(t *graph.Tape, s similarity.Triples) *graph.Node {
	_, cols := s.Sim.Dims()
	logits := []*graph.Node{t.SliceCols(s.Sim, 0, 1)}
	if cols > 1 {
		logits = append(logits, masked(t, t.SliceCols(s.Sim, 1, cols), s))
		for _, over := range []*graph.Node{s.IntentSim, s.InputSim} {
			if over != nil {
				logits = append(logits, masked(t, over, s))
			}
		}
	}
	return regularize(t, t.Mean(t.CrossEntropyFirst(t.ConcatCols(logits...))), sm.C2)
}

func masked(t *graph.Tape, x *graph.Node, s similarity.Triples) *graph.Node {
	if s.Bias == nil {
		return x
	}
	return t.AddConst(x, s.Bias)
}

func regularize(t *graph.Tape, loss *graph.Node, c2 float64) *graph.Node {
	if c2 == 0 {
		return loss
	}
	if l2 := t.L2(c2); l2 != nil {
		return t.Add(loss, l2)
	}
	return loss
}

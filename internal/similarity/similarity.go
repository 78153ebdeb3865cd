// Package similarity samples in-batch negatives and scores embeddings
// against them.
package similarity

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/graph"
)

// MaskBias is added to similarities of masked negatives so that they never
// win a max and vanish under a softmax.
const MaskBias = -1e9

// normEps matches the squared-norm floor used when normalizing for cosine.
const normEps = 1e-12

// Negatives holds, for each batch row, the batch rows drawn as negatives.
// Every row has the same number of draws.
type Negatives [][]int

// K returns the number of negatives per row.
func (n Negatives) K() int {
	if len(n) == 0 {
		return 0
	}
	return len(n[0])
}

// Column returns the k-th negative of every row.
func (n Negatives) Column(k int) []int {
	col := make([]int, len(n))
	for i, row := range n {
		col[i] = row[k]
	}
	return col
}

// SampleNegatives draws numNeg rows uniformly, with replacement, from the
// other rows of a batch of the given size. It returns nil when there is
// nothing to draw from.
func SampleNegatives(rng *rand.Rand, batch, numNeg int) Negatives {
	if batch < 2 || numNeg <= 0 {
		return nil
	}
	negs := make(Negatives, batch)
	for i := range negs {
		negs[i] = make([]int, numNeg)
		for k := range negs[i] {
			j := rng.Intn(batch - 1)
			if j >= i {
				j++
			}
			negs[i][k] = j
		}
	}
	return negs
}

// IOU is Σmin(a,b) / Σmax(a,b). Two empty vectors are identical.
func IOU(a, b []float64) float64 {
	var inter, union float64
	for i := range a {
		inter += math.Min(a[i], b[i])
		union += math.Max(a[i], b[i])
	}
	if union == 0 {
		return 1
	}
	return inter / union
}

// FalseNegatives returns the [batch, K] matrix holding 1 where the sampled
// negative's raw label overlaps the positive's by at least threshold.
func FalseNegatives(raw *mat.Dense, negs Negatives, threshold float64) *mat.Dense {
	if negs.K() == 0 {
		return nil
	}
	bad := mat.NewDense(len(negs), negs.K(), nil)
	for i, row := range negs {
		pos := raw.RawRowView(i)
		for k, j := range row {
			if IOU(pos, raw.RawRowView(j)) >= threshold {
				bad.Set(i, k, 1)
			}
		}
	}
	return bad
}

// Triples are the similarities a loss is built from. Sim is [batch, 1+K]
// with the positive in column 0; IntentSim and InputSim are [batch, K] and
// nil when no negatives were drawn. Bias is the additive false-negative mask
// for the K negative columns.
type Triples struct {
	Sim       *graph.Node
	IntentSim *graph.Node
	InputSim  *graph.Node
	Bias      *mat.Dense
}

// Scorer computes similarities of one kind.
type Scorer struct {
	kind string
}

// NewScorer returns a scorer for "cosine" or "inner".
func NewScorer(kind string) (Scorer, error) {
	switch kind {
	case config.SimilarityCosine, config.SimilarityInner:
		return Scorer{kind: kind}, nil
	}
	return Scorer{}, fmt.Errorf("%w: %q", config.ErrSimilarityType, kind)
}

// Kind returns the similarity type.
func (s Scorer) Kind() string { return s.kind }

// Prepare normalizes rows for cosine similarity.
func (s Scorer) Prepare(t *graph.Tape, x *graph.Node) *graph.Node {
	if s.kind == config.SimilarityCosine {
		return t.L2NormalizeRows(x, normEps)
	}
	return x
}

// Triples scores input embeddings a against label embeddings b for the
// positive pairs on the diagonal and the sampled negatives. raw holds the
// un-embedded labels used for false-negative detection. InputSim is only
// scored for sequence inputs; flat inputs leave it nil.
func (s Scorer) Triples(t *graph.Tape, a, b *graph.Node, raw *mat.Dense, negs Negatives, threshold float64, sequence bool) Triples {
	a, b = s.Prepare(t, a), s.Prepare(t, b)
	sims := []*graph.Node{t.RowDot(a, b)}
	out := Triples{}
	if negs.K() == 0 {
		out.Sim = sims[0]
		return out
	}
	intent := make([]*graph.Node, negs.K())
	var input []*graph.Node
	for k := range intent {
		idx := negs.Column(k)
		negB := t.GatherRows(b, idx)
		sims = append(sims, t.RowDot(a, negB))
		intent[k] = t.RowDot(b, negB)
		if sequence {
			input = append(input, t.RowDot(a, t.GatherRows(a, idx)))
		}
	}
	out.Sim = t.ConcatCols(sims...)
	out.IntentSim = t.ConcatCols(intent...)
	if sequence {
		out.InputSim = t.ConcatCols(input...)
	}
	if bad := FalseNegatives(raw, negs, threshold); bad != nil {
		bias := bad.RawMatrix().Data
		for i, v := range bias {
			if v != 0 {
				bias[i] = MaskBias
			}
		}
		out.Bias = bad
	}
	return out
}

// Pairwise returns the [rows(a), rows(b)] similarity of every input
// embedding against every label embedding.
func (s Scorer) Pairwise(a, b mat.Matrix) *mat.Dense {
	if s.kind == config.SimilarityCosine {
		a, b = normalizeRows(a), normalizeRows(b)
	}
	ar, _ := a.Dims()
	br, _ := b.Dims()
	out := mat.NewDense(ar, br, nil)
	out.Mul(a, b.T())
	return out
}

func normalizeRows(m mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(m)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		sq := 0.0
		for _, x := range row {
			sq += x * x
		}
		norm := math.Sqrt(math.Max(sq, normEps))
		for j := range row {
			row[j] /= norm
		}
	}
	return out
}

package model

import (
	"math"

	"github.com/headlands-org/go-dualembed/internal/config"
	"github.com/headlands-org/go-dualembed/internal/features"
)

// RankingLength is the number of entries kept in an intent ranking.
const RankingLength = 10

// Label is one scored intent.
type Label struct {
	ID         int
	Name       string
	Confidence float64
}

// Ranked orders every intent by descending similarity to query and turns
// the scores into confidences: clipped at zero for cosine, a softmax over
// the top 3*NumNeg+1 scores for inner product.
func (m *Model) Ranked(query []float32) ([]Label, error) {
	if m.index == nil {
		return nil, ErrNotTrained
	}
	results, err := m.index.SearchVector(query, m.index.Count())
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = float64(r.Score)
	}
	switch m.Scorer.Kind() {
	case config.SimilarityCosine:
		for i, s := range scores {
			scores[i] = math.Max(s, 0)
		}
	case config.SimilarityInner:
		scores = truncatedSoftmax(scores, 3*m.NumNeg+1)
	}

	out := make([]Label, len(results))
	for i, r := range results {
		out[i] = Label{ID: int(r.ID), Name: m.Vocab.Label(int(r.ID)), Confidence: scores[i]}
	}
	return out, nil
}

// truncatedSoftmax normalizes the first keep of the descending scores;
// the rest get zero.
func truncatedSoftmax(sorted []float64, keep int) []float64 {
	keep = max(min(keep, len(sorted)), 1)
	out := make([]float64, len(sorted))
	if len(sorted) == 0 {
		return out
	}
	top := sorted[0]
	sum := 0.0
	for i := 0; i < keep; i++ {
		out[i] = math.Exp(sorted[i] - top)
		sum += out[i]
	}
	for i := 0; i < keep; i++ {
		out[i] /= sum
	}
	return out
}

// Predict ranks the intents for one input. An all-zero input yields no
// intent and an empty ranking.
func (m *Model) Predict(x features.Sparse) (*Label, []Label, error) {
	if m.index == nil {
		return nil, nil, ErrNotTrained
	}
	if x.IsZero() {
		return nil, nil, nil
	}
	emb := m.Embed([]features.Sparse{x})
	return m.Decide(toFloat32(emb.RawRowView(0)))
}

// Decide ranks a precomputed input embedding.
func (m *Model) Decide(query []float32) (*Label, []Label, error) {
	ranked, err := m.Ranked(query)
	if err != nil {
		return nil, nil, err
	}
	if len(ranked) == 0 {
		return nil, nil, nil
	}
	best := ranked[0]
	return &best, ranked[:min(len(ranked), RankingLength)], nil
}

func toFloat32(xs []float64) []float32 {
	out := make([]float32, len(xs))
	for i, x := range xs {
		out[i] = float32(x)
	}
	return out
}

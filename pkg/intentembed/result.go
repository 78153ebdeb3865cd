package intentembed

import "github.com/headlands-org/go-dualembed/internal/model"

// Intent is the best-label record. Name is nil when no intent was emitted.
type Intent struct {
	Name       *string `json:"name"`
	Confidence float64 `json:"confidence"`
}

// RankedIntent is one entry of an intent ranking.
type RankedIntent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Result is attached to a processed message.
type Result struct {
	Intent  Intent         `json:"intent"`
	Ranking []RankedIntent `json:"intent_ranking"`
}

// IntentName returns the predicted intent, or "" when there is none.
func (r Result) IntentName() string {
	if r.Intent.Name == nil {
		return ""
	}
	return *r.Intent.Name
}

func newResult(best *model.Label, ranking []model.Label) Result {
	if best == nil {
		return Result{}
	}
	name := best.Name
	res := Result{
		Intent:  Intent{Name: &name, Confidence: best.Confidence},
		Ranking: make([]RankedIntent, len(ranking)),
	}
	for i, l := range ranking {
		res.Ranking[i] = RankedIntent{Name: l.Name, Confidence: l.Confidence}
	}
	return res
}
